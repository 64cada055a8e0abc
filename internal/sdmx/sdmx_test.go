package sdmx

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCatalog() *Catalog {
	return NewCatalog("BIS,WS_DEBT_SEC2_PUB,1.0", []Dimension{
		{ID: "FREQ", Codes: []Code{{"A", "Annual"}, {"Q", "Quarterly"}}},
		{ID: "REF_AREA", Codes: []Code{{"US", "United States"}, {"CA", "Canada"}}},
	})
}

// --- Catalog ---

func TestNewCatalogOrdersByPosition(t *testing.T) {
	c := NewCatalog("X", []Dimension{
		{ID: "TIME_PERIOD", Time: true},
		{ID: "B", Position: 2},
		{ID: "A", Position: 1},
		{ID: "C", Position: 3},
	})
	assert.Equal(t, []string{"A", "B", "C"}, c.Order())
	assert.Equal(t, "TIME_PERIOD", c.TimeDimension())
	assert.Equal(t, 3, c.Len())

	dims := c.Dimensions()
	require.Len(t, dims, 4)
	assert.Equal(t, "TIME_PERIOD", dims[3].ID)
}

func TestNewCatalogPositionsDriveKeyOrder(t *testing.T) {
	c := NewCatalog("X", []Dimension{
		{ID: "B", Position: 2},
		{ID: "A", Position: 1},
		{ID: "TIME_PERIOD", Time: true},
	})
	key, err := BuildKey(c.Order(), KeyTemplate{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a.b", key)
}

func TestNewCatalogKeepsDeclaredOrderWithoutPositions(t *testing.T) {
	c := NewCatalog("X", []Dimension{{ID: "Z"}, {ID: "A", Position: 1}, {ID: "M"}, {ID: "Z"}})
	assert.Equal(t, []string{"Z", "A", "M"}, c.Order())
}

func TestCatalogLookup(t *testing.T) {
	c := NewCatalog("X", []Dimension{{ID: "Ref_Area"}, {ID: "ref_area"}, {ID: "FREQ"}, {ID: "TIME_PERIOD", Time: true}})

	id, ok := c.Lookup("ref_area")
	require.True(t, ok)
	assert.Equal(t, "ref_area", id, "exact match wins over a case-insensitive one")

	id, ok = c.Lookup("freq")
	require.True(t, ok)
	assert.Equal(t, "FREQ", id)

	id, ok = c.Lookup("time_period")
	require.True(t, ok)
	assert.Equal(t, "TIME_PERIOD", id)

	_, ok = c.Lookup("UNIT")
	assert.False(t, ok)
}

func TestCatalogOrderIsACopy(t *testing.T) {
	c := sampleCatalog()
	order := c.Order()
	order[0] = "MUTATED"
	assert.Equal(t, "FREQ", c.Order()[0])
}

// --- Resolver ---

func TestResolveFirstDeclaredCandidate(t *testing.T) {
	c := sampleCatalog()
	id, ok := Resolve(c, "COUNTERPART_AREA", "REF_AREA", "FREQ")
	require.True(t, ok)
	assert.Equal(t, "REF_AREA", id)

	_, ok = Resolve(c, "UNIT_MEASURE")
	assert.False(t, ok)
}

func TestResolveRoles(t *testing.T) {
	c := sampleCatalog()
	got, err := ResolveRoles(c, []Role{
		{Name: "area", Candidates: []string{"COUNTRY", "REF_AREA"}, Required: true},
		{Name: "unit", Candidates: []string{"UNIT_MEASURE"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"area": "REF_AREA"}, got)

	_, err = ResolveRoles(c, []Role{{Name: "sector", Candidates: []string{"SECTOR", "ISSUER_SECTOR"}, Required: true}})
	var se *StructureError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "sector", se.Role)
	assert.Contains(t, err.Error(), "ISSUER_SECTOR")
}

// --- Matcher ---

func TestMatchPreferredWinsOverPattern(t *testing.T) {
	dim := Dimension{ID: "CONSOLIDATION", Codes: []Code{
		{"X", "Non-consolidated (gross)"},
		{"N", "Something else entirely"},
	}}
	code, ok, err := Match(dim, MatchRule{Patterns: []string{"non consolidated"}, Preferred: []string{"n"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "N", code)
}

func TestMatchPatternNormalisesLabels(t *testing.T) {
	dim := Dimension{ID: "INSTR", Codes: []Code{
		{"D", "Debt"},
		{"F3", "Débt  Sécurities"},
	}}
	code, ok, err := Match(dim, MatchRule{Patterns: []string{"debt securities"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "F3", code)
}

func TestMatchPatternEqualToCode(t *testing.T) {
	dim := Dimension{ID: "UNIT", Codes: []Code{{"USD", "US dollar"}, {"XDC", "Domestic currency"}}}
	code, ok, err := Match(dim, MatchRule{Patterns: []string{"xdc"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "XDC", code)
}

func TestMatchFailureListsSample(t *testing.T) {
	dim := Dimension{ID: "CONSOLIDATION", Codes: []Code{{"X", "Gross basis"}}}
	_, ok, err := Match(dim, MatchRule{
		Patterns:  []string{"non consolidated", "non-consolidated"},
		Preferred: []string{"N", "NC"},
	})
	assert.False(t, ok)
	var cre *CodeResolutionError
	require.True(t, errors.As(err, &cre))
	assert.Equal(t, []Code{{"X", "Gross basis"}}, cre.Sample)
	assert.Contains(t, err.Error(), "X:Gross basis")
}

func TestMatchSampleIsBounded(t *testing.T) {
	dim := Dimension{ID: "D"}
	for i := 0; i < 12; i++ {
		dim.Codes = append(dim.Codes, Code{ID: fmt.Sprintf("C%d", i), Label: "label"})
	}
	_, _, err := Match(dim, MatchRule{Patterns: []string{"nothing"}})
	var cre *CodeResolutionError
	require.True(t, errors.As(err, &cre))
	assert.Len(t, cre.Sample, sampleSize)
}

func TestMatchAllowMissing(t *testing.T) {
	dim := Dimension{ID: "D", Codes: []Code{{"A", "Alpha"}}}
	code, ok, err := Match(dim, MatchRule{Patterns: []string{"beta"}, AllowMissing: true})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, code)

	_, ok, err = Match(Dimension{ID: "EMPTY"}, MatchRule{AllowMissing: true})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeLabel(t *testing.T) {
	tests := map[string]string{
		"":                       "",
		"Non-Consolidated":       "non consolidated",
		"  Côte   d'Ivoire ":     "cote d'ivoire",
		"General\tgovernment":    "general government",
		"Total - all maturities": "total all maturities",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeLabel(in), "input %q", in)
	}
}

// --- Key builder ---

func TestBuildKeyUnion(t *testing.T) {
	c := sampleCatalog()
	key, err := BuildKey(c.Order(), KeyTemplate{"A", "US"}, Overrides{"REF_AREA": {"US", "CA"}})
	require.NoError(t, err)
	assert.Equal(t, "A.US+CA", key)
}

func TestBuildKeyPreservesCatalogOrder(t *testing.T) {
	order := []string{"D1", "D2", "D3", "D4", "D5", "D6"}
	tmpl := KeyTemplate{"t1", "t2", "t3", "t4", "t5", "t6"}
	// Map iteration order is randomised; repeat to exercise it.
	for i := 0; i < 50; i++ {
		ov := Overrides{"D6": {"x6"}, "D2": {"x2"}, "D4": {"x4", "y4"}}
		key, err := BuildKey(order, tmpl, ov)
		require.NoError(t, err)
		assert.Equal(t, "t1.x2.t3.x4+y4.t5.x6", key)
		assert.Len(t, strings.Split(key, KeyDelimiter), len(order))
	}
}

func TestBuildKeyFallsBackToTemplate(t *testing.T) {
	order := []string{"FREQ", "REF_AREA", "SECTOR"}
	key, err := BuildKey(order, KeyTemplate{"Q", "", "S13"}, Overrides{"IGNORED": {"Z"}})
	require.NoError(t, err)
	assert.Equal(t, "Q..S13", key)
}

func TestBuildKeyExplicitWildcard(t *testing.T) {
	order := []string{"FREQ", "REF_AREA"}
	key, err := BuildKey(order, KeyTemplate{"A", "US"}, Overrides{"REF_AREA": nil})
	require.NoError(t, err)
	assert.Equal(t, "A.", key)
}

func TestBuildKeyLengthMismatch(t *testing.T) {
	_, err := BuildKey([]string{"A", "B"}, KeyTemplate{"x"}, nil)
	var se *StructureError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Detail, "1 segments")
}

func TestOverridesClone(t *testing.T) {
	ov := Overrides{}
	ov.Set("A", "1", "2")
	cl := ov.Clone()
	cl["A"][0] = "changed"
	assert.Equal(t, []string{"1", "2"}, ov["A"])
}

func TestKeyTemplateRoundTrip(t *testing.T) {
	tmpl := ParseKeyTemplate("A..USA+CAN.S13")
	assert.Equal(t, KeyTemplate{"A", "", "USA+CAN", "S13"}, tmpl)
	assert.Equal(t, "A..USA+CAN.S13", tmpl.String())
	assert.Equal(t, "..", WildcardTemplate(3).String())
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("https://sdmx.oecd.org/public/rest/data/OECD.SDD.NAD,DSD_NASEC20@DF_T720R_A,1.1/A..S13.S1.N.LI..LF+LE/?startPeriod=2000&dimensionAtObservation=AllDimensions")
	require.NoError(t, err)
	assert.Equal(t, "https://sdmx.oecd.org/public/rest", ref.Root)
	assert.Equal(t, "OECD.SDD.NAD,DSD_NASEC20@DF_T720R_A,1.1", ref.Flow)
	assert.Equal(t, KeyTemplate{"A", "", "S13", "S1", "N", "LI", "", "LF+LE"}, ref.Key)
	assert.Equal(t, "2000", ref.Params.Get("startPeriod"))
	assert.Equal(t, "https://sdmx.oecd.org/public/rest/data/OECD.SDD.NAD,DSD_NASEC20@DF_T720R_A,1.1/A.US", ref.DataURL("A.US"))

	_, err = ParseReference("https://example.org/structure/x")
	assert.Error(t, err)
}

func TestFlowRef(t *testing.T) {
	ref := ParseFlowRef("OECD.SDD.NAD,DSD_NASEC20@DF_T720R_A,1.1")
	assert.Equal(t, FlowRef{Agency: "OECD.SDD.NAD", DSD: "DSD_NASEC20", Dataflow: "DF_T720R_A", Version: "1.1"}, ref)
	assert.Equal(t, "OECD.SDD.NAD,DSD_NASEC20@DF_T720R_A,1.1", ref.String())

	assert.Equal(t, FlowRef{Dataflow: "PIP"}, ParseFlowRef("PIP"))
	assert.Equal(t, FlowRef{Agency: "IMF", Dataflow: "PIP"}, ParseFlowRef("IMF,PIP"))
}

func TestParseCodelistURN(t *testing.T) {
	ref, ok := ParseCodelistURN("urn:sdmx:org.sdmx.infomodel.codelist.Codelist=BIS:CL_FREQ(1.0)")
	require.True(t, ok)
	assert.Equal(t, CodelistRef{Agency: "BIS", ID: "CL_FREQ", Version: "1.0"}, ref)
	assert.Equal(t, "BIS:CL_FREQ(1.0)", ref.String())

	_, ok = ParseCodelistURN("urn:sdmx:org.sdmx.infomodel.conceptscheme.Concept=BIS:STANDALONE(1.0).FREQ")
	assert.False(t, ok)
}

func TestErrorKindsAreDistinguishable(t *testing.T) {
	inner := errors.New("connection reset")
	var err error = &TransportError{URL: "https://x", Attempts: 3, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "3 attempt(s)")

	nf := &TransportError{URL: "https://x", Attempts: 1, StatusCode: 404, Err: inner}
	assert.True(t, nf.NotFound())

	var fe error = &FormatError{URL: "https://x", ContentType: "text/html", Detail: "Service Unavailable"}
	var target *FormatError
	assert.True(t, errors.As(fe, &target))
	assert.Equal(t, "unexpected response format from https://x (text/html): Service Unavailable", fe.Error())
}
