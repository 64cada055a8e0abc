package custom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/pull"
)

const testStructure = `{"data": {
  "dataStructures": [{"id": "DSD_TEST", "dataStructureComponents": {"dimensionList": {
    "dimensions": [
      {"id": "FREQ", "position": 0, "localRepresentation": {"enumeration": "urn:sdmx:org.sdmx.infomodel.codelist.Codelist=XX:CL_FREQ(1.0)"}},
      {"id": "REF_AREA", "position": 1, "localRepresentation": {"enumeration": "urn:sdmx:org.sdmx.infomodel.codelist.Codelist=XX:CL_AREA(1.0)"}},
      {"id": "UNIT", "position": 2, "localRepresentation": {"enumeration": "urn:sdmx:org.sdmx.infomodel.codelist.Codelist=XX:CL_UNIT(1.0)"}}
    ],
    "timeDimensions": [{"id": "TIME_PERIOD", "position": 3}]}}}],
  "codelists": [{"id": "CL_FREQ", "agencyID": "XX", "version": "1.0", "codes": [{"id": "A", "name": "Annual"}, {"id": "M", "name": "Monthly"}]}]
}}`

const testAreas = `{"data": {"codelists": [{"id": "CL_AREA", "agencyID": "XX", "version": "1.0",
  "codes": [{"id": "USA", "name": "United States"}, {"id": "GBR", "name": "United Kingdom"}, {"id": "JPN", "name": "Japan"}]}]}}`

func testData(area string) string {
	return `{"data": {"dataSets": [{"observations": {"0:0:0:0": [1.5], "0:0:0:1": [2.5]}}],
  "structures": [{"dimensions": {"observation": [
    {"id": "FREQ", "values": [{"id": "A", "name": "Annual"}]},
    {"id": "REF_AREA", "values": [{"id": "` + area + `", "name": "` + area + `"}]},
    {"id": "UNIT", "values": [{"id": "USD", "name": "US dollar"}]},
    {"id": "TIME_PERIOD", "values": [{"id": "2019"}, {"id": "2020"}]}]}}]}}`
}

type fakeAgency struct {
	srv *httptest.Server

	mu        sync.Mutex
	keys      []string
	codelists int
}

func newFakeAgency(t *testing.T) *fakeAgency {
	t.Helper()
	f := &fakeAgency{}
	dataPrefix := "/rest/data/XX,DF_TEST,1.0/"
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/rest/dsd":
			w.Write([]byte(testStructure))
		case r.URL.Path == "/rest/codelist/XX/CL_AREA/1.0":
			f.codelists++
			w.Write([]byte(testAreas))
		case strings.HasPrefix(r.URL.Path, dataPrefix):
			key := strings.TrimPrefix(r.URL.Path, dataPrefix)
			f.keys = append(f.keys, key)
			if got := r.URL.Query().Get("startPeriod"); got != "2015" {
				t.Errorf("startPeriod = %q, want 2015", got)
			}
			area := strings.Split(key, ".")[1]
			if area != "USA" {
				http.Error(w, "NoRecordsFound", http.StatusNotFound)
				return
			}
			w.Write([]byte(testData(area)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgency) codelistFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codelists
}

func (f *fakeAgency) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

// testPull mirrors a pull as the configuration loader delivers it, with
// lower-cased map keys.
func testPull(f *fakeAgency) config.PullConfig {
	return config.PullConfig{
		ID:              "test_areas",
		Description:     "Test flow by area",
		ReferenceURL:    f.srv.URL + "/rest/data/XX,DF_TEST,1.0/A..USD",
		Start:           "2015",
		StructureFormat: "JSON",
		StructureURLs:   []string{f.srv.URL + "/rest/dsd"},
		Roles: []config.RoleConfig{
			{Name: "freq", Candidates: []string{"FREQ"}, Required: true},
			{Name: "area", Candidates: []string{"COUNTRY", "REF_AREA"}, Required: true},
			{Name: "unit", Candidates: []string{"UNIT_MEASURE", "UNIT"}},
		},
		Requirements: []config.RequirementConfig{
			{Role: "freq", Patterns: []string{"annual"}},
			{Role: "unit", Patterns: []string{"dollar"}, AllowMissing: true},
		},
		Iterate: []config.AxisConfig{
			{Role: "area", Codes: []string{"USA", "UK", "XXX"}, Aliases: map[string]string{"uk": "GBR"}},
		},
		Rename: map[string]string{"ref_area": "country"},
	}
}

func testProvider(pulls ...config.PullConfig) *Provider {
	deps := provider.DefaultDeps()
	deps.HTTP.MaxRetries = 1
	deps.Sleeper = func(context.Context, time.Duration) error { return nil }
	return New(pulls, deps)
}

func TestProviderInfo(t *testing.T) {
	f := newFakeAgency(t)
	p := testProvider(testPull(f))
	if p.Info().Name != "custom" {
		t.Errorf("expected name custom, got %s", p.Info().Name)
	}
	ds := p.SupportedDatasets()
	if len(ds) != 1 || ds[0] != "test_areas" {
		t.Fatalf("unexpected datasets %v", ds)
	}
	fetcher := p.Fetcher(ds[0])
	if fetcher.Description() != "Test flow by area" {
		t.Errorf("description = %q", fetcher.Description())
	}
	opt := fetcher.OptionalParams()
	if len(opt) != 3 || opt[2] != "area" {
		t.Errorf("optional params = %v", opt)
	}
}

func TestSpecConversion(t *testing.T) {
	f := newFakeAgency(t)
	pc := testPull(f)
	pc.Params = map[string]string{"format": "jsondata"}
	pc.Iterate[0].BatchSize = 2
	spec := Spec(pc, provider.QueryParams{provider.ParamEnd: "2020"})

	if spec.StructureFormat != pull.StructureJSON {
		t.Errorf("structure format = %q", spec.StructureFormat)
	}
	if spec.Start != "2015" || spec.End != "2020" {
		t.Errorf("period = %s..%s", spec.Start, spec.End)
	}
	if spec.Rename["REF_AREA"] != "country" {
		t.Errorf("rename keys should be upper-cased: %v", spec.Rename)
	}
	if got := spec.Axes[0].Aliases["UK"]; got != "GBR" {
		t.Errorf("alias UK = %q", got)
	}
	if spec.Axes[0].BatchSize != 2 {
		t.Errorf("batch size = %d", spec.Axes[0].BatchSize)
	}
	if spec.Params.Get("format") != "jsondata" {
		t.Errorf("params = %v", spec.Params)
	}
	if len(spec.Requirements) != 2 || spec.Requirements[0].Match == nil || spec.Requirements[1].Match.AllowMissing != true {
		t.Errorf("requirements = %+v", spec.Requirements)
	}

	spec = Spec(pc, provider.QueryParams{"area": "JPN, USA"})
	if got := strings.Join(spec.Axes[0].Codes, ","); got != "JPN,USA" {
		t.Errorf("area param should replace axis codes, got %s", got)
	}
}

func TestSpecLiteralCodes(t *testing.T) {
	spec := Spec(config.PullConfig{
		Requirements: []config.RequirementConfig{{Role: "freq", Codes: []string{"Q"}, Patterns: []string{"annual"}}},
	}, nil)
	if spec.Requirements[0].Match != nil || spec.Requirements[0].Codes[0] != "Q" {
		t.Errorf("literal codes should win: %+v", spec.Requirements[0])
	}
	if spec.Params != nil || spec.Rename != nil {
		t.Errorf("empty maps should stay nil")
	}
}

func TestPullFetch(t *testing.T) {
	f := newFakeAgency(t)
	p := testProvider(testPull(f))
	fetcher := p.Fetcher("test_areas")

	res, err := fetcher.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := []string{"A.USA.USD", "A.GBR.USD"}
	if got := f.requested(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("requested %v, want %v", got, want)
	}
	if res.Rows != 2 || res.Table.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", res.Rows)
	}
	if !res.Table.HasColumn("country") || res.Table.HasColumn("ref_area") {
		t.Errorf("columns = %v", res.Table.Columns())
	}
	if got := res.Table.Value(1, "value"); got != 2.5 {
		t.Errorf("value = %v", got)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "A.GBR.USD" {
		t.Errorf("skipped = %v", res.Skipped)
	}

	again, err := fetcher.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if !again.Cached {
		t.Error("second fetch should be served from cache")
	}
	if n := f.codelistFetches(); n != 1 {
		t.Errorf("code list fetched %d times, want 1", n)
	}
}

func TestPullPing(t *testing.T) {
	f := newFakeAgency(t)
	p := testProvider(testPull(f))
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	bad := testPull(f)
	bad.ID = "broken"
	bad.StructureURLs = []string{f.srv.URL + "/rest/missing"}
	p = testProvider(bad)
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Ping should fail when the structure is missing")
	}
}
