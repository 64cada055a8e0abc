package imf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/sdmx"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// ---------------------------------------------------------------------------
// Fake IMF endpoint
// ---------------------------------------------------------------------------

var pipDims = []struct {
	id    string
	codes []string
}{
	{"COUNTRY", []string{"USA", "LUX", "JPN"}},
	{"ACCOUNTING_ENTRY", []string{"A", "L"}},
	{"INDICATOR", []string{
		"P_F3_S_P_USD", "P_F3_L_P_USD", "P_F51_P_USD",
		"P_F3_S_DIC_USD_P_USD", "P_F3_L_DIC_EUR_P_USD", "P_F51_DIC_JPY_P_USD",
	}},
	{"SECTOR", []string{"S1"}},
	{"COUNTERPART_SECTOR", []string{"S1"}},
	{"COUNTERPART_COUNTRY", []string{"USA", "CHN", "JPN", "G001"}},
	{"FREQUENCY", []string{"A"}},
}

func pipStructure() string {
	var cl, dl strings.Builder
	for i, d := range pipDims {
		fmt.Fprintf(&cl, `<str:Codelist id="CL_PIP_%s">`, d.id)
		for _, c := range d.codes {
			fmt.Fprintf(&cl, `<str:Code id=%q><com:Name xml:lang="en">%s</com:Name></str:Code>`, c, c)
		}
		cl.WriteString(`</str:Codelist>`)
		fmt.Fprintf(&dl, `<str:Dimension id=%q position="%d"><str:LocalRepresentation><str:Enumeration><Ref id="CL_PIP_%s"/></str:Enumeration></str:LocalRepresentation></str:Dimension>`, d.id, i+1, d.id)
	}
	dl.WriteString(`<str:TimeDimension id="TIME_PERIOD" position="8"/>`)
	return `<?xml version="1.0" encoding="UTF-8"?>
<mes:Structure xmlns:mes="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/message"
    xmlns:str="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/structure"
    xmlns:com="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/common">
 <mes:Structures><str:Codelists>` + cl.String() + `</str:Codelists>
  <str:DataStructures><str:DataStructure id="DSD_PIP" agencyID="IMF.STA" version="1.0">
   <str:DataStructureComponents><str:DimensionList>` + dl.String() + `</str:DimensionList></str:DataStructureComponents>
  </str:DataStructure></str:DataStructures>
 </mes:Structures>
</mes:Structure>`
}

// pipData answers a key with one observation per investor (USA, LUX) and
// indicator, scaled by 10^6.
func pipData(key string) string {
	parts := strings.Split(key, ".")
	indicators := strings.Split(parts[2], "+")
	values := func(codes ...string) string {
		out := make([]string, len(codes))
		for i, c := range codes {
			out[i] = fmt.Sprintf(`{"id": %q}`, c)
		}
		return strings.Join(out, ",")
	}
	var obs []string
	for i := range 2 {
		for j := range indicators {
			obs = append(obs, fmt.Sprintf(`"%d:0:%d:0:0:0:0:0": [1.5, 0]`, i, j))
		}
	}
	return fmt.Sprintf(`{"dataSets": [{"observations": {%s}}],
	  "structure": {"dimensions": {"observation": [
	    {"id": "COUNTRY", "values": [%s]},
	    {"id": "ACCOUNTING_ENTRY", "values": [%s]},
	    {"id": "INDICATOR", "values": [%s]},
	    {"id": "SECTOR", "values": [%s]},
	    {"id": "COUNTERPART_SECTOR", "values": [%s]},
	    {"id": "COUNTERPART_COUNTRY", "values": [%s]},
	    {"id": "FREQUENCY", "values": [%s]},
	    {"id": "TIME_PERIOD", "values": [{"id": "2019"}]}
	  ]},
	  "attributes": {"observation": [{"id": "SCALE", "values": [{"id": "6"}]}]}}}`,
		strings.Join(obs, ","),
		values("USA", "LUX"), values(parts[1]), values(indicators...), values(parts[3]),
		values(parts[4]), values(parts[5]), values(parts[6]))
}

type fakeIMF struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []string
}

func newFakeIMF(t *testing.T) *fakeIMF {
	t.Helper()
	f := &fakeIMF{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/dataflow/IMF.STA/PIP/latest":
			if r.URL.Query().Get("references") != "all" {
				t.Errorf("structure request without references=all: %s", r.URL)
			}
			w.Write([]byte(pipStructure()))
		case strings.HasPrefix(r.URL.Path, "/data/IMF.STA,PIP/"):
			key := strings.TrimPrefix(r.URL.Path, "/data/IMF.STA,PIP/")
			q := r.URL.Query()
			f.mu.Lock()
			f.requests = append(f.requests, key+"@"+q.Get("startPeriod")+"-"+q.Get("endPeriod"))
			f.mu.Unlock()
			w.Write([]byte(pipData(key)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIMF) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func testProvider(f *fakeIMF) *Provider {
	deps := provider.DefaultDeps()
	deps.HTTP.MaxRetries = 2
	deps.Sleeper = func(context.Context, time.Duration) error { return nil }
	return New(config.IMFConfig{BaseURL: f.srv.URL + "/", End: "2020"}, deps)
}

// ---------------------------------------------------------------------------
// Provider-level tests
// ---------------------------------------------------------------------------

func TestProviderInfo(t *testing.T) {
	p := New(config.IMFConfig{}, provider.DefaultDeps())
	info := p.Info()
	if info.Name != "imf" {
		t.Errorf("expected name imf, got %s", info.Name)
	}
	if info.Website == "" {
		t.Error("expected non-empty website")
	}
	if len(info.Credentials) != 0 {
		t.Errorf("imf should have no credentials, got %d", len(info.Credentials))
	}
	if p.cfg.BaseURL != DefaultBaseURL {
		t.Errorf("base url = %s", p.cfg.BaseURL)
	}
	want := []provider.Dataset{provider.DatasetIMFPIPBilateral, provider.DatasetIMFPIPCurrency}
	got := p.SupportedDatasets()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("datasets = %v, want %v", got, want)
	}
}

func TestProviderInit(t *testing.T) {
	p := New(config.IMFConfig{}, provider.DefaultDeps())
	if err := p.Init(nil); err != nil {
		t.Errorf("Init with nil: %v", err)
	}
}

func TestPing(t *testing.T) {
	f := newFakeIMF(t)
	if err := testProvider(f).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestYearChunks(t *testing.T) {
	tests := []struct {
		start, end int
		want       string
	}{
		{2003, 2020, "[[2003 2009] [2010 2015] [2016 2020]]"},
		{2003, 2012, "[[2003 2009] [2010 2012]]"},
		{2012, 2014, "[[2012 2014]]"},
		{2018, 2020, "[[2018 2020]]"},
		{2021, 2020, "[]"},
	}
	for _, tt := range tests {
		got := fmt.Sprint(YearChunks(tt.start, tt.end))
		if got != tt.want {
			t.Errorf("YearChunks(%d, %d) = %s, want %s", tt.start, tt.end, got, tt.want)
		}
	}
}

func TestIssuerGroups(t *testing.T) {
	years, groups := issuerGroups([]string{"USA", "CHN", "COL", "CAN", "XXX"}, 0)
	if fmt.Sprint(years) != "[2003 2007 2015]" {
		t.Fatalf("years = %v", years)
	}
	if fmt.Sprint(groups[2003]) != "[USA CAN XXX]" {
		t.Errorf("2003 group = %v", groups[2003])
	}

	years, groups = issuerGroups([]string{"USA", "COL"}, 2010)
	if fmt.Sprint(years) != "[2010]" || len(groups[2010]) != 2 {
		t.Errorf("min start not applied: %v %v", years, groups)
	}
}

func TestDefaultCurrencies(t *testing.T) {
	cur := DefaultCurrencies()
	seen := map[string]bool{}
	for i, c := range cur {
		if seen[c] {
			t.Errorf("duplicate currency %s", c)
		}
		seen[c] = true
		if i > 0 && cur[i-1] > c {
			t.Errorf("currencies not sorted: %v", cur)
		}
	}
	for _, c := range []string{"USD", "EUR", "CHF", "THB", "KRW"} {
		if !seen[c] {
			t.Errorf("missing currency %s", c)
		}
	}
}

func TestScaleToUSD(t *testing.T) {
	tbl := tidy.New("value")
	tbl.Append(tidy.Cell{Name: "value", Value: 2.0}, tidy.Cell{Name: "scale", Value: "3"})
	tbl.Append(tidy.Cell{Name: "value", Value: 2.0})
	tbl.Append(tidy.Cell{Name: "value", Value: nil}, tidy.Cell{Name: "scale", Value: "6"})
	scaleToUSD(tbl)

	if v := tbl.Value(0, "value_usd"); v != 2000.0 {
		t.Errorf("row 0 value_usd = %v", v)
	}
	if v := tbl.Value(1, "value_usd"); v != 2.0 {
		t.Errorf("row 1 value_usd = %v", v)
	}
	if v := tbl.Value(2, "value_usd"); v != nil {
		t.Errorf("row 2 value_usd = %v", v)
	}
	if v := tbl.Value(0, "scale"); v != 3 {
		t.Errorf("scale = %v (%T)", v, v)
	}
}

// ---------------------------------------------------------------------------
// Fetchers
// ---------------------------------------------------------------------------

func TestBilateralFetch(t *testing.T) {
	f := newFakeIMF(t)
	p := testProvider(f)

	res, err := p.Fetcher(provider.DatasetIMFPIPBilateral).Fetch(context.Background(),
		provider.QueryParams{provider.ParamCountries: "USA,CHN"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	ind := "P_F3_S_P_USD+P_F3_L_P_USD+P_F51_P_USD"
	want := []string{
		".A." + ind + ".S1.S1.USA.A@2003-2020",
		".A." + ind + ".S1.S1.CHN.A@2015-2020",
	}
	if got := f.requested(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("requests = %v\nwant %v", got, want)
	}

	// LUX investors are dropped.
	if res.Rows != 6 {
		t.Fatalf("expected 6 rows, got %d", res.Rows)
	}
	for r := range res.Table.Len() {
		if c := res.Table.Value(r, "country"); c != "USA" {
			t.Errorf("row %d investor = %v", r, c)
		}
		if v := res.Table.Value(r, "value_usd"); v != 1.5e6 {
			t.Errorf("row %d value_usd = %v", r, v)
		}
	}
	if ac := res.Table.Value(0, "asset_class"); ac != "ST_DEBT" {
		t.Errorf("asset_class = %v", ac)
	}
	if iss := res.Table.Value(3, "issuer"); iss != "CHN" {
		t.Errorf("issuer = %v", iss)
	}
}

func TestBilateralFetchEndBeforeStart(t *testing.T) {
	f := newFakeIMF(t)
	p := testProvider(f)

	res, err := p.Fetcher(provider.DatasetIMFPIPBilateral).Fetch(context.Background(),
		provider.QueryParams{provider.ParamCountries: "CHN", provider.ParamEnd: "2010"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Rows != 0 || len(f.requested()) != 0 {
		t.Errorf("expected no requests, got %v", f.requested())
	}
	if got := strings.Join(res.Table.Columns(), ","); got != strings.Join(bilateralColumns, ",") {
		t.Errorf("columns = %s", got)
	}
}

func TestCurrencyFetch(t *testing.T) {
	f := newFakeIMF(t)
	p := testProvider(f)

	res, err := p.Fetcher(provider.DatasetIMFPIPCurrency).Fetch(context.Background(),
		provider.QueryParams{ParamCurrencies: "USD,EUR,JPY,XXX", provider.ParamStart: "2008", provider.ParamEnd: "2017"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	ind := "P_F3_S_DIC_USD_P_USD+P_F3_L_DIC_EUR_P_USD+P_F51_DIC_JPY_P_USD"
	want := []string{
		".A." + ind + ".S1.S1.G001.A@2008-2009",
		".A." + ind + ".S1.S1.G001.A@2010-2015",
		".A." + ind + ".S1.S1.G001.A@2016-2017",
	}
	if got := f.requested(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("requests = %v\nwant %v", got, want)
	}
	if res.Rows != 18 {
		t.Fatalf("expected 18 rows, got %d", res.Rows)
	}
	if c := res.Table.Value(0, "currency"); c != "USD" {
		t.Errorf("currency = %v", c)
	}
	if ac := res.Table.Value(2, "asset_class"); ac != "EQUITY" {
		t.Errorf("asset_class = %v", ac)
	}
}

func TestCurrencyFetchUnknownCurrencies(t *testing.T) {
	f := newFakeIMF(t)
	p := testProvider(f)

	_, err := p.Fetcher(provider.DatasetIMFPIPCurrency).Fetch(context.Background(),
		provider.QueryParams{ParamCurrencies: "XXX"})
	var cre *sdmx.CodeResolutionError
	if !errors.As(err, &cre) {
		t.Fatalf("expected CodeResolutionError, got %v", err)
	}
	if n := len(f.requested()); n != 0 {
		t.Errorf("no data should be requested, got %d", n)
	}
}
