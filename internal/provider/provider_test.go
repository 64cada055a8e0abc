package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// mockFetcher implements the Fetcher interface for testing.
type mockFetcher struct {
	BaseFetcher
	fetchFn func(ctx context.Context, params QueryParams) (*FetchResult, error)
}

func newMockFetcher(ds Dataset, required []string) *mockFetcher {
	return &mockFetcher{
		BaseFetcher: NewBaseFetcher(ds, "mock fetcher for "+string(ds), required, nil),
	}
}

func (m *mockFetcher) Fetch(ctx context.Context, params QueryParams) (*FetchResult, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, params)
	}
	t := tidy.New("country", "value")
	t.Append(tidy.Cell{Name: "country", Value: "FRA"}, tidy.Cell{Name: "value", Value: 1.5})
	return NewResult(t), nil
}

// mockProvider implements the Provider interface for testing.
type mockProvider struct {
	BaseProvider
}

func newMockProvider(name string, datasets ...Dataset) *mockProvider {
	mp := &mockProvider{
		BaseProvider: NewBaseProvider(name, "Mock "+name, "https://example.com", nil),
	}
	for _, ds := range datasets {
		mp.RegisterFetcher(newMockFetcher(ds, []string{ParamStart}))
	}
	return mp
}

// --- Registry Tests ---

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	p := newMockProvider("test-provider", DatasetOECDT720, DatasetWDI)

	if err := p.Init(nil); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := reg.Register(p); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := reg.Get("test-provider")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Info().Name != "test-provider" {
		t.Errorf("expected test-provider, got %s", got.Info().Name)
	}
	if n := len(got.Info().Datasets); n != 2 {
		t.Errorf("expected 2 datasets in info, got %d", n)
	}
}

func TestRegistryRegisterEmptyName(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newMockProvider("")); err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nonexistent")
	if err == nil {
		t.Fatal("expected error for nonexistent provider")
	}
	var notFound *ErrProviderNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("expected ErrProviderNotFound, got %T", err)
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newMockProvider("oecd", DatasetOECDT720))
	reg.Register(newMockProvider("bis", DatasetBISDebtSecurities))
	reg.Register(newMockProvider("imf", DatasetIMFPIPBilateral))

	infos := reg.List()
	if len(infos) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(infos))
	}
	if infos[0].Name != "bis" || infos[1].Name != "imf" || infos[2].Name != "oecd" {
		t.Errorf("unexpected order: %s, %s, %s", infos[0].Name, infos[1].Name, infos[2].Name)
	}
}

func TestRegistryProvidersFor(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newMockProvider("a", DatasetWDI))
	reg.Register(newMockProvider("b", DatasetWDI, DatasetOECDT720))
	reg.Register(newMockProvider("a", DatasetWDI))

	names := reg.ProvidersFor(DatasetWDI)
	if strings.Join(names, ",") != "a,b" {
		t.Errorf("ProvidersFor(wdi) = %v, want [a b]", names)
	}
	if names := reg.ProvidersFor(DatasetIMFPIPCurrency); len(names) != 0 {
		t.Errorf("expected no providers, got %v", names)
	}
}

func TestRegistryFetch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newMockProvider("oecd", DatasetOECDT720))

	result, err := reg.Fetch(context.Background(), DatasetOECDT720, QueryParams{ParamStart: "2003"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Provider != "oecd" {
		t.Errorf("expected provider oecd, got %s", result.Provider)
	}
	if result.Dataset != DatasetOECDT720 {
		t.Errorf("expected dataset %s, got %s", DatasetOECDT720, result.Dataset)
	}
	if result.Rows != 1 || result.Table.Value(0, "country") != "FRA" {
		t.Errorf("unexpected table: rows=%d", result.Rows)
	}
	if result.FetchedAt.IsZero() {
		t.Error("FetchedAt should be set")
	}
}

func TestRegistryFetchMissingParam(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newMockProvider("oecd", DatasetOECDT720))

	_, err := reg.Fetch(context.Background(), DatasetOECDT720, QueryParams{})
	var missing *ErrMissingParam
	if !errors.As(err, &missing) {
		t.Fatalf("expected ErrMissingParam, got %v", err)
	}
	if missing.Param != ParamStart {
		t.Errorf("expected missing param %q, got %q", ParamStart, missing.Param)
	}
}

func TestRegistryFetchUnknownDataset(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newMockProvider("oecd", DatasetOECDT720))

	_, err := reg.Fetch(context.Background(), DatasetWDI, QueryParams{ParamStart: "2003"})
	var notFound *ErrProviderNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestRegistryFetchWithProviderOverride(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newMockProvider("primary", DatasetWDI))
	reg.Register(newMockProvider("mirror", DatasetWDI, DatasetOECDT720))

	result, err := reg.Fetch(context.Background(), DatasetWDI, QueryParams{ParamStart: "2003", ParamProvider: "mirror"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Provider != "mirror" {
		t.Errorf("expected provider mirror, got %s", result.Provider)
	}

	_, err = reg.Fetch(context.Background(), DatasetOECDT720, QueryParams{ParamStart: "2003", ParamProvider: "primary"})
	var unsupported *ErrDatasetNotSupported
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected ErrDatasetNotSupported, got %v", err)
	}
}

func TestRegistryFetchWrapsError(t *testing.T) {
	reg := NewRegistry()
	p := newMockProvider("oecd")
	boom := errors.New("upstream down")
	f := newMockFetcher(DatasetOECDT720, nil)
	f.fetchFn = func(ctx context.Context, params QueryParams) (*FetchResult, error) { return nil, boom }
	p.RegisterFetcher(f)
	reg.Register(p)

	_, err := reg.Fetch(context.Background(), DatasetOECDT720, QueryParams{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if !strings.Contains(err.Error(), "oecd.t720") {
		t.Errorf("error should name the dataset: %v", err)
	}
}

func TestCoverage(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newMockProvider("a", DatasetWDI, DatasetOECDT720))
	reg.Register(newMockProvider("b", DatasetWDI))

	cov := reg.Coverage()
	if len(cov[DatasetWDI]) != 2 {
		t.Errorf("expected 2 providers for wdi, got %v", cov[DatasetWDI])
	}
	if len(cov[DatasetOECDT720]) != 1 {
		t.Errorf("expected 1 provider for t720, got %v", cov[DatasetOECDT720])
	}
}

// --- BaseProvider / BaseFetcher Tests ---

func TestBaseProviderInit(t *testing.T) {
	bp := NewBaseProvider("secure", "needs creds", "https://example.com", []ProviderCredential{
		{Name: "username", Required: true},
	})
	err := bp.Init(map[string]string{})
	var invalid *ErrInvalidCredentials
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := bp.Init(map[string]string{"username": "analyst"}); err != nil {
		t.Fatalf("Init with credentials: %v", err)
	}
	if bp.Credential("username") != "analyst" {
		t.Errorf("Credential(username) = %q", bp.Credential("username"))
	}
}

func TestBaseProviderSupportedDatasetsSorted(t *testing.T) {
	p := newMockProvider("multi", DatasetWDI, DatasetBISDebtSecurities, DatasetOECDT720)
	got := p.SupportedDatasets()
	want := []Dataset{DatasetBISDebtSecurities, DatasetOECDT720, DatasetWDI}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SupportedDatasets() = %v, want %v", got, want)
		}
	}
	if p.Fetcher(DatasetIMFPIPBilateral) != nil {
		t.Error("expected nil fetcher for unregistered dataset")
	}
}

func TestBaseFetcherCache(t *testing.T) {
	f := newMockFetcher(DatasetWDI, nil)
	if _, ok := f.CacheGet("k"); ok {
		t.Fatal("empty cache should miss")
	}
	res := NewResult(tidy.New("value"))
	f.CacheSet("k", res)

	got, ok := f.CacheGet("k")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !got.Cached {
		t.Error("cached copy should be flagged")
	}
	if res.Cached {
		t.Error("stored result must not be modified")
	}
}

func TestBaseFetcherRateLimitHonoursContext(t *testing.T) {
	f := newMockFetcher(DatasetWDI, nil)
	f.limiter = nil
	if err := f.RateLimit(context.Background()); err != nil {
		t.Fatalf("nil limiter should not block: %v", err)
	}

	f = &mockFetcher{BaseFetcher: NewBaseFetcherWithOpts(DatasetWDI, "", nil, nil, time.Minute, 1, time.Hour)}
	if err := f.RateLimit(context.Background()); err != nil {
		t.Fatalf("first slot: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.RateLimit(ctx); err == nil {
		t.Error("second slot within the window should wait past the deadline")
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey(DatasetOECDT720, QueryParams{ParamStart: "2003", ParamEnd: "2020", ParamProvider: "oecd"})
	b := CacheKey(DatasetOECDT720, QueryParams{ParamEnd: "2020", ParamStart: "2003"})
	if a != b {
		t.Errorf("cache keys differ: %q vs %q", a, b)
	}
	if a != "oecd.t720:end=2020:start=2003" {
		t.Errorf("unexpected key %q", a)
	}
}

func TestValidateParams(t *testing.T) {
	if err := ValidateParams(QueryParams{"a": "1"}, []string{"a"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateParams(QueryParams{"a": ""}, []string{"a"}); err == nil {
		t.Error("empty value should fail")
	}
}

func TestQueryParamsHelpers(t *testing.T) {
	q := QueryParams{ParamCountries: " FRA, ,DEU ", ParamStart: ""}
	if got := strings.Join(q.List(ParamCountries), "|"); got != "FRA|DEU" {
		t.Errorf("List = %q", got)
	}
	if q.List("missing") != nil {
		t.Error("List of missing key should be nil")
	}
	if q.Get(ParamStart, "2003") != "2003" {
		t.Error("Get should fall back on empty value")
	}
}

func TestFetchResultMerge(t *testing.T) {
	a := tidy.New("country", "value")
	a.Append(tidy.Cell{Name: "country", Value: "FRA"}, tidy.Cell{Name: "value", Value: 1.0})
	b := tidy.New("country", "value")
	b.Append(tidy.Cell{Name: "country", Value: "DEU"}, tidy.Cell{Name: "value", Value: 2.0})

	res := &FetchResult{}
	res.Merge(&pull.Result{Table: a, Skipped: []string{"A.ITA"}})
	res.Merge(&pull.Result{Table: b, Failures: []pull.Failure{{Key: "A.ESP", Err: errors.New("HTTP 500")}}})

	if res.Rows != 2 {
		t.Fatalf("Rows = %d, want 2", res.Rows)
	}
	if res.Table.Value(1, "country") != "DEU" {
		t.Errorf("second row country = %v", res.Table.Value(1, "country"))
	}
	if len(res.Skipped) != 1 || res.Failures[0] != "A.ESP: HTTP 500" {
		t.Errorf("Skipped=%v Failures=%v", res.Skipped, res.Failures)
	}
}

func TestDepsClient(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := DefaultDeps()
	d.HTTPClient = srv.Client()
	c := d.Client(func(cfg *fetch.Config) { cfg.UserAgent = "test-agent" })
	if _, err := c.GetJSON(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if ua != "test-agent" {
		t.Errorf("User-Agent = %q", ua)
	}
	if d.HTTP.UserAgent == "test-agent" {
		t.Error("adjusting a client must not change the shared policy")
	}
	if d.Engine(c).Cache() != d.Cache {
		t.Error("engine should share the structure cache")
	}
}

func TestDatasetSource(t *testing.T) {
	if DatasetIMFPIPCurrency.Source() != "imf" {
		t.Errorf("Source() = %q", DatasetIMFPIPCurrency.Source())
	}
	if len(BuiltinDatasets()) != 5 {
		t.Errorf("expected 5 built-in datasets")
	}
}

func TestGlobalRegistry(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global() returned nil")
	}
}
