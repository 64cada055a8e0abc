package provider

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/infra"
	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

// Deps is the runtime shared by every provider: the HTTP policy, the
// structure cache, logging and metrics.
type Deps struct {
	HTTP    fetch.Config
	Cache   *sdmx.StructureCache
	Log     zerolog.Logger
	Metrics *infra.Metrics
	// HTTPClient replaces the default transport, mostly in tests.
	HTTPClient *http.Client
	// Sleeper replaces the wait between retries, mostly in tests.
	Sleeper fetch.Sleeper
}

// DefaultDeps returns Deps with the default HTTP policy, an in-memory
// structure cache and a disabled logger.
func DefaultDeps() Deps {
	return Deps{
		HTTP:  fetch.DefaultConfig(),
		Cache: sdmx.NewStructureCache(sdmx.CacheOptions{}),
		Log:   zerolog.Nop(),
	}
}

// Client builds a fetch client from the shared policy, adjusted by fns.
func (d Deps) Client(fns ...func(*fetch.Config)) *fetch.Client {
	cfg := d.HTTP
	for _, fn := range fns {
		fn(&cfg)
	}
	opts := []fetch.Option{fetch.WithLogger(d.Log), fetch.WithMetrics(d.Metrics)}
	if d.HTTPClient != nil {
		opts = append(opts, fetch.WithHTTPClient(d.HTTPClient))
	}
	if d.Sleeper != nil {
		opts = append(opts, fetch.WithSleeper(d.Sleeper))
	}
	return fetch.New(cfg, opts...)
}

// Engine builds a pull engine on client sharing the structure cache.
func (d Deps) Engine(client pull.Doer) *pull.Engine {
	return pull.NewEngine(client, d.Cache, pull.WithLogger(d.Log), pull.WithMetrics(d.Metrics))
}

// BaseFetcher provides common functionality for fetcher implementations.
// Embed this in concrete fetchers to get result caching and rate limiting.
type BaseFetcher struct {
	dataset     Dataset
	description string
	required    []string
	optional    []string
	cache       *infra.Cache
	limiter     *infra.RateLimiter
}

// NewBaseFetcher creates a base fetcher that caches results for 30 minutes
// and starts at most one pull per second.
func NewBaseFetcher(ds Dataset, desc string, required, optional []string) BaseFetcher {
	return NewBaseFetcherWithOpts(ds, desc, required, optional, 30*time.Minute, 1, time.Second)
}

// NewBaseFetcherWithOpts creates a base fetcher with custom cache TTL and rate limit.
func NewBaseFetcherWithOpts(ds Dataset, desc string, required, optional []string, cacheTTL time.Duration, rateLimit int, rateWindow time.Duration) BaseFetcher {
	return BaseFetcher{
		dataset:     ds,
		description: desc,
		required:    required,
		optional:    optional,
		cache:       infra.NewCache(cacheTTL),
		limiter:     infra.NewRateLimiter(rateLimit, rateWindow),
	}
}

func (b *BaseFetcher) Dataset() Dataset         { return b.dataset }
func (b *BaseFetcher) Description() string      { return b.description }
func (b *BaseFetcher) RequiredParams() []string { return b.required }
func (b *BaseFetcher) OptionalParams() []string { return b.optional }

// CacheGet retrieves a result from the fetcher's cache.
func (b *BaseFetcher) CacheGet(key string) (*FetchResult, bool) {
	v, ok := b.cache.Get(key)
	if !ok {
		return nil, false
	}
	res := *v.(*FetchResult)
	res.Cached = true
	return &res, true
}

// CacheSet stores a result in the fetcher's cache.
func (b *BaseFetcher) CacheSet(key string, res *FetchResult) {
	b.cache.Set(key, res)
}

// RateLimit waits until a pull slot is available.
func (b *BaseFetcher) RateLimit(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// CacheKey builds a cache key from the dataset and query parameters.
func CacheKey(ds Dataset, params QueryParams) string {
	key := string(ds)
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == ParamProvider {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key += ":" + k + "=" + params[k]
	}
	return key
}

// BaseProvider provides common functionality for provider implementations.
// Embed this in concrete providers to simplify implementation.
type BaseProvider struct {
	info        ProviderInfo
	fetchers    map[Dataset]Fetcher
	credentials map[string]string
}

// NewBaseProvider creates a base provider.
func NewBaseProvider(name, description, website string, creds []ProviderCredential) BaseProvider {
	return BaseProvider{
		info: ProviderInfo{
			Name:        name,
			Description: description,
			Website:     website,
			Credentials: creds,
		},
		fetchers:    make(map[Dataset]Fetcher),
		credentials: make(map[string]string),
	}
}

func (bp *BaseProvider) Info() ProviderInfo { return bp.info }

func (bp *BaseProvider) Init(credentials map[string]string) error {
	for _, cred := range bp.info.Credentials {
		if cred.Required {
			val, ok := credentials[cred.Name]
			if !ok || val == "" {
				return &ErrInvalidCredentials{
					Provider: bp.info.Name,
					Detail:   "missing required credential: " + cred.Name,
				}
			}
		}
	}
	bp.credentials = credentials
	return nil
}

func (bp *BaseProvider) Fetcher(ds Dataset) Fetcher {
	return bp.fetchers[ds]
}

// SupportedDatasets returns the datasets in sorted order.
func (bp *BaseProvider) SupportedDatasets() []Dataset {
	out := make([]Dataset, 0, len(bp.fetchers))
	for ds := range bp.fetchers {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (bp *BaseProvider) Ping(ctx context.Context) error {
	return nil // Override in concrete providers.
}

// RegisterFetcher adds a fetcher to this provider.
func (bp *BaseProvider) RegisterFetcher(f Fetcher) {
	bp.fetchers[f.Dataset()] = f
	bp.info.Datasets = bp.SupportedDatasets()
}

// Credential returns a stored credential value.
func (bp *BaseProvider) Credential(name string) string {
	return bp.credentials[name]
}
