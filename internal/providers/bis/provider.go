// Package bis implements the BIS provider.
// Data is sourced from the BIS SDMX REST API v2 (https://stats.bis.org/api/v2):
// SDMX-JSON structure and code list messages, CSV data. No API key required.
package bis

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

const (
	providerName = "bis"

	// DefaultBaseURL is the BIS SDMX REST API v2 root.
	DefaultBaseURL = "https://stats.bis.org/api/v2"

	acceptStructureJSON = "application/vnd.sdmx.structure+json;version=1.0.0"
)

// Provider is the BIS data provider.
type Provider struct {
	provider.BaseProvider
	cfg    config.BISConfig
	client *fetch.Client
	cache  *sdmx.StructureCache
	log    zerolog.Logger
	sleep  fetch.Sleeper

	mu        sync.Mutex
	codelists map[sdmx.CodelistRef][]sdmx.Code
}

// New creates a new BIS provider and registers its fetchers.
func New(cfg config.BISConfig, deps provider.Deps) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	cache := deps.Cache
	if cache == nil {
		cache = sdmx.NewStructureCache(sdmx.CacheOptions{})
	}
	sleep := deps.Sleeper
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	p := &Provider{
		BaseProvider: provider.NewBaseProvider(
			providerName,
			"BIS SDMX API: domestic and international debt securities (free, no API key)",
			"https://data.bis.org",
			nil,
		),
		cfg: cfg,
		client: deps.Client(func(c *fetch.Config) {
			if cfg.MaxRetries > 0 {
				c.MaxRetries = cfg.MaxRetries
			}
		}),
		cache:     cache,
		log:       deps.Log.With().Str("provider", providerName).Logger(),
		sleep:     sleep,
		codelists: make(map[sdmx.CodelistRef][]sdmx.Code),
	}

	p.RegisterFetcher(newDebtSecuritiesFetcher(p))
	return p
}

// Ping loads the reference area code list.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.codelist(ctx, refAreaCodelist); err != nil {
		return fmt.Errorf("bis ping: %w", err)
	}
	return nil
}

// pause waits a random interval between MinPause and MaxPause.
func (p *Provider) pause(ctx context.Context) error {
	d := p.cfg.MinPause
	if spread := p.cfg.MaxPause - p.cfg.MinPause; spread > 0 {
		d += rand.N(spread)
	}
	if d <= 0 {
		return nil
	}
	return p.sleep(ctx, d)
}

// catalog returns the dimension order of a data structure.
func (p *Provider) catalog(ctx context.Context, dsd, version string) (*sdmx.Catalog, error) {
	flow := "BIS," + dsd + "," + version
	u := p.cfg.BaseURL + "/structure/datastructure/BIS/" + dsd + "/" + version
	return p.cache.Catalog(ctx, sdmx.StructureKey(p.cfg.BaseURL, "json", flow),
		func(ctx context.Context) ([]byte, error) {
			return p.client.Do(ctx, fetch.Request{URL: u, Kind: fetch.KindJSON, Accept: acceptStructureJSON})
		},
		func(raw []byte) (*sdmx.Catalog, error) {
			return sdmx.ParseStructureJSON(flow, raw, nil)
		})
}

// codelist fetches a code list once per process.
func (p *Provider) codelist(ctx context.Context, ref sdmx.CodelistRef) ([]sdmx.Code, error) {
	p.mu.Lock()
	codes, ok := p.codelists[ref]
	p.mu.Unlock()
	if ok {
		return codes, nil
	}

	u := p.cfg.BaseURL + "/structure/codelist/" + ref.Agency + "/" + ref.ID + "/" + ref.Version
	body, err := p.client.Do(ctx, fetch.Request{URL: u, Kind: fetch.KindJSON, Accept: acceptStructureJSON})
	if err != nil {
		return nil, err
	}
	lists, err := sdmx.ParseCodelistsJSON(body)
	if err != nil {
		return nil, err
	}
	for _, cl := range lists {
		if cl.ID == ref.ID {
			codes = cl.CodeList()
			p.mu.Lock()
			p.codelists[ref] = codes
			p.mu.Unlock()
			return codes, nil
		}
	}
	return nil, &sdmx.StructureError{Flow: ref.String(), Detail: "code list not found in response"}
}
