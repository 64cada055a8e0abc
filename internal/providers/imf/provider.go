// Package imf implements the IMF provider.
// Data is sourced from the IMF SDMX 2.1 REST API (dataflow IMF.STA,PIP,
// portfolio investment positions, formerly CPIS). No API key required.
package imf

import (
	"context"
	"fmt"
	"strings"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/pull"
)

const (
	providerName = "imf"

	// DefaultBaseURL is the IMF SDMX 2.1 endpoint.
	DefaultBaseURL = "https://api.imf.org/external/sdmx/2.1"

	pipFlow = "IMF.STA,PIP"
)

// Provider is the IMF data provider.
type Provider struct {
	provider.BaseProvider
	cfg    config.IMFConfig
	engine *pull.Engine
}

// New creates a new IMF provider and registers all fetchers.
func New(cfg config.IMFConfig, deps provider.Deps) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.End == "" {
		cfg.End = "2020"
	}
	p := &Provider{
		BaseProvider: provider.NewBaseProvider(
			providerName,
			"IMF SDMX API: portfolio investment positions by issuer and by currency (free, no API key)",
			"https://data.imf.org",
			nil,
		),
		cfg: cfg,
	}
	client := deps.Client(func(c *fetch.Config) {
		if cfg.MaxRetries > 0 {
			c.MaxRetries = cfg.MaxRetries
		}
	})
	p.engine = deps.Engine(client)

	p.RegisterFetcher(newBilateralFetcher(p))
	p.RegisterFetcher(newCurrencyFetcher(p))
	return p
}

// Ping resolves the PIP data structure.
func (p *Provider) Ping(ctx context.Context) error {
	if _, _, err := p.engine.Catalog(ctx, p.pipSpec("ping", "2003", p.cfg.End)); err != nil {
		return fmt.Errorf("imf ping: %w", err)
	}
	return nil
}
