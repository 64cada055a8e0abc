// Package providers initializes and registers all concrete data providers
// with the global provider registry.
package providers

import (
	"github.com/rs/zerolog"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/infra"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/providers/bis"
	"github.com/seenimoa/macropanel/internal/providers/custom"
	"github.com/seenimoa/macropanel/internal/providers/imf"
	"github.com/seenimoa/macropanel/internal/providers/oecd"
	"github.com/seenimoa/macropanel/internal/providers/worldbank"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

// NewDeps builds the runtime shared by every provider from the http and
// cache sections of cfg. metrics may be nil.
func NewDeps(cfg *config.Config, log zerolog.Logger, metrics *infra.Metrics) provider.Deps {
	h := cfg.HTTP
	httpCfg := fetch.DefaultConfig()
	if h.MaxRetries > 0 {
		httpCfg.MaxRetries = h.MaxRetries
	}
	if h.BackoffBase > 0 {
		httpCfg.BackoffBase = h.BackoffBase
	}
	if h.BackoffFloor > 0 {
		httpCfg.BackoffFloor = h.BackoffFloor
	}
	if h.TransientBackoff > 0 {
		httpCfg.TransientBackoff = h.TransientBackoff
	}
	if h.MaxBackoff > 0 {
		httpCfg.MaxBackoff = h.MaxBackoff
	}
	if h.Timeout > 0 {
		httpCfg.Timeout = h.Timeout
	}
	if h.UserAgent != "" {
		httpCfg.UserAgent = h.UserAgent
	}
	httpCfg.MinInterval = h.MinInterval

	return provider.Deps{
		HTTP: httpCfg,
		Cache: sdmx.NewStructureCache(sdmx.CacheOptions{
			Dir:     cfg.Cache.Dir,
			Refresh: cfg.Cache.Refresh,
			Metrics: metrics,
		}),
		Log:     log,
		Metrics: metrics,
	}
}

// RegisterAll creates and registers all available providers with the
// global registry.
func RegisterAll(cfg *config.Config, deps provider.Deps) error {
	return RegisterAllTo(provider.Global(), cfg, deps)
}

// RegisterAllTo registers all available providers to the given registry.
// None of the sources requires an account; OECD credentials are applied
// when configured.
func RegisterAllTo(reg *provider.Registry, cfg *config.Config, deps provider.Deps) error {
	// --- OECD (account optional) ---
	op := oecd.New(cfg.OECD, deps)
	var creds map[string]string
	if cfg.OECD.Username != "" {
		creds = map[string]string{"username": cfg.OECD.Username, "password": cfg.OECD.Password}
	}
	if err := op.Init(creds); err != nil {
		return err
	}

	all := []provider.Provider{
		op,
		bis.New(cfg.BIS, deps),
		imf.New(cfg.IMF, deps),
		worldbank.New(cfg.WorldBank, deps),
	}

	// --- Pulls declared in the configuration file ---
	if len(cfg.Pulls) > 0 {
		all = append(all, custom.New(cfg.Pulls, deps))
	}

	for _, p := range all {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}
