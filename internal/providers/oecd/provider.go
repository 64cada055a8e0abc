// Package oecd implements the OECD SDMX provider.
// Data is sourced from https://sdmx.oecd.org/public/rest using SDMX-JSON
// data messages and SDMX-ML structure messages. An OECD account is optional;
// requests fall back to anonymous access when it is rejected.
package oecd

import (
	"context"
	"fmt"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/pull"
)

const providerName = "oecd"

// Provider is the OECD data provider.
type Provider struct {
	provider.BaseProvider
	cfg    config.OECDConfig
	deps   provider.Deps
	engine *pull.Engine
}

// New creates a new OECD provider and registers its fetchers.
func New(cfg config.OECDConfig, deps provider.Deps) *Provider {
	if cfg.ReferenceURL == "" {
		cfg.ReferenceURL = config.DefaultOECDReference
	}
	p := &Provider{
		BaseProvider: provider.NewBaseProvider(
			providerName,
			"OECD SDMX REST API: Table 0720 financial balance sheets (account optional)",
			"https://sdmx.oecd.org",
			[]provider.ProviderCredential{
				{Name: "username", Description: "OECD API account", EnvVar: "MACROPANEL_OECD_USERNAME"},
				{Name: "password", Description: "OECD API password", EnvVar: "MACROPANEL_OECD_PASSWORD"},
			},
		),
		cfg:  cfg,
		deps: deps,
	}
	p.engine = deps.Engine(p.newClient())

	p.RegisterFetcher(newT720Fetcher(p))
	return p
}

// Init stores credentials, replacing those from the configuration.
func (p *Provider) Init(credentials map[string]string) error {
	if err := p.BaseProvider.Init(credentials); err != nil {
		return err
	}
	if u := credentials["username"]; u != "" {
		p.cfg.Username = u
		p.cfg.Password = credentials["password"]
		p.engine = p.deps.Engine(p.newClient())
	}
	return nil
}

func (p *Provider) newClient() *fetch.Client {
	return p.deps.Client(func(c *fetch.Config) {
		c.Username = p.cfg.Username
		c.Password = p.cfg.Password
	})
}

// Ping resolves the Table 0720 data structure.
func (p *Provider) Ping(ctx context.Context) error {
	spec, err := p.t720Spec(nil)
	if err != nil {
		return err
	}
	if _, _, err := p.engine.Catalog(ctx, spec); err != nil {
		return fmt.Errorf("oecd ping: %w", err)
	}
	return nil
}

// Engine returns the engine the provider pulls with.
func (p *Provider) Engine() *pull.Engine { return p.engine }
