// Package custom turns the pulls declared in the configuration file into
// datasets. Each pull names a reference query URL and the roles, code
// requirements and iterated axes resolved against the dataflow's structure.
package custom

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

const providerName = "custom"

// Provider serves the configured pulls.
type Provider struct {
	provider.BaseProvider
	engine *pull.Engine
}

// New creates a provider with one fetcher per pull.
func New(pulls []config.PullConfig, deps provider.Deps) *Provider {
	p := &Provider{
		BaseProvider: provider.NewBaseProvider(
			providerName,
			"Dataflow pulls declared in the configuration file",
			"",
			nil,
		),
		engine: deps.Engine(deps.Client()),
	}
	for _, pc := range pulls {
		p.RegisterFetcher(&pullFetcher{
			BaseFetcher: provider.NewBaseFetcher(
				provider.Dataset(pc.ID),
				pc.Description,
				nil,
				optionalParams(pc),
			),
			p:   p,
			cfg: pc,
		})
	}
	return p
}

// Ping resolves the structure of every configured pull.
func (p *Provider) Ping(ctx context.Context) error {
	for _, ds := range p.SupportedDatasets() {
		f := p.Fetcher(ds).(*pullFetcher)
		spec, err := f.spec(ctx, nil)
		if err != nil {
			return err
		}
		if _, _, err := p.engine.Catalog(ctx, spec); err != nil {
			return fmt.Errorf("pull %s: %w", ds, err)
		}
	}
	return nil
}

func optionalParams(pc config.PullConfig) []string {
	out := []string{provider.ParamStart, provider.ParamEnd}
	for _, a := range pc.Iterate {
		out = append(out, a.Role)
	}
	return out
}

// upperKeys restores the case of identifiers used as map keys, which the
// configuration loader lower-cases.
func upperKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// Spec converts a configured pull into a query plan. Query params named
// after an iterated role replace that axis' codes.
func Spec(pc config.PullConfig, params provider.QueryParams) pull.Spec {
	spec := pull.Spec{
		ID:               pc.ID,
		Reference:        pc.ReferenceURL,
		Start:            params.Get(provider.ParamStart, pc.Start),
		End:              params.Get(provider.ParamEnd, pc.End),
		Rename:           upperKeys(pc.Rename),
		FallbackAgencies: pc.FallbackAgencies,
		StructureFormat:  pull.StructureFormat(strings.ToLower(pc.StructureFormat)),
		StructureURLs:    pc.StructureURLs,
		Pause:            pc.Pause,
		ContinueOnError:  pc.ContinueOnError,
		Concurrency:      pc.Concurrency,
	}
	if len(pc.Params) > 0 {
		spec.Params = url.Values{}
		for k, v := range pc.Params {
			spec.Params.Set(k, v)
		}
	}
	for _, r := range pc.Roles {
		spec.Roles = append(spec.Roles, sdmx.Role{Name: r.Name, Candidates: r.Candidates, Required: r.Required})
	}
	for _, r := range pc.Requirements {
		req := pull.Requirement{Role: r.Role, Codes: r.Codes}
		if len(r.Codes) == 0 {
			req.Match = &sdmx.MatchRule{Patterns: r.Patterns, Preferred: r.Preferred, AllowMissing: r.AllowMissing}
		}
		spec.Requirements = append(spec.Requirements, req)
	}
	for _, a := range pc.Iterate {
		ax := pull.Axis{
			Role:      a.Role,
			Codes:     a.Codes,
			Aliases:   upperKeys(a.Aliases),
			Strict:    a.Strict,
			BatchSize: a.BatchSize,
		}
		if codes := params.List(a.Role); len(codes) > 0 {
			ax.Codes = codes
		}
		spec.Axes = append(spec.Axes, ax)
	}
	return spec
}

type pullFetcher struct {
	provider.BaseFetcher
	p   *Provider
	cfg config.PullConfig
}

// spec adds a code list lookup for JSON structures, which often reference
// code lists instead of embedding them.
func (f *pullFetcher) spec(ctx context.Context, params provider.QueryParams) (pull.Spec, error) {
	spec := Spec(f.cfg, params)
	if spec.StructureFormat != pull.StructureJSON {
		return spec, nil
	}
	ref, err := sdmx.ParseReference(spec.Reference)
	if err != nil {
		return pull.Spec{}, err
	}
	spec.Codelists = func(cl sdmx.CodelistRef) ([]sdmx.Code, error) {
		u := ref.Root + "/codelist/" + cl.Agency + "/" + cl.ID + "/" + cl.Version
		body, err := f.p.engine.Client().Do(ctx, fetch.Request{URL: u, Kind: fetch.KindJSON})
		if err != nil {
			var te *sdmx.TransportError
			if errors.As(err, &te) && te.NotFound() {
				return nil, nil
			}
			return nil, err
		}
		lists, err := sdmx.ParseCodelistsJSON(body)
		if err != nil {
			return nil, err
		}
		for _, l := range lists {
			if l.ID == cl.ID {
				return l.CodeList(), nil
			}
		}
		return nil, nil
	}
	return spec, nil
}

func (f *pullFetcher) Fetch(ctx context.Context, params provider.QueryParams) (*provider.FetchResult, error) {
	cacheKey := provider.CacheKey(f.Dataset(), params)
	if cached, ok := f.CacheGet(cacheKey); ok {
		return cached, nil
	}
	if err := f.RateLimit(ctx); err != nil {
		return nil, err
	}

	spec, err := f.spec(ctx, params)
	if err != nil {
		return nil, err
	}
	res, err := f.p.engine.Run(ctx, spec)
	if err != nil {
		return nil, err
	}
	result := &provider.FetchResult{FetchedAt: time.Now()}
	result.Merge(res)
	f.CacheSet(cacheKey, result)
	return result, nil
}
