package pull

import (
	"context"
	"errors"
	"net/url"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

const (
	// AcceptStructureXML requests SDMX-ML 2.1 structure messages.
	AcceptStructureXML = "application/vnd.sdmx.structure+xml;version=2.1"
	// AcceptDataJSON requests SDMX-JSON data messages.
	AcceptDataJSON = "application/vnd.sdmx.data+json;version=2.0"
)

// StructureLadder lists the data structure URLs tried for flow, most
// specific first: the flow's agency then each fallback agency, the flow's
// version then "latest", each in comma, slash and versionless slash form.
// The last candidate is the datastructure query by flow reference.
func StructureLadder(root string, flow sdmx.FlowRef, fallbackAgencies []string) []string {
	base := strings.TrimSuffix(root, "/") + "/datastructure/"
	var urls []string
	if flow.DSD != "" {
		agencies := unique(append([]string{flow.Agency}, fallbackAgencies...))
		versions := unique([]string{flow.Version, "latest"})
		for _, agency := range agencies {
			for _, version := range versions {
				urls = append(urls,
					base+agency+","+flow.DSD+","+version,
					base+agency+"/"+flow.DSD+"/"+version,
					base+agency+"/"+flow.DSD,
				)
			}
		}
	}
	urls = append(urls, base+flow.String())
	return unique(urls)
}

func refURLs(root string, ref sdmx.StructureRef) []string {
	base := strings.TrimSuffix(root, "/") + "/datastructure/"
	return []string{
		base + ref.Agency + "," + ref.ID + "," + ref.Version,
		base + ref.Agency + "/" + ref.ID + "/" + ref.Version,
		base + ref.Agency + "/" + ref.ID,
	}
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func isNotFound(err error) bool {
	var te *sdmx.TransportError
	return errors.As(err, &te) && te.NotFound()
}

// Catalog returns the structure of the dataflow named by spec.Reference,
// served from the cache when possible.
func (e *Engine) Catalog(ctx context.Context, spec Spec) (*sdmx.Catalog, sdmx.Reference, error) {
	ref, err := sdmx.ParseReference(spec.Reference)
	if err != nil {
		return nil, sdmx.Reference{}, err
	}
	cat, err := e.catalog(ctx, spec, ref)
	return cat, ref, err
}

func (e *Engine) catalog(ctx context.Context, spec Spec, ref sdmx.Reference) (*sdmx.Catalog, error) {
	format := spec.StructureFormat
	if format == "" {
		format = StructureXML
	}
	kind := fetch.KindXML
	accept := spec.StructureAccept
	if format == StructureJSON {
		kind = fetch.KindJSON
	} else if accept == "" {
		accept = AcceptStructureXML
	}

	cacheKey := sdmx.StructureKey(ref.Root, string(format), ref.Flow)
	if spec.StructureCacheFile != "" {
		e.cache.SetPath(cacheKey, spec.StructureCacheFile)
	}

	get := func(ctx context.Context, u string, params url.Values) ([]byte, error) {
		return e.client.Do(ctx, fetch.Request{URL: u, Params: params, Kind: kind, Accept: accept})
	}

	fetchStructure := func(ctx context.Context) ([]byte, error) {
		if len(spec.StructureURLs) > 0 {
			return e.firstFound(ctx, spec.StructureURLs, nil, get)
		}
		flow := sdmx.ParseFlowRef(ref.Flow)
		refs := url.Values{"references": {"all"}}
		ladder := StructureLadder(ref.Root, flow, spec.FallbackAgencies)
		// The last rung is the flow-reference query, sent without parameters.
		body, err := e.firstFound(ctx, ladder[:len(ladder)-1], refs, get)
		if err == nil {
			return body, nil
		}
		if !isNotFound(err) && !errors.Is(err, errNoCandidates) {
			return nil, err
		}
		body, err = get(ctx, ladder[len(ladder)-1], nil)
		if err == nil || !isNotFound(err) {
			return body, err
		}

		e.log.Warn().Str("flow", ref.Flow).Msg("data structure not found directly, resolving through dataflow list")
		list, err := e.client.Do(ctx, fetch.Request{
			URL:    strings.TrimSuffix(ref.Root, "/") + "/dataflow",
			Kind:   fetch.KindXML,
			Accept: AcceptStructureXML,
		})
		if err != nil {
			return nil, err
		}
		dsd, err := sdmx.ExtractStructureRef(list, flow.Dataflow)
		if err != nil && flow.Dataflow != "" {
			dsd, err = sdmx.ExtractStructureRef(list, "")
		}
		if err != nil {
			return nil, &sdmx.StructureError{Flow: ref.Flow, Detail: "unable to resolve data structure from dataflow list: " + err.Error()}
		}
		return e.firstFound(ctx, refURLs(ref.Root, dsd), refs, get)
	}

	parse := func(raw []byte) (*sdmx.Catalog, error) {
		if format == StructureJSON {
			return sdmx.ParseStructureJSON(ref.Flow, raw, spec.Codelists)
		}
		return sdmx.ParseStructureXML(ref.Flow, raw)
	}

	cat, err := e.cache.Catalog(ctx, cacheKey, fetchStructure, parse)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "structure for %s", ref.Flow)
	}
	return cat, nil
}

var errNoCandidates = errors.New("no structure candidates")

// firstFound returns the first candidate that does not answer 404. Any other
// error stops the walk.
func (e *Engine) firstFound(ctx context.Context, urls []string, params url.Values,
	get func(context.Context, string, url.Values) ([]byte, error)) ([]byte, error) {
	lastErr := errNoCandidates
	for _, u := range urls {
		body, err := get(ctx, u, params)
		if err == nil {
			e.log.Debug().Str("url", u).Msg("structure resolved")
			return body, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
		e.log.Debug().Str("url", u).Msg("structure candidate not found")
		lastErr = err
	}
	return nil, lastErr
}
