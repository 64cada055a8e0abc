package bis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/sdmx"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// ---------------------------------------------------------------------------
// Debt securities: general government domestic debt securities (WS_NA_SEC_DSS)
// and international debt securities by residence of issuer (WS_DEBT_SEC2_PUB).
// Keys are built over the data structure's dimension order; dimensions
// without an override are wildcards.
// ---------------------------------------------------------------------------

var refAreaCodelist = sdmx.CodelistRef{Agency: "BIS", ID: "CL_BIS_IF_REF_AREA", Version: "1.0"}

// TargetCountries are the countries pulled by default, by name.
var TargetCountries = []string{
	"Australia", "Hong Kong", "Singapore", "New Zealand", "China", "India",
	"Malaysia", "Philippines", "Russia", "South Africa", "Israel", "Brazil",
}

// CountryAliases resolves names whose code list label differs.
var CountryAliases = map[string]string{
	"Australia":    "AU",
	"Hong Kong":    "HK",
	"Singapore":    "SG",
	"New Zealand":  "NZ",
	"China":        "CN",
	"India":        "IN",
	"Malaysia":     "MY",
	"Philippines":  "PH",
	"Russia":       "RU",
	"South Africa": "ZA",
	"Israel":       "IL",
	"Brazil":       "BR",
}

// market describes one of the two dataflows.
type market struct {
	name      string
	dataflow  string
	version   string
	dsd       string
	dsVersion string
	// areaDim receives the batch of reference areas.
	areaDim   string
	overrides sdmx.Overrides
	rename    map[string]string
	// issuerSector is set when the flow has no issuer sector dimension.
	issuerSector string
}

var markets = []market{
	{
		name:      "domestic",
		dataflow:  "WS_NA_SEC_DSS",
		version:   "1.0",
		dsd:       "NA_SEC",
		dsVersion: "1.0",
		areaDim:   "REF_AREA",
		overrides: sdmx.Overrides{
			"FREQ":               {"A"},
			"REF_SECTOR":         {"S13"},
			"ADJUSTMENT":         {"N"},
			"COUNTERPART_AREA":   {"XW"},
			"COUNTERPART_SECTOR": {"S1"},
			"CONSOLIDATION":      {"N"},
			"MATURITY":           {"S", "L"},
			"INSTR_ASSET":        {"F3"},
			"ACCOUNTING_ENTRY":   {"L"},
			"STO":                {"LE"},
			"EXPENDITURE":        {"_Z"},
			"UNIT_MEASURE":       {"USD"},
			"CURRENCY_DENOM":     {"XDC"},
			"VALUATION":          {"N"},
			"PRICES":             {"V"},
			"TRANSFORMATION":     {"N"},
			"CUST_BREAKDOWN":     {"_T"},
		},
		rename: map[string]string{
			"REF_AREA":   "country",
			"REF_SECTOR": "issuer_sector",
			"MATURITY":   "maturity",
		},
	},
	{
		name:      "international",
		dataflow:  "WS_DEBT_SEC2_PUB",
		version:   "1.0",
		dsd:       "BIS_DEBT_SEC2",
		dsVersion: "1.0",
		areaDim:   "ISSUER_RES",
		overrides: sdmx.Overrides{
			"FREQ":            {"Q"},
			"ISSUER_NAT":      {"3P"},
			"ISSUER_BUS_IMM":  {"1"},
			"ISSUER_BUS_ULT":  {"1"},
			"MARKET":          {"C"},
			"ISSUE_OR_MAT":    {"C", "K"},
			"MEASURE":         {"I"},
			"ISSUE_TYPE":      {"A"},
			"ISSUE_CUR_GROUP": {"A"},
			"ISSUE_CUR":       {"TO1"},
			"ISSUE_RE_MAT":    {"A"},
			"ISSUE_RATE":      {"A"},
			"ISSUE_RISK":      {"A"},
			"ISSUE_COL":       {"A"},
		},
		rename: map[string]string{
			"ISSUER_RES":   "country",
			"ISSUE_OR_MAT": "maturity",
		},
		issuerSector: "ALL",
	},
}

// PanelColumns is the layout of the debt securities panel.
var PanelColumns = []string{"country", "year", "issuer_sector", "market", "maturity", "value", "source"}

type debtSecuritiesFetcher struct {
	provider.BaseFetcher
	p *Provider
}

func newDebtSecuritiesFetcher(p *Provider) *debtSecuritiesFetcher {
	return &debtSecuritiesFetcher{
		BaseFetcher: provider.NewBaseFetcher(
			provider.DatasetBISDebtSecurities,
			"BIS general government debt securities, domestic (annual) and international (quarterly)",
			nil,
			[]string{provider.ParamStart, provider.ParamEnd, provider.ParamCountries},
		),
		p: p,
	}
}

func (f *debtSecuritiesFetcher) Fetch(ctx context.Context, params provider.QueryParams) (*provider.FetchResult, error) {
	cacheKey := provider.CacheKey(provider.DatasetBISDebtSecurities, params)
	if cached, ok := f.CacheGet(cacheKey); ok {
		return cached, nil
	}
	if err := f.RateLimit(ctx); err != nil {
		return nil, err
	}

	names := params.List(provider.ParamCountries)
	if len(names) == 0 {
		names = f.p.cfg.Countries
	}
	if len(names) == 0 {
		names = TargetCountries
	}
	areas, err := f.p.ResolveCountries(ctx, names)
	if err != nil {
		return nil, err
	}

	start := params.Get(provider.ParamStart, f.p.cfg.Start)
	end := params.Get(provider.ParamEnd, f.p.cfg.End)
	result := &provider.FetchResult{Table: tidy.New(PanelColumns...), FetchedAt: time.Now()}
	for _, m := range markets {
		t, skipped, err := f.p.pullMarket(ctx, m, areas, start, end)
		if err != nil {
			return nil, fmt.Errorf("%s debt securities: %w", m.name, err)
		}
		result.Skipped = append(result.Skipped, skipped...)
		appendPanel(result.Table, t, m)
	}
	result.Rows = result.Table.Len()

	f.CacheSet(cacheKey, result)
	return result, nil
}

// ResolveCountries maps country names to reference area codes: an exact
// code, then the alias table, then a unique case-insensitive label match.
func (p *Provider) ResolveCountries(ctx context.Context, names []string) ([]string, error) {
	codes, err := p.codelist(ctx, refAreaCodelist)
	if err != nil {
		return nil, err
	}
	dim := sdmx.Dimension{ID: "REF_AREA", Codes: codes}

	out := make([]string, 0, len(names))
	for _, name := range names {
		if dim.Has(name) {
			out = append(out, name)
			continue
		}
		if code, ok := CountryAliases[name]; ok {
			out = append(out, code)
			continue
		}
		var matches []string
		needle := strings.ToLower(name)
		for _, c := range codes {
			if c.Label != "" && strings.Contains(strings.ToLower(c.Label), needle) {
				matches = append(matches, c.ID)
			}
		}
		if len(matches) != 1 {
			return nil, &sdmx.CodeResolutionError{
				Dimension: dim.ID,
				Patterns:  []string{name},
				Sample:    codes[:min(5, len(codes))],
			}
		}
		out = append(out, matches[0])
	}
	return out, nil
}

// pullMarket fetches one dataflow in batches of reference areas. Batches
// answering 404 are returned as skipped keys.
func (p *Provider) pullMarket(ctx context.Context, m market, areas []string, start, end string) (*tidy.Table, []string, error) {
	cat, err := p.catalog(ctx, m.dsd, m.dsVersion)
	if err != nil {
		return nil, nil, err
	}
	if !cat.Has(m.areaDim) {
		return nil, nil, &sdmx.StructureError{Flow: cat.Flow(), Role: "reference_area", Detail: "dimension " + m.areaDim + " not found"}
	}

	params := url.Values{
		"startPeriod": {start},
		"endPeriod":   {end},
		"format":      {"csv"},
	}
	out := tidy.New()
	var skipped []string
	for i, batch := range pull.Batch(areas, p.cfg.BatchSize) {
		ov := m.overrides.Clone()
		ov.Set(m.areaDim, batch...)
		key, err := sdmx.BuildKey(cat.Order(), sdmx.WildcardTemplate(cat.Len()), ov)
		if err != nil {
			return nil, nil, err
		}
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return nil, nil, err
			}
		}
		u := p.cfg.BaseURL + "/data/dataflow/BIS/" + m.dataflow + "/" + m.version + "/" + key
		body, err := p.client.Do(ctx, fetch.Request{URL: u, Params: params, Kind: fetch.KindCSV})
		var te *sdmx.TransportError
		if errors.As(err, &te) && te.NotFound() {
			p.log.Debug().Str("key", key).Msg("no data")
			skipped = append(skipped, key)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		t, err := tidy.ReadCSVBytes(body)
		if err != nil {
			return nil, nil, &sdmx.FormatError{URL: u, Detail: "BIS data is not valid CSV", Err: err}
		}
		if t.Len() == 0 {
			skipped = append(skipped, key)
			continue
		}
		p.log.Debug().Str("market", m.name).Str("key", key).Int("rows", t.Len()).Msg("fetched")
		out.Concat(t)
	}
	return out, skipped, nil
}

// appendPanel adds the rows of a market table to the panel, renaming its
// columns and tagging the market and source.
func appendPanel(panel, t *tidy.Table, m market) {
	if t == nil {
		return
	}
	rename := map[string]string{"TIME_PERIOD": "year", "OBS_VALUE": "value"}
	for k, v := range m.rename {
		rename[k] = v
	}
	t.Rename(rename)
	if !t.HasColumn("value") && t.HasColumn("obs_value") {
		t.Rename(map[string]string{"obs_value": "value"})
	}

	for r := range t.Len() {
		value := t.Value(r, "value")
		if f, ok := sdmx.FloatValue(value); ok {
			value = f
		}
		sector := t.Value(r, "issuer_sector")
		if m.issuerSector != "" {
			sector = m.issuerSector
		}
		panel.Append(
			tidy.Cell{Name: "country", Value: t.Value(r, "country")},
			tidy.Cell{Name: "year", Value: t.Value(r, "year")},
			tidy.Cell{Name: "issuer_sector", Value: sector},
			tidy.Cell{Name: "market", Value: m.name},
			tidy.Cell{Name: "maturity", Value: t.Value(r, "maturity")},
			tidy.Cell{Name: "value", Value: value},
			tidy.Cell{Name: "source", Value: m.dataflow},
		)
	}
}
