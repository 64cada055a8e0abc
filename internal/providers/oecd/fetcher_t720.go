package oecd

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

// ---------------------------------------------------------------------------
// Table 0720: non-consolidated financial balance sheets (SNA 2008)
// Flow: OECD.SDD.NAD,DSD_NASEC20@DF_T720R_A,1.1
// General government, annual closing stocks in national currency, one
// request per reference area and instrument.
// ---------------------------------------------------------------------------

// ParamInstruments replaces the default instrument list.
const ParamInstruments = "instruments"

// TargetReferenceAreas are the ISO3 areas pulled by default.
var TargetReferenceAreas = []string{
	"CAN", "USA", "BEL", "DNK", "FIN", "FRA", "DEU", "ITA", "ISR",
	"NLD", "NOR", "PRT", "ESP", "SWE", "CHE", "GBR", "BRA", "JPN",
	"COL", "CZE", "GRC", "HUN", "MEX", "POL", "KOR", "AUT",
}

// TargetInstruments are the instrument codes pulled by default.
var TargetInstruments = []string{"F2", "F3", "F4", "F5"}

// InstrumentAliases maps legacy LF* instrument codes onto their
// DF_T720R_A equivalents.
var InstrumentAliases = map[string]string{
	"LF3SLINK":  "F3",
	"LF3LLINK":  "F3",
	"LF51LINK":  "F5",
	"LF3LINC":   "F3",
	"LF519LINC": "F5",
	"LF5LINC":   "F5",
}

var t720Roles = []sdmx.Role{
	{Name: "reference_area", Candidates: []string{"REF_AREA", "REFERENCE_AREA", "LOCATION"}, Required: true},
	{Name: "instrument", Candidates: []string{"INSTR_ASSET", "FINANCIAL_INSTRUMENT", "INSTRUMENT"}, Required: true},
	{Name: "maturity", Candidates: []string{"MATURITY", "ORIGINAL_MATURITY"}},
	{Name: "frequency", Candidates: []string{"FREQ", "FREQUENCY"}},
	{Name: "adjustment", Candidates: []string{"ADJUSTMENT"}},
	{Name: "sector", Candidates: []string{"SECTOR", "INSTITUTIONAL_SECTOR"}},
	{Name: "counterpart_area", Candidates: []string{"COUNTERPART_AREA"}},
	{Name: "counterpart_sector", Candidates: []string{"COUNTERPART_SECTOR"}},
	{Name: "consolidation", Candidates: []string{"CONSOLIDATION"}},
	{Name: "transaction", Candidates: []string{"TRANSACTION"}},
	{Name: "unit_measure", Candidates: []string{"UNIT_MEASURE"}},
	{Name: "currency_denom", Candidates: []string{"CURRENCY_DENOM", "CURRENCY"}},
	{Name: "valuation", Candidates: []string{"VALUATION"}},
	{Name: "price_base", Candidates: []string{"PRICE_BASE"}},
	{Name: "accounting_entry", Candidates: []string{"ACCOUNTING_ENTRY"}},
	{Name: "transformation", Candidates: []string{"TRANSFORMATION"}},
	{Name: "table_identifier", Candidates: []string{"TABLE_IDENTIFIER"}},
	{Name: "debt_breakdown", Candidates: []string{"DEBT_BREAKDOWN"}},
}

func match(role string, allowMissing bool, preferred []string, patterns ...string) pull.Requirement {
	return pull.Requirement{Role: role, Match: &sdmx.MatchRule{
		Patterns:     patterns,
		Preferred:    preferred,
		AllowMissing: allowMissing,
	}}
}

// The accounting entry keeps the token of the reference key.
var t720Requirements = []pull.Requirement{
	match("frequency", false, []string{"A"}, "annual"),
	match("adjustment", false, []string{"N"}, "neither seasonally adjusted", "not seasonally"),
	match("sector", false, []string{"S13"}, "general government"),
	match("counterpart_area", false, []string{"W"}, "world"),
	match("counterpart_sector", false, []string{"S1"}, "total economy"),
	match("consolidation", false, []string{"N", "NC"}, "non consolidated", "non-consolidated"),
	match("transaction", false, []string{"LE"}, "closing balance", "positions", "stocks"),
	match("unit_measure", false, []string{"XDC"}, "national currency"),
	match("currency_denom", true, []string{"_T"}, "all currencies"),
	match("valuation", true, []string{"S"}, "standard valuation"),
	match("price_base", true, []string{"V"}, "current prices"),
	match("transformation", true, []string{"N"}, "non transformed"),
	match("table_identifier", true, []string{"T0720"}, "table 0720"),
	match("maturity", true, []string{"_Z"}, "not applicable"),
	match("debt_breakdown", true, []string{"_Z"}, "not applicable"),
}

var t720Rename = map[string]string{
	"REF_AREA":             "reference_area",
	"REFERENCE_AREA":       "reference_area",
	"LOCATION":             "reference_area",
	"TIME_PERIOD":          "time_period",
	"INSTR_ASSET":          "financial_instrument",
	"FINANCIAL_INSTRUMENT": "financial_instrument",
	"INSTRUMENT":           "financial_instrument",
	"MATURITY":             "original_maturity",
	"ORIGINAL_MATURITY":    "original_maturity",
	"FREQ":                 "frequency",
	"ADJUSTMENT":           "adjustment",
	"COUNTERPART_AREA":     "counterpart_area",
	"COUNTERPART_SECTOR":   "counterpart_sector",
	"ACCOUNTING_ENTRY":     "accounting_entry",
	"TRANSACTION":          "transaction",
	"CONSOLIDATION":        "consolidation",
	"UNIT_MEASURE":         "unit_of_measure",
	"CURRENCY":             "currency_of_denomination",
	"CURRENCY_DENOM":       "currency_of_denomination",
	"INSTITUTIONAL_SECTOR": "institutional_sector",
	"SECTOR":               "institutional_sector",
	"VALUATION":            "valuation",
	"PRICE_BASE":           "price_base",
	"TRANSFORMATION":       "transformation",
	"TABLE_IDENTIFIER":     "table_identifier",
	"DEBT_BREAKDOWN":       "debt_breakdown",
}

// t720Columns is the header of an empty pull.
var t720Columns = []string{
	"reference_area", "time_period", "financial_instrument", "accounting_entry",
	"transaction", "consolidation", "institutional_sector", "unit_of_measure",
	"currency_of_denomination", "transformation", "value",
}

// t720Spec builds the query plan; params may override the period, the
// reference areas and the instruments.
func (p *Provider) t720Spec(params provider.QueryParams) (pull.Spec, error) {
	areas := p.cfg.RefAreas
	if len(areas) == 0 {
		areas = TargetReferenceAreas
	}
	if l := params.List(provider.ParamCountries); len(l) > 0 {
		areas = l
	}
	instruments := p.cfg.Instruments
	if len(instruments) == 0 {
		instruments = TargetInstruments
	}
	if l := params.List(ParamInstruments); len(l) > 0 {
		instruments = l
	}
	if len(areas) == 0 || len(instruments) == 0 {
		return pull.Spec{}, &provider.ErrMissingParam{Param: provider.ParamCountries}
	}

	return pull.Spec{
		ID:           string(provider.DatasetOECDT720),
		Reference:    p.cfg.ReferenceURL,
		Roles:        t720Roles,
		Requirements: t720Requirements,
		Axes: []pull.Axis{
			{Role: "reference_area", Codes: areas},
			{Role: "instrument", Codes: instruments, Aliases: InstrumentAliases, Strict: true},
		},
		Start:              params.Get(provider.ParamStart, p.cfg.Start),
		End:                params.Get(provider.ParamEnd, p.cfg.End),
		Params:             url.Values{"format": {"jsondata"}},
		Accept:             pull.AcceptDataJSON,
		FallbackAgencies:   []string{"OECD"},
		StructureCacheFile: p.cfg.StructureCache,
		Rename:             t720Rename,
		Columns:            t720Columns,
		Pause:              p.cfg.Pause,
		ContinueOnError:    p.cfg.ContinueOnError,
		Concurrency:        p.cfg.Concurrency,
	}, nil
}

type t720Fetcher struct {
	provider.BaseFetcher
	p *Provider
}

func newT720Fetcher(p *Provider) *t720Fetcher {
	return &t720Fetcher{
		BaseFetcher: provider.NewBaseFetcher(
			provider.DatasetOECDT720,
			"OECD Table 0720 general government financial balance sheets (annual, national currency)",
			nil,
			[]string{provider.ParamStart, provider.ParamEnd, provider.ParamCountries, ParamInstruments},
		),
		p: p,
	}
}

func (f *t720Fetcher) Fetch(ctx context.Context, params provider.QueryParams) (*provider.FetchResult, error) {
	cacheKey := provider.CacheKey(provider.DatasetOECDT720, params)
	if cached, ok := f.CacheGet(cacheKey); ok {
		return cached, nil
	}
	if err := f.RateLimit(ctx); err != nil {
		return nil, err
	}

	spec, err := f.p.t720Spec(params)
	if err != nil {
		return nil, err
	}
	res, err := f.p.engine.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("table 0720: %w", err)
	}

	result := &provider.FetchResult{FetchedAt: time.Now()}
	result.Merge(res)
	f.CacheSet(cacheKey, result)
	return result, nil
}
