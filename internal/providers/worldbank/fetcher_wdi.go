package worldbank

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/sdmx"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// ---------------------------------------------------------------------------
// WDI bundle: GDP, PPP, CPI and market capitalisation. One request (plus
// pages) per country and indicator.
// ---------------------------------------------------------------------------

const (
	// ParamMetrics restricts the pull to the named metrics.
	ParamMetrics = "metrics"
	// ParamMarketCap disables the market capitalisation series when "false".
	ParamMarketCap = "market_cap"

	wdiDatabase = "WB_WDI"

	marketCapMetric    = "market_cap_listed_domestic_companies_current_usd"
	marketCapIndicator = "WB_WDI_CM_MKT_LCAP_CD"
)

// WDIIndicators maps metric names to Data360 indicator ids.
var WDIIndicators = map[string]string{
	"gdp_current_usd":                            "WB_WDI_NY_GDP_MKTP_CD",
	"gdp_ppp_current_intl_usd":                   "WB_WDI_NY_GDP_MKTP_PP_CD",
	"gdp_per_capita_ppp_current_intl_usd":        "WB_WDI_NY_GDP_PCAP_PP_CD",
	"cpi":                                        "WB_WDI_FP_CPI_TOTL",
	"ppp_conversion_factor_gdp_lcu_per_intl_usd": "WB_WDI_PA_NUS_PPP",
}

// TargetCountries are the ISO3 reference areas pulled by default.
var TargetCountries = []string{
	"CAN", "USA", "AUT", "BEL", "DNK", "FIN", "FRA", "DEU", "ISR", "ITA",
	"NLD", "NOR", "PRT", "ESP", "SWE", "CHE", "GBR", "AUS", "HKG", "JPN",
	"NZL", "SGP", "BRA", "CHN", "COL", "CZE", "GRC", "HUN", "IND", "MYS",
	"MEX", "PHL", "POL", "RUS", "ZAF", "KOR", "THA",
}

// MarketCapCountries lack OECD equity outstanding and get the market
// capitalisation series instead.
var MarketCapCountries = []string{
	"AUS", "HKG", "NZL", "SGP", "CHN", "IND", "MYS", "PHL", "RUS", "ZAF", "THA",
}

var wdiRename = map[string]string{
	"REF_AREA":    "ref_area",
	"TIME_PERIOD": "time_period",
	"OBS_VALUE":   "value",
	"INDICATOR":   "indicator",
	"DATABASE_ID": "database_id_api",
	"FREQ":        "freq",
}

type wdiFetcher struct {
	provider.BaseFetcher
	p *Provider
}

func newWDIFetcher(p *Provider) *wdiFetcher {
	return &wdiFetcher{
		BaseFetcher: provider.NewBaseFetcher(
			provider.DatasetWDI,
			"World Bank WDI: GDP, GDP PPP, CPI, PPP conversion factor and market capitalisation (annual)",
			nil,
			[]string{provider.ParamStart, provider.ParamEnd, provider.ParamCountries, ParamMetrics, ParamMarketCap},
		),
		p: p,
	}
}

type series struct {
	metric    string
	indicator string
	countries []string
}

func (f *wdiFetcher) plan(params provider.QueryParams) ([]series, error) {
	countries := params.List(provider.ParamCountries)
	if len(countries) == 0 {
		countries = f.p.cfg.Countries
	}
	if len(countries) == 0 {
		countries = TargetCountries
	}

	metrics := params.List(ParamMetrics)
	if len(metrics) == 0 {
		for m := range WDIIndicators {
			metrics = append(metrics, m)
		}
		sort.Strings(metrics)
	}
	var out []series
	for _, m := range metrics {
		if m == marketCapMetric {
			continue
		}
		ind, ok := WDIIndicators[m]
		if !ok {
			return nil, fmt.Errorf("unknown WDI metric %q", m)
		}
		out = append(out, series{metric: m, indicator: ind, countries: countries})
	}

	marketCap := f.p.cfg.IncludeMarketCap
	if v := params.Get(ParamMarketCap, ""); v != "" {
		marketCap = v != "false"
	}
	if marketCap {
		out = append(out, series{metric: marketCapMetric, indicator: marketCapIndicator, countries: MarketCapCountries})
	}
	return out, nil
}

func (f *wdiFetcher) Fetch(ctx context.Context, params provider.QueryParams) (*provider.FetchResult, error) {
	cacheKey := provider.CacheKey(provider.DatasetWDI, params)
	if cached, ok := f.CacheGet(cacheKey); ok {
		return cached, nil
	}
	if err := f.RateLimit(ctx); err != nil {
		return nil, err
	}

	plan, err := f.plan(params)
	if err != nil {
		return nil, err
	}
	start := params.Get(provider.ParamStart, f.p.cfg.Start)
	end := params.Get(provider.ParamEnd, f.p.cfg.End)

	t := tidy.New()
	result := &provider.FetchResult{FetchedAt: time.Now()}
	for _, s := range plan {
		for _, country := range s.countries {
			recs, err := f.p.records(ctx, seriesParams(wdiDatabase, s.indicator, country, start, end))
			if err != nil {
				return nil, fmt.Errorf("wdi %s %s: %w", s.indicator, country, err)
			}
			if len(recs) == 0 {
				result.Skipped = append(result.Skipped, s.indicator+"/"+country)
				continue
			}
			for _, rec := range recs {
				if v, ok := sdmx.FloatValue(rec["OBS_VALUE"]); ok {
					rec["OBS_VALUE"] = v
				} else if _, present := rec["OBS_VALUE"]; present {
					rec["OBS_VALUE"] = nil
				}
				rec["indicator_id"] = s.indicator
				rec["database_id"] = wdiDatabase
				rec["metric"] = s.metric
				t.AppendMap(rec)
			}
		}
	}
	t.Rename(wdiRename)

	result.Table = t
	result.Rows = t.Len()
	f.CacheSet(cacheKey, result)
	return result, nil
}
