// Package worldbank implements the World Bank provider.
// Data is sourced from the Data360 REST API (https://data360api.worldbank.org),
// database WB_WDI. No API key required.
package worldbank

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

const (
	providerName = "worldbank"

	// DefaultBaseURL is the Data360 API root.
	DefaultBaseURL = "https://data360api.worldbank.org"

	defaultPageSize = 1000
)

// Provider is the World Bank data provider.
type Provider struct {
	provider.BaseProvider
	cfg    config.WorldBankConfig
	client *fetch.Client
}

// New creates a new World Bank provider and registers its fetchers.
func New(cfg config.WorldBankConfig, deps provider.Deps) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	p := &Provider{
		BaseProvider: provider.NewBaseProvider(
			providerName,
			"World Bank Data360: World Development Indicators (free, no API key)",
			"https://data360.worldbank.org",
			nil,
		),
		cfg: cfg,
		client: deps.Client(func(c *fetch.Config) {
			if cfg.MaxRetries > 0 {
				c.MaxRetries = cfg.MaxRetries
			}
		}),
	}

	p.RegisterFetcher(newWDIFetcher(p))
	return p
}

// Ping requests one page of one series.
func (p *Provider) Ping(ctx context.Context) error {
	params := seriesParams("WB_WDI", WDIIndicators["gdp_current_usd"], "USA", p.cfg.End, p.cfg.End)
	if _, err := p.client.GetJSON(ctx, p.cfg.BaseURL+"/data360/data", params); err != nil {
		return fmt.Errorf("worldbank ping: %w", err)
	}
	return nil
}

// seriesParams are the query fields of an annual series without
// disaggregation.
func seriesParams(database, indicator, refArea, start, end string) url.Values {
	return url.Values{
		"format":           {"json"},
		"DATABASE_ID":      {database},
		"INDICATOR":        {indicator},
		"REF_AREA":         {refArea},
		"FREQ":             {"A"},
		"timePeriodFrom":   {start},
		"timePeriodTo":     {end},
		"SEX":              {"_T"},
		"AGE":              {"_T"},
		"URBANISATION":     {"_T"},
		"COMP_BREAKDOWN_1": {"_Z"},
		"COMP_BREAKDOWN_2": {"_Z"},
		"COMP_BREAKDOWN_3": {"_Z"},
	}
}

// records pages through /data360/data with skip until count records have
// been read or a page comes back empty.
func (p *Provider) records(ctx context.Context, params url.Values) ([]map[string]any, error) {
	var out []map[string]any
	skip := 0
	for {
		page := url.Values{}
		for k, v := range params {
			page[k] = v
		}
		page.Set("skip", strconv.Itoa(skip))

		body, err := p.client.GetJSON(ctx, p.cfg.BaseURL+"/data360/data", page)
		if err != nil {
			return nil, err
		}
		doc, err := gabs.ParseJSON(body)
		if err != nil {
			return nil, &sdmx.FormatError{Detail: "Data360 response is not valid JSON", Err: err}
		}

		values := doc.S("value").Children()
		for _, v := range values {
			rec := make(map[string]any)
			for k, c := range v.ChildrenMap() {
				rec[k] = c.Data()
			}
			out = append(out, rec)
		}
		if len(values) == 0 {
			return out, nil
		}
		total, ok := doc.S("count").Data().(float64)
		if !ok {
			return out, nil
		}
		skip += len(values)
		if skip >= int(total) {
			return out, nil
		}
	}
}
