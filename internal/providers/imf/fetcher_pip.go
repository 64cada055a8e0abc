package imf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/sdmx"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// ---------------------------------------------------------------------------
// PIP key: COUNTRY.ACCOUNTING_ENTRY.INDICATOR.SECTOR.COUNTERPART_SECTOR.
// COUNTERPART_COUNTRY.FREQUENCY. The investor country is always a wildcard:
// every investor holding the issuer's securities is returned.
// ---------------------------------------------------------------------------

const (
	// ParamCurrencies replaces the currency list of the currency pull.
	ParamCurrencies = "currencies"

	pipTemplate = ".A..S1.S1..A"
	// allIssuers is the counterpart of the currency aggregates.
	allIssuers = "G001"
)

// PositionIndicators maps asset classes to PIP position indicators in USD.
var PositionIndicators = map[string]string{
	"ST_DEBT": "P_F3_S_P_USD",
	"LT_DEBT": "P_F3_L_P_USD",
	"EQUITY":  "P_F51_P_USD",
}

// denominationTemplates build the currency-of-denomination indicators.
var denominationTemplates = map[string]string{
	"ST_DEBT": "P_F3_S_DIC_%s_P_USD",
	"LT_DEBT": "P_F3_L_DIC_%s_P_USD",
	"EQUITY":  "P_F51_DIC_%s_P_USD",
}

var assetClasses = []string{"ST_DEBT", "LT_DEBT", "EQUITY"}

// BaseCurrencies are always part of the currency pull.
var BaseCurrencies = []string{"USD", "EUR", "JPY", "GBP", "CHF"}

// OffshoreInvestors are offshore financial centres dropped as investors.
var OffshoreInvestors = map[string]bool{
	"BMU": true, "CYM": true, "GGY": true, "IRL": true,
	"IMN": true, "JEY": true, "LUX": true, "ANT": true,
}

// IssuerStartYear is the first year pulled per issuer.
var IssuerStartYear = map[string]int{
	"CAN": 2003, "USA": 2003,
	"AUT": 2003, "BEL": 2003, "DNK": 2003, "FIN": 2003, "FRA": 2003, "DEU": 2003,
	"ISR": 2003, "ITA": 2003, "NLD": 2003, "NOR": 2003, "PRT": 2003, "ESP": 2003,
	"SWE": 2003, "CHE": 2003, "GBR": 2003,
	"AUS": 2003, "HKG": 2003, "JPN": 2003, "NZL": 2003, "SGP": 2003,
	"BRA": 2003, "CHN": 2015, "COL": 2007, "CZE": 2003, "GRC": 2003, "HUN": 2003,
	"IND": 2004, "MYS": 2005, "MEX": 2003, "PHL": 2009, "POL": 2003, "RUS": 2004,
	"ZAF": 2003, "KOR": 2003, "THA": 2003,
}

// LocalCurrency maps issuers to their local currency.
var LocalCurrency = map[string]string{
	"AUT": "EUR", "BEL": "EUR", "FIN": "EUR", "FRA": "EUR", "DEU": "EUR",
	"ITA": "EUR", "NLD": "EUR", "PRT": "EUR", "ESP": "EUR", "GRC": "EUR",
	"USA": "USD", "GBR": "GBP", "CHE": "CHF", "JPN": "JPY", "CAN": "CAD",
	"AUS": "AUD", "NZL": "NZD", "DNK": "DKK", "NOR": "NOK", "SWE": "SEK",
	"ISR": "ILS", "HKG": "HKD", "SGP": "SGD", "BRA": "BRL", "CHN": "CNY",
	"COL": "COP", "CZE": "CZK", "HUN": "HUF", "IND": "INR", "MYS": "MYR",
	"MEX": "MXN", "PHL": "PHP", "POL": "PLN", "RUS": "RUB", "ZAF": "ZAR",
	"KOR": "KRW", "THA": "THB",
}

const defaultStartYear = 2003

var pipRoles = []sdmx.Role{
	{Name: "country", Candidates: []string{"COUNTRY", "REF_AREA"}, Required: true},
	{Name: "indicator", Candidates: []string{"INDICATOR"}, Required: true},
	{Name: "counterpart", Candidates: []string{"COUNTERPART_COUNTRY", "COUNTERPART_AREA"}, Required: true},
	{Name: "accounting_entry", Candidates: []string{"ACCOUNTING_ENTRY"}},
	{Name: "sector", Candidates: []string{"SECTOR"}},
	{Name: "counterpart_sector", Candidates: []string{"COUNTERPART_SECTOR"}},
	{Name: "frequency", Candidates: []string{"FREQUENCY", "FREQ"}},
}

// pipSpec is the base plan: assets of the total economy, annual.
func (p *Provider) pipSpec(id, start, end string) pull.Spec {
	return pull.Spec{
		ID:        id,
		Reference: p.cfg.BaseURL + "/data/" + pipFlow + "/" + pipTemplate,
		Roles:     pipRoles,
		Requirements: []pull.Requirement{
			{Role: "accounting_entry", Codes: []string{"A"}},
			{Role: "sector", Codes: []string{"S1"}},
			{Role: "counterpart_sector", Codes: []string{"S1"}},
			{Role: "frequency", Codes: []string{"A"}},
		},
		Start:         start,
		End:           end,
		Accept:        pull.AcceptDataJSON,
		StructureURLs: []string{p.cfg.BaseURL + "/dataflow/IMF.STA/PIP/latest?references=all"},
	}
}

func (p *Provider) endYear(params provider.QueryParams) (int, error) {
	end := params.Get(provider.ParamEnd, p.cfg.End)
	y, err := strconv.Atoi(end)
	if err != nil {
		return 0, fmt.Errorf("invalid end year %q", end)
	}
	return y, nil
}

// scaleToUSD sets value_usd to value·10^scale. A missing scale counts as 0.
func scaleToUSD(t *tidy.Table) {
	for r := range t.Len() {
		scale := 0
		if s, ok := t.Value(r, "scale").(string); ok {
			scale, _ = strconv.Atoi(strings.TrimSpace(s))
		}
		if t.HasColumn("scale") {
			t.Set(r, "scale", scale)
		}
		if v, ok := sdmx.FloatValue(t.Value(r, tidy.ValueColumn)); ok {
			t.Set(r, "value_usd", v*math.Pow10(scale))
		} else {
			t.Set(r, "value_usd", nil)
		}
	}
	t.AddColumn("value_usd")
}

func stringValue(t *tidy.Table, r int, col string) string {
	s, _ := t.Value(r, col).(string)
	return s
}

// ---------------------------------------------------------------------------
// Bilateral positions: all investors in the securities of each issuer.
// ---------------------------------------------------------------------------

var bilateralColumns = []string{
	"country", "counterpart_country", "indicator", "time_period",
	"value", "issuer", "asset_class", "value_usd",
}

type bilateralFetcher struct {
	provider.BaseFetcher
	p *Provider
}

func newBilateralFetcher(p *Provider) *bilateralFetcher {
	return &bilateralFetcher{
		BaseFetcher: provider.NewBaseFetcher(
			provider.DatasetIMFPIPBilateral,
			"IMF PIP bilateral portfolio positions (debt and equity, USD) held by all investors, per issuer",
			nil,
			[]string{provider.ParamStart, provider.ParamEnd, provider.ParamCountries},
		),
		p: p,
	}
}

// issuerGroups groups issuers by effective start year, earliest first.
func issuerGroups(issuers []string, minStart int) ([]int, map[int][]string) {
	groups := make(map[int][]string)
	var years []int
	for _, iss := range issuers {
		y, ok := IssuerStartYear[iss]
		if !ok {
			y = defaultStartYear
		}
		y = max(y, minStart)
		if _, seen := groups[y]; !seen {
			years = append(years, y)
		}
		groups[y] = append(groups[y], iss)
	}
	sort.Ints(years)
	return years, groups
}

func (f *bilateralFetcher) Fetch(ctx context.Context, params provider.QueryParams) (*provider.FetchResult, error) {
	cacheKey := provider.CacheKey(provider.DatasetIMFPIPBilateral, params)
	if cached, ok := f.CacheGet(cacheKey); ok {
		return cached, nil
	}
	if err := f.RateLimit(ctx); err != nil {
		return nil, err
	}

	end, err := f.p.endYear(params)
	if err != nil {
		return nil, err
	}
	minStart := 0
	if s := params.Get(provider.ParamStart, ""); s != "" {
		if minStart, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("invalid start year %q", s)
		}
	}
	issuers := params.List(provider.ParamCountries)
	if len(issuers) == 0 {
		issuers = f.p.cfg.Issuers
	}
	if len(issuers) == 0 {
		for iss := range IssuerStartYear {
			issuers = append(issuers, iss)
		}
		sort.Strings(issuers)
	}

	indicators := make([]string, 0, len(assetClasses))
	assetOf := make(map[string]string, len(assetClasses))
	for _, ac := range assetClasses {
		indicators = append(indicators, PositionIndicators[ac])
		assetOf[PositionIndicators[ac]] = ac
	}

	result := &provider.FetchResult{FetchedAt: time.Now()}
	years, groups := issuerGroups(issuers, minStart)
	for _, y := range years {
		if y > end {
			continue
		}
		spec := f.p.pipSpec(string(provider.DatasetIMFPIPBilateral), strconv.Itoa(y), strconv.Itoa(end))
		spec.Requirements = append(spec.Requirements, pull.Requirement{Role: "indicator", Codes: indicators})
		spec.Axes = []pull.Axis{{Role: "counterpart", Codes: groups[y]}}
		res, err := f.p.engine.Run(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("pip bilateral from %d: %w", y, err)
		}
		result.Merge(res)
	}

	t := result.Table
	if t == nil || t.Len() == 0 {
		result.Table = tidy.New(bilateralColumns...)
		result.Rows = 0
		f.CacheSet(cacheKey, result)
		return result, nil
	}
	for r := range t.Len() {
		issuer := stringValue(t, r, "counterpart_country")
		ind := stringValue(t, r, "indicator")
		ac, ok := assetOf[ind]
		if !ok {
			ac = ind
		}
		t.Set(r, "issuer", issuer)
		t.Set(r, "asset_class", ac)
	}
	t.Filter(func(r int) bool { return !OffshoreInvestors[stringValue(t, r, "country")] })
	scaleToUSD(t)
	result.Rows = t.Len()

	f.CacheSet(cacheKey, result)
	return result, nil
}

// ---------------------------------------------------------------------------
// Currency aggregates: holdings of all investors by currency of
// denomination (counterpart G001), pulled in year chunks.
// ---------------------------------------------------------------------------

var currencyColumns = []string{
	"country", "counterpart_country", "indicator", "time_period",
	"value", "asset_class", "currency", "value_usd",
}

type currencyFetcher struct {
	provider.BaseFetcher
	p *Provider
}

func newCurrencyFetcher(p *Provider) *currencyFetcher {
	return &currencyFetcher{
		BaseFetcher: provider.NewBaseFetcher(
			provider.DatasetIMFPIPCurrency,
			"IMF PIP portfolio positions of all investors by currency of denomination (USD)",
			nil,
			[]string{provider.ParamStart, provider.ParamEnd, ParamCurrencies},
		),
		p: p,
	}
}

// DefaultCurrencies returns the base currencies and every issuer's local
// currency, sorted.
func DefaultCurrencies() []string {
	set := make(map[string]struct{})
	for _, c := range BaseCurrencies {
		set[c] = struct{}{}
	}
	for _, c := range LocalCurrency {
		set[c] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type denomination struct {
	assetClass string
	currency   string
}

// denominationIndicators lists the indicators of currencies that exist in
// the indicator dimension.
func denominationIndicators(dim sdmx.Dimension, currencies []string) ([]string, map[string]denomination) {
	var codes []string
	rev := make(map[string]denomination)
	for _, ac := range assetClasses {
		for _, cur := range currencies {
			code := fmt.Sprintf(denominationTemplates[ac], cur)
			if !dim.Has(code) {
				continue
			}
			codes = append(codes, code)
			rev[code] = denomination{assetClass: ac, currency: cur}
		}
	}
	return codes, rev
}

// YearChunks splits start..end at 2009/2010 and 2015/2016.
func YearChunks(start, end int) [][2]int {
	var out [][2]int
	for _, c := range [][2]int{{start, min(2009, end)}, {max(start, 2010), min(2015, end)}, {max(start, 2016), end}} {
		if c[0] <= c[1] {
			out = append(out, c)
		}
	}
	return out
}

func (f *currencyFetcher) Fetch(ctx context.Context, params provider.QueryParams) (*provider.FetchResult, error) {
	cacheKey := provider.CacheKey(provider.DatasetIMFPIPCurrency, params)
	if cached, ok := f.CacheGet(cacheKey); ok {
		return cached, nil
	}
	if err := f.RateLimit(ctx); err != nil {
		return nil, err
	}

	end, err := f.p.endYear(params)
	if err != nil {
		return nil, err
	}
	start := defaultStartYear
	if s := params.Get(provider.ParamStart, ""); s != "" {
		if start, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("invalid start year %q", s)
		}
	}
	currencies := params.List(ParamCurrencies)
	if len(currencies) == 0 {
		currencies = f.p.cfg.Currencies
	}
	if len(currencies) == 0 {
		currencies = DefaultCurrencies()
	}

	base := f.p.pipSpec(string(provider.DatasetIMFPIPCurrency), "", "")
	cat, _, err := f.p.engine.Catalog(ctx, base)
	if err != nil {
		return nil, err
	}
	id, ok := sdmx.Resolve(cat, "INDICATOR")
	if !ok {
		return nil, &sdmx.StructureError{Flow: cat.Flow(), Role: "indicator", Detail: "no INDICATOR dimension"}
	}
	dim, _ := cat.Dimension(id)
	codes, rev := denominationIndicators(dim, currencies)
	if len(codes) == 0 {
		return nil, &sdmx.CodeResolutionError{Dimension: id, Preferred: currencies}
	}

	result := &provider.FetchResult{FetchedAt: time.Now()}
	for _, chunk := range YearChunks(start, end) {
		spec := base
		spec.Start, spec.End = strconv.Itoa(chunk[0]), strconv.Itoa(chunk[1])
		spec.Requirements = append(append([]pull.Requirement(nil), base.Requirements...),
			pull.Requirement{Role: "indicator", Codes: codes},
			pull.Requirement{Role: "counterpart", Codes: []string{allIssuers}},
		)
		res, err := f.p.engine.Run(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("pip currency %d-%d: %w", chunk[0], chunk[1], err)
		}
		result.Merge(res)
	}

	t := result.Table
	if t == nil || t.Len() == 0 {
		result.Table = tidy.New(currencyColumns...)
		result.Rows = 0
		f.CacheSet(cacheKey, result)
		return result, nil
	}
	for r := range t.Len() {
		d := rev[stringValue(t, r, "indicator")]
		t.Set(r, "asset_class", d.assetClass)
		t.Set(r, "currency", d.currency)
	}
	scaleToUSD(t)
	result.Rows = t.Len()

	f.CacheSet(cacheKey, result)
	return result, nil
}
