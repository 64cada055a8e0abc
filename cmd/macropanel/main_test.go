package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/providers"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

func TestParseOverrides(t *testing.T) {
	ov, err := parseOverrides([]string{"ref_area=US+CA", "FREQ=A"})
	require.NoError(t, err)
	assert.Equal(t, sdmx.Overrides{"ref_area": {"US", "CA"}, "FREQ": {"A"}}, ov)

	_, err = parseOverrides([]string{"REF_AREA"})
	assert.Error(t, err)
	_, err = parseOverrides([]string{"=US"})
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"countries=France,Japan", " end = 2019"})
	require.NoError(t, err)
	assert.Equal(t, provider.QueryParams{"countries": "France,Japan", "end": "2019"}, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
}

func TestWantsCodes(t *testing.T) {
	assert.True(t, wantsCodes([]string{"ref_area"}, "REF_AREA"))
	assert.True(t, wantsCodes([]string{"all"}, "FREQ"))
	assert.False(t, wantsCodes(nil, "FREQ"))
}

func TestOutputTarget(t *testing.T) {
	assert.Equal(t, "data", outputTarget(config.OutputConfig{Format: "csv", Dir: "data"}))
	assert.Equal(t, "x.db", outputTarget(config.OutputConfig{Format: "sqlite", SQLitePath: "x.db"}))
	assert.Equal(t, "schema macro", outputTarget(config.OutputConfig{Format: "postgres", PostgresSchema: "macro"}))
}

func TestAllDatasets(t *testing.T) {
	r := provider.NewRegistry()
	require.NoError(t, providers.RegisterAllTo(r, &config.Config{}, provider.DefaultDeps()))
	assert.Equal(t, []string{
		"bis.debt_securities",
		"imf.pip_bilateral",
		"imf.pip_currency",
		"oecd.t720",
		"worldbank.wdi",
	}, allDatasets(r))
}
