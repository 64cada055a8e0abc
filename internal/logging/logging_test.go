package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "debug", "json")
	require.NoError(t, err)

	log.Debug().Str("flow", "OECD.SDD.NAD,DSD_NAFA@DF_T720R_A,1.0").Msg("resolved")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "resolved", line["message"])
	assert.Equal(t, "OECD.SDD.NAD,DSD_NAFA@DF_T720R_A,1.0", line["flow"])
	assert.Contains(t, line, "time")
}

func TestNewWriterLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "warn", "json")
	require.NoError(t, err)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewWriterText(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "info", "text")
	require.NoError(t, err)

	log.Info().Str("pull", "oecd.t720").Msg("pull started")
	out := buf.String()
	assert.Contains(t, out, "pull started")
	assert.Contains(t, out, "pull=oecd.t720")
	assert.False(t, strings.HasPrefix(out, "{"))
}

func TestNewWriterRejectsUnknownFormat(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
		err  bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"WARNING", zerolog.WarnLevel, false},
		{" error ", zerolog.ErrorLevel, false},
		{"loud", zerolog.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
