package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := Setup("warn", "json", &buf)
	require.NoError(t, err)

	l.Info().Msg("hidden")
	l.Warn().Str("conn_id", "c1").Msg("slow client")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "c1", line["conn_id"])
	assert.Equal(t, "slow client", line["message"])
}

func TestSetupConsole(t *testing.T) {
	var buf bytes.Buffer
	l, err := Setup("", "console", &buf)
	require.NoError(t, err)

	l.Debug().Msg("hidden")
	l.Info().Msg("listening")
	assert.Contains(t, buf.String(), "listening")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := Setup("chatty", "json", &bytes.Buffer{})
	assert.Error(t, err)
}
