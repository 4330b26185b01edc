package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "info", FormatJSON)
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Str("component", "server").Msg("listening")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "server", entry["component"])
	assert.Equal(t, "listening", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "DEBUG", FormatConsole)
	require.NoError(t, err)

	log.Debug().Msg("tick")
	assert.Contains(t, buf.String(), "tick")
}

func TestNew_EmptyLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "", FormatJSON)
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", FormatJSON)
	assert.Error(t, err)

	_, err = New(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}
