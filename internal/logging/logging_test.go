package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	logger, err := setup(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Str("task_id", "tsk_1").Msg("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "visible", line["message"])
	assert.Equal(t, "tsk_1", line["task_id"])
	assert.Equal(t, "letterd", line["service"])
}

func TestSetupConsole(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	logger, err := setup(&buf, "info", "console")
	require.NoError(t, err)
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestSetupRejectsBadInput(t *testing.T) {
	_, err := setup(&bytes.Buffer{}, "loud", "json")
	assert.Error(t, err)
	_, err = setup(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}
