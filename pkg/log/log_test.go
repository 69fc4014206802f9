package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	Logger = zerolog.Nop()
}

func TestInitJSON(t *testing.T) {
	defer reset(zerolog.GlobalLevel())

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger := WithResource(WithController("endpoints-controller"), "services", "default", "web")
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "controller", entry["component"])
	assert.Equal(t, "endpoints-controller", entry["controller"])
	assert.Equal(t, "services", entry["kind"])
	assert.Equal(t, "web", entry["name"])
	assert.Contains(t, entry, "time")
}

func TestInitUnknownLevel(t *testing.T) {
	defer reset(zerolog.GlobalLevel())

	var buf bytes.Buffer
	Init(Config{Level: "loud", JSONOutput: true, Output: &buf})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	sessionLogger := WithSession("default", "web-0")
	sessionLogger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	kindLogger := WithKind(WithComponent("watch"), "pods")
	kindLogger.Info().Msg("shown")
	assert.Contains(t, buf.String(), `"kind":"pods"`)
}
