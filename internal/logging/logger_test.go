package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_ProductionUsesJSONHandler(t *testing.T) {
	logger := NewLogger(EnvProduction)

	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "expected JSON handler for production")
}

func TestNewLogger_DevelopmentUsesTextHandler(t *testing.T) {
	logger := NewLogger(EnvDevelopment)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "expected text handler for development")
}

func TestNewLogger_UnknownEnvironmentUsesTextHandler(t *testing.T) {
	logger := NewLogger("staging")

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "expected text handler for unknown environment")
}

func TestNewLogger_ProductionLevelIsInfo(t *testing.T) {
	logger := NewLogger(EnvProduction)

	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
}

func TestNewLogger_DevelopmentLevelIsDebug(t *testing.T) {
	logger := NewLogger(EnvDevelopment)

	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

func TestNewLoggerTo_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, EnvProduction)

	logger.Info("connected", "conversation", "c1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "connected", record["msg"])
	assert.Equal(t, "c1", record["conversation"])
	assert.Equal(t, "INFO", record["level"])
}
