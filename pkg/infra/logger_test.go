package infra

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-engine/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestJSONHandlerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&config.Config{LogLevel: "WARN", LogFormat: "json"}, &buf))

	logger.Info("dropped")
	logger.Warn("kept", "lsn", "0/A")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "0/A", rec["lsn"])
}
