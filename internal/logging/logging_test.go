package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSONEmitsStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSON(&buf, slog.LevelInfo)

	logger.Info("offer created", "offer_uuid", "o-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "offer created", record["msg"])
	require.Equal(t, "o-1", record["offer_uuid"])
}

func TestNewCLIRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("cascade step failed", "error", errors.New("boom"))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "cascade step failed")
	require.True(t, strings.Contains(out, "boom"))
}

func TestEnsureFallsBackToDefault(t *testing.T) {
	require.Same(t, slog.Default(), Ensure(nil))

	logger := NewJSON(&bytes.Buffer{}, nil)
	require.Same(t, logger, Ensure(logger))
}

func TestParseModeAndLevel(t *testing.T) {
	mode, err := ParseMode("JSON")
	require.NoError(t, err)
	require.Equal(t, ModeJSON, mode)

	_, err = ParseMode("xml")
	require.Error(t, err)

	level, err := ParseLevel("warning")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}
