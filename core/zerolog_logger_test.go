package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(raw), &entry))
		lines = append(lines, entry)
	}
	return lines
}

func TestZerologLoggerEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger("stepflow", WithLogOutput(&buf))

	logger.Info("Execution started", map[string]interface{}{
		"operation":    "execution_start",
		"execution_id": "exec-1",
	})

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "stepflow", lines[0]["service"])
	assert.Equal(t, "Execution started", lines[0]["message"])
	assert.Equal(t, "execution_start", lines[0]["operation"])
	assert.Equal(t, "exec-1", lines[0]["execution_id"])
	assert.Contains(t, lines[0], "time")
}

func TestZerologLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger("stepflow", WithLogOutput(&buf))

	engineLog := logger.WithComponent("engine")
	engineLog.Warn("step retry", nil)
	// The parent stays untagged.
	logger.Warn("untagged", nil)

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "engine", lines[0]["component"])
	assert.NotContains(t, lines[1], "component")
}

func TestZerologLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger("stepflow", WithLogOutput(&buf), WithLogLevel("warn"))

	logger.Debug("dropped", nil)
	logger.Info("dropped", nil)
	logger.Error("kept", nil)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
}

func TestZerologLoggerLevelFromEnv(t *testing.T) {
	t.Setenv("STEPFLOW_LOG_LEVEL", "error")
	var buf bytes.Buffer
	logger := NewZerologLogger("stepflow", WithLogOutput(&buf))

	logger.Info("dropped", nil)
	logger.Error("kept", nil)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
}

func TestZerologLoggerInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger("stepflow", WithLogOutput(&buf), WithLogLevel("shouting"))

	logger.Debug("dropped", nil)
	logger.Info("kept", nil)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
}
