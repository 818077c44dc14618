package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "", "info")
	logger.Debug("hidden")
	logger.Info("entity deactivated", "entity", "org/5")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "entity deactivated", record["msg"])
	assert.Equal(t, "org/5", record["entity"])
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "console", "debug").Debug("stage", "name", "details")
	assert.Contains(t, buf.String(), "msg=stage name=details")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}
