package logger_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/pkg/logger"
)

func TestProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "production", "")

	log.Info("listening", "port", 8080)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "listening", entry["msg"])
	assert.Equal(t, "identra", entry["service"])
}

func TestProductionDropsDebugByDefault(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "production", "")

	log.Debug("noisy")
	assert.Empty(t, buf.String())
}

func TestLogLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "production", "debug")

	log.Debug("verbose on demand")
	assert.Contains(t, buf.String(), "verbose on demand")
}

func TestDevelopmentLogsText(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "development", "")

	log.Debug("wired up")
	out := buf.String()
	assert.Contains(t, out, "wired up")
	assert.False(t, strings.HasPrefix(out, "{"), "development output is not JSON")
}
