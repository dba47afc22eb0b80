package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesJSONToConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("trained", zap.Int("trees", 10))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"trained"`)
	assert.Contains(t, out, `"trees":10`)
}

func TestNewTeesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "forestserve.log")
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = "console"
	cfg.File = path

	logger, err := NewWithWriter(cfg, &buf)
	require.NoError(t, err)
	logger.Warn("artifact changed")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"artifact changed"`)
	assert.Contains(t, buf.String(), "WARN")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestCheckFormat(t *testing.T) {
	for _, format := range []string{"", "json", "console", "text", "JSON"} {
		assert.NoError(t, CheckFormat(format), format)
	}
	assert.Error(t, CheckFormat("xml"))
}
