package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opensocdebug.org/osd/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}

	for _, input := range []string{"invalid", "trace", ""} {
		_, err := parseLevel(input)
		assert.Error(t, err, input)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("packet dropped", "component", "hostctrl", "subnet", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "packet dropped", rec["msg"])
	assert.Equal(t, "hostctrl", rec["component"])
	assert.Equal(t, float64(1), rec["subnet"])
}

func TestNewWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "osd.log")
	cfg := config.LogConfig{
		Level:  "debug",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    logPath,
				Rotation: config.RotationConfig{
					MaxSizeMB:  10,
					MaxBackups: 3,
					MaxAgeDays: 7,
				},
			},
		},
	}

	var buf bytes.Buffer
	logger, closer, err := New(cfg, &buf)
	require.NoError(t, err)

	logger.Debug("gateway connected", "subnet", 0)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gateway connected")
	assert.Contains(t, buf.String(), "gateway connected")
}

func TestNewErrors(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "invalid", Format: "json"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid log level")

	_, _, err = New(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unsupported log format")

	_, _, err = New(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
	}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "requires 'path'")
}

func TestInit(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	closer, err := Init(config.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.NotSame(t, prev, slog.Default())
}
