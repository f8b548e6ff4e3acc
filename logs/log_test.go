package logs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]int{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		"verbose": LevelVerbose,
		"":        LevelInfo,
		" info ":  LevelInfo,
		"warn":    LevelWarning,
		"warning": LevelWarning,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollup.log")
	require.NoError(t, Init(config.LogConfig{Level: "warn", File: path, MaxSizeMB: 1}))
	t.Cleanup(func() { _ = Init(config.LogConfig{Level: "info"}) })

	Info("hidden %d", 1)
	Warn("shown %d", 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden 1")
	assert.Contains(t, string(data), "[WARN]")
	assert.Contains(t, string(data), "shown 2")
	assert.Contains(t, string(data), "log_test.go")
}

func TestInitRejectsLevel(t *testing.T) {
	assert.Error(t, Init(config.LogConfig{Level: "loud"}))
}
