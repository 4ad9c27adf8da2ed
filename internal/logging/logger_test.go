package logging

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorLogReceivesOnlyErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.log")
	logger, closer := New(Options{Level: "debug", ErrorLog: &ErrorLog{Path: path, MaxSizeMB: 1}})

	logger.Info("page fetched", "page", 1)
	logger.With("component", "remote").Error("fetch page failed", "page", 2, "status", 500)
	require.NoError(t, closer.Close())

	lines, err := Tail(path, 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "fetch page failed", entry["msg"])
	assert.Equal(t, "remote", entry["component"])
	assert.NotEmpty(t, entry["time"])
}

func TestNoErrorLogWhenDisabled(t *testing.T) {
	logger, closer := New(Options{Level: "info"})
	logger.Error("not persisted")
	assert.NoError(t, closer.Close())
}

func TestTail(t *testing.T) {
	t.Parallel()

	lines, err := Tail(filepath.Join(t.TempDir(), "missing.log"), 5)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestLevelFromString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DEBUG", levelFromString("debug").String())
	assert.Equal(t, "WARN", levelFromString("Warning").String())
	assert.Equal(t, "INFO", levelFromString("nonsense").String())
}
