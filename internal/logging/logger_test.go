package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agora.log")
	logger, err := New(Config{Level: "debug", Encoding: "json", File: path})
	require.NoError(t, err)
	logger.Debug("vote closed")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"DEBUG"`)
	assert.Contains(t, string(data), `"msg":"vote closed"`)
}

func TestNewFallsBackOnBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agora.log")
	logger, err := New(Config{Level: "chatty", File: path})
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
