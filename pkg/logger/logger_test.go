package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		log, err := NewLogger(Config{})
		require.NoError(t, err)
		assert.NotNil(t, log)
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := NewLogger(Config{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("writes rotated file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "autopost.log")
		log, err := NewLogger(Config{Format: "json", File: FileConfig{Path: path}})
		require.NoError(t, err)

		log.Info("post published")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "post published")
	})
}
