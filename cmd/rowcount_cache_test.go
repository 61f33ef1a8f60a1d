package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/comparison"
)

var _ comparison.RowCountCache = (*RowCountCache)(nil)

func TestRowCountCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "row_counts.json")

	t.Run("missing file gives empty cache", func(t *testing.T) {
		cache, err := loadRowCountCache(path, "postgres://a")
		require.NoError(t, err)
		_, ok := cache.Get("postgres|orders")
		assert.False(t, ok)
		require.NoError(t, cache.save(), "nothing to save")
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("round trip", func(t *testing.T) {
		cache, err := loadRowCountCache(path, "postgres://a")
		require.NoError(t, err)
		cache.Put("postgres|orders", 1234)
		require.NoError(t, cache.save())

		again, err := loadRowCountCache(path, "postgres://a")
		require.NoError(t, err)
		n, ok := again.Get("postgres|orders")
		require.True(t, ok)
		assert.Equal(t, int64(1234), n)

		other, err := loadRowCountCache(path, "postgres://b")
		require.NoError(t, err)
		_, ok = other.Get("postgres|orders")
		assert.False(t, ok, "entries are scoped to the DSN")
	})

	t.Run("entries expire", func(t *testing.T) {
		cache, err := loadRowCountCache(path, "postgres://a")
		require.NoError(t, err)
		cache.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
		_, ok := cache.Get("postgres|orders")
		assert.False(t, ok)
	})

	t.Run("expired entries are dropped on load", func(t *testing.T) {
		cache, err := loadRowCountCache(path, "postgres://a")
		require.NoError(t, err)
		cache.Counts[cache.key("stale")] = RowCountEntry{Count: 1, Timestamp: time.Now().Add(-48 * time.Hour)}
		cache.dirty = true
		require.NoError(t, cache.save())

		again, err := loadRowCountCache(path, "postgres://a")
		require.NoError(t, err)
		_, ok := again.Counts[again.key("stale")]
		assert.False(t, ok)
	})

	t.Run("corrupted file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		cache, err := loadRowCountCache(path, "postgres://a")
		require.NoError(t, err)
		assert.Empty(t, cache.Counts)
	})
}

func TestGetCachePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, filepath.Join(home, ".data-compare", "cache", "row_counts.json"), getCachePath())
}
