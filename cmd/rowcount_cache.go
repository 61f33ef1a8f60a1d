package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

const rowCountTTL = 24 * time.Hour

// RowCountCache persists COUNT(*) results between CLI invocations so repeated
// schema analyses of large sources stay cheap. Entries expire after 24 hours.
type RowCountCache struct {
	Counts map[string]RowCountEntry `json:"counts"`

	mu        sync.Mutex
	path      string
	namespace string
	dirty     bool
	now       func() time.Time
}

type RowCountEntry struct {
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

func getCachePath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".data-compare", "cache", "row_counts.json")
}

// loadRowCountCache reads the cache at path. Counts are namespaced by a hash of
// the DSN so two databases never share entries. A missing or corrupted file
// yields an empty cache.
func loadRowCountCache(path, dsn string) (*RowCountCache, error) {
	cache := &RowCountCache{
		Counts:    make(map[string]RowCountEntry),
		path:      path,
		namespace: fmt.Sprintf("%016x", xxh3.HashString(dsn)),
		now:       time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cache, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cache); err != nil || cache.Counts == nil {
		cache.Counts = make(map[string]RowCountEntry)
	}
	cache.cleanExpired()
	return cache, nil
}

func (c *RowCountCache) key(k string) string {
	return c.namespace + "|" + k
}

// Get returns a cached count that has not expired.
func (c *RowCountCache) Get(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.Counts[c.key(key)]
	if !exists {
		return 0, false
	}
	if c.now().Sub(entry.Timestamp) > rowCountTTL {
		delete(c.Counts, c.key(key))
		c.dirty = true
		return 0, false
	}
	return entry.Count, true
}

func (c *RowCountCache) Put(key string, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Counts[c.key(key)] = RowCountEntry{Count: count, Timestamp: c.now()}
	c.dirty = true
}

func (c *RowCountCache) cleanExpired() {
	for k, entry := range c.Counts {
		if c.now().Sub(entry.Timestamp) > rowCountTTL {
			delete(c.Counts, k)
			c.dirty = true
		}
	}
}

// save writes the cache back if it changed.
func (c *RowCountCache) save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return err
	}
	c.dirty = false
	return nil
}
