package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"landwatch/models"
	"landwatch/utils"
)

// Cache is a TTL-bounded, durable store of crawl results keyed by
// complexID_tradeType. Saves are write-back batched: Set marks the cache
// dirty and a physical write only happens when the minimum save interval
// has elapsed; Flush forces one. All public methods are safe for
// concurrent use.
type Cache struct {
	mu sync.Mutex

	path            string
	ttl             time.Duration
	maxEntries      int
	minSaveInterval time.Duration

	entries  map[string]models.CacheEntry
	dirty    bool
	lastSave time.Time

	logger *utils.Logger
}

// Key builds the cache key for a complex and trade type.
func Key(complexID string, tt models.TradeType) string {
	return complexID + "_" + tt.Code()
}

// New creates a Cache backed by the JSON file at path and loads any
// surviving entries from it (or from its .backup sibling).
func New(path string, ttl time.Duration, maxEntries int, logger *utils.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}

	c := &Cache{
		path:            path,
		ttl:             ttl,
		maxEntries:      maxEntries,
		minSaveInterval: 5 * time.Second,
		entries:         make(map[string]models.CacheEntry),
		logger:          logger,
	}
	c.load()
	return c, nil
}

// Get returns the cached listing set for key if it is still inside the TTL
// window. Expired entries are evicted and reported as absent.
func (c *Cache) Get(key string) ([]models.ListingRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.CachedAt) >= c.ttl {
		delete(c.entries, key)
		c.dirty = true
		return nil, false
	}
	return entry.RawItems, true
}

// Set stores a fresh listing set under key and schedules a save.
func (c *Cache) Set(key string, items []models.ListingRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = models.CacheEntry{CachedAt: time.Now(), RawItems: items}
	c.enforceCapLocked()
	c.dirty = true
	c.maybeSaveLocked()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush forces an immediate physical write of any pending changes.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}
	return c.saveLocked()
}

func (c *Cache) maybeSaveLocked() {
	if time.Since(c.lastSave) < c.minSaveInterval {
		return
	}
	if err := c.saveLocked(); err != nil {
		c.logger.Error("[cache] save failed: %v", err)
	}
}

// saveLocked writes the cache file atomically: the live file is first
// copied to a .backup sibling (best-effort), the new JSON goes to a temp
// file in the same directory, and the temp file is renamed over the live
// path. A crash mid-write therefore never corrupts the live cache.
func (c *Cache) saveLocked() error {
	if data, err := os.ReadFile(c.path); err == nil {
		if err := os.WriteFile(c.backupPath(), data, 0644); err != nil {
			c.logger.Warn("[cache] backup write failed: %v", err)
		}
	}

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: close temp: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: rename: %w", err)
	}

	c.dirty = false
	c.lastSave = time.Now()
	return nil
}

// load reads the primary file, falling back to the backup on read or parse
// failure. A successful backup recovery immediately re-saves to repair the
// primary. Entries past their TTL are dropped at load time.
func (c *Cache) load() {
	entries, err := readEntries(c.path)
	if err != nil {
		c.logger.Warn("[cache] primary load failed (%v) — trying backup", err)
		entries, err = readEntries(c.backupPath())
		if err != nil {
			c.logger.Warn("[cache] backup load failed too (%v) — starting empty", err)
			return
		}
		c.entries = c.filterTTL(entries)
		c.enforceCapLocked()
		if err := c.saveLocked(); err != nil {
			c.logger.Error("[cache] repair save failed: %v", err)
		}
		c.logger.Info("[cache] recovered %d entries from backup", len(c.entries))
		return
	}

	c.entries = c.filterTTL(entries)
	c.enforceCapLocked()
	c.logger.Debug("[cache] loaded %d live entries from %s", len(c.entries), c.path)
}

func readEntries(path string) (map[string]models.CacheEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]models.CacheEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Cache) filterTTL(entries map[string]models.CacheEntry) map[string]models.CacheEntry {
	live := make(map[string]models.CacheEntry, len(entries))
	for k, e := range entries {
		if time.Since(e.CachedAt) < c.ttl {
			live[k] = e
		}
	}
	return live
}

// enforceCapLocked evicts the oldest entries until the cap holds.
func (c *Cache) enforceCapLocked() {
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		oldestKey := ""
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.CachedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.CachedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) backupPath() string {
	return c.path + ".backup"
}
