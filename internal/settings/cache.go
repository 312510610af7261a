package settings

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Source loads the full settings table. Implemented by PGSource in production
// and by fakes in tests.
type Source interface {
	LoadAll(ctx context.Context) ([]Setting, error)
}

// Reader is the read-only view dependents receive. Lookups are O(1) and never
// touch the database.
type Reader interface {
	Get(category, key string) (Setting, bool)
}

type snapshot struct {
	values   map[string]Setting
	loadedAt time.Time
}

// Cache holds the process-wide settings snapshot. Load replaces the whole
// snapshot atomically, so concurrent readers either see the previous complete
// state or the new complete state, never a partial one.
type Cache struct {
	source Source

	loadMu sync.Mutex // serializes Load/Reload against themselves
	snap   atomic.Pointer[snapshot]
}

// NewCache constructs an unloaded cache over the given source.
func NewCache(source Source) *Cache {
	return &Cache{source: source}
}

func cacheKey(category, key string) string { return category + "\x00" + key }

// Load fetches all settings and swaps them in. The first Load must succeed
// before any dependent validation runs; callers treat a failure here as fatal
// at startup. Subsequent calls act as a full reload.
func (c *Cache) Load(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	all, err := c.source.LoadAll(ctx)
	if err != nil {
		return err
	}
	values := make(map[string]Setting, len(all))
	for _, s := range all {
		// last write wins within one load; (category, key) is unique upstream
		values[cacheKey(s.Category, s.Key)] = s
	}
	c.snap.Store(&snapshot{values: values, loadedAt: time.Now().UTC()})
	return nil
}

// Reload is Load under its intended name for runtime refresh triggers.
func (c *Cache) Reload(ctx context.Context) error { return c.Load(ctx) }

// Loaded reports whether the initial bulk load has completed.
func (c *Cache) Loaded() bool { return c.snap.Load() != nil }

// LoadedAt returns the time of the last successful load.
func (c *Cache) LoadedAt() (time.Time, bool) {
	snap := c.snap.Load()
	if snap == nil {
		return time.Time{}, false
	}
	return snap.loadedAt, true
}

// Get returns the setting for (category, key). The second result is false
// when the key is absent; callers must translate that into a configuration
// error, not a validation failure, unless they document an explicit fallback.
func (c *Cache) Get(category, key string) (Setting, bool) {
	snap := c.snap.Load()
	if snap == nil {
		return Setting{}, false
	}
	s, ok := snap.values[cacheKey(category, key)]
	return s, ok
}

// Len reports the number of cached settings, for diagnostics.
func (c *Cache) Len() int {
	snap := c.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.values)
}

var _ Reader = (*Cache)(nil)
