package snapshot

import "marketdash/internal/model"

// Cache remembers the last known series per selection so revisiting a pair
// within a session seeds instantly. Entries never expire; they are
// superseded by writes. Implementations need not be goroutine-safe: the
// session controller only touches its cache from its own event loop.
type Cache interface {
	Get(key model.SelectionKey) (model.Series, bool)
	Put(key model.SelectionKey, series model.Series)
	Len() int
}

// MemoryCache is a map-backed Cache keyed by "{symbol}_{interval}".
type MemoryCache struct {
	entries map[string]model.Series
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]model.Series)}
}

// Get returns a copy of the cached series.
func (c *MemoryCache) Get(key model.SelectionKey) (model.Series, bool) {
	s, ok := c.entries[key.String()]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Put stores a copy of series, replacing any previous entry. Empty series
// are not cached so a later visit fetches again.
func (c *MemoryCache) Put(key model.SelectionKey, series model.Series) {
	if len(series) == 0 {
		return
	}
	c.entries[key.String()] = series.Clone()
}

// Len returns the number of cached selections.
func (c *MemoryCache) Len() int { return len(c.entries) }
