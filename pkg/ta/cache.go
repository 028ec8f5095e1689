package ta

import (
	"fmt"
	"sync"
	"time"
)

// Cache memoizes Calculate results by (symbol, timeframe, indicator identity,
// last-bar timestamp). A new bar changes the timestamp and so invalidates the
// entry; only the latest window per identity is retained, which keeps the map
// bounded by the number of configured indicators.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	lastBar time.Time
	result  Result
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

func cacheKey(symbol, interval string, cfg Config) string {
	return fmt.Sprintf("%s|%s|%s", symbol, interval, cfg.Key())
}

// Get returns the memoized result when the window's last bar matches.
func (c *Cache) Get(symbol, interval string, cfg Config, lastBar time.Time) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(symbol, interval, cfg)]
	if !ok || !entry.lastBar.Equal(lastBar) {
		return Result{}, false
	}
	return entry.result, true
}

// Put stores a result, replacing any older window for the same identity.
func (c *Cache) Put(symbol, interval string, cfg Config, lastBar time.Time, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(symbol, interval, cfg)] = cacheEntry{lastBar: lastBar, result: result}
}
