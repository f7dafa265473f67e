package tokenizer

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the per-word BPE cache.
const DefaultCacheSize = 16384

// Cache memoises BPE output per word. Keys are the lowercased, trimmed word;
// values are the space-joined merged fragments. It is safe for concurrent use:
// two callers racing on the same word both compute the same value and the
// second Add simply overwrites it.
type Cache struct {
	entries *lru.Cache[string, string]
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewCache creates a cache holding at most size words.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: new cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns the cached fragment string for word.
func (c *Cache) Get(word string) (string, bool) {
	v, ok := c.entries.Get(word)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Put stores the fragment string for word.
func (c *Cache) Put(word, fragments string) {
	c.entries.Add(word, fragments)
}

// Len returns the number of cached words.
func (c *Cache) Len() int { return c.entries.Len() }

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Entries: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}
