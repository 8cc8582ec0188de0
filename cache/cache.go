// Package cache provides the bounded generation-result cache. Keys
// carry the generation mode and strength so txt2img and img2img
// requests with identical prompt/model/size never collide.
package cache

import (
	"fmt"
	"sync"
)

// keyPromptPrefix caps the prompt's contribution to the cache key.
const keyPromptPrefix = 100

// Key builds the composite cache key for a generation request.
// A nil strength is encoded distinctly from any numeric value.
func Key(prompt, model, size string, strength *float64, mode string) string {
	if len(prompt) > keyPromptPrefix {
		prompt = prompt[:keyPromptPrefix]
	}
	strengthPart := "none"
	if strength != nil {
		strengthPart = fmt.Sprintf("%.2f", *strength)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", prompt, model, size, strengthPart, mode)
}

// Cache is a bounded insertion-ordered result cache. When an insert
// exceeds the maximum size, the oldest half of the entries is evicted
// in one pass, which amortizes eviction cost across many insertions
// instead of evicting on every insert past the limit.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]string
	order   []string
}

// New creates a cache bounded at maxSize entries. Non-positive sizes
// fall back to a small default.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 20
	}
	return &Cache{
		maxSize: maxSize,
		entries: make(map[string]string, maxSize),
	}
}

// Get returns the cached payload for key, if present.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.entries[key]
	return payload, ok
}

// Put stores a payload, evicting the oldest half when the cache is
// full. The inserted entry is always retained.
func (c *Cache) Put(key, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = payload
		return
	}

	if len(c.entries) >= c.maxSize {
		keep := c.maxSize / 2
		if keep < 1 {
			keep = 1
		}
		evict := len(c.order) - keep + 1
		if evict < 0 {
			evict = 0
		}
		for _, old := range c.order[:evict] {
			delete(c.entries, old)
		}
		c.order = append([]string(nil), c.order[evict:]...)
	}

	c.entries[key] = payload
	c.order = append(c.order, key)
}

// Remove drops a key, used when a cached payload fails to deliver
// downstream so the next identical request regenerates.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
