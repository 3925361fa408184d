package mint

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const cacheTTL = time.Minute * 30

// Cache stores responses to signing requests so that a wallet retrying
// a request after a dropped connection gets the same signatures back
// instead of an already-signed error.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	response []byte
	expiry   time.Time
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

func cacheKey(path string, body []byte) string {
	hash := sha256.Sum256(append([]byte(path), body...))
	return hex.EncodeToString(hash[:])
}

func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiry) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.response, true
}

func (c *Cache) Set(key string, response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// drop expired entries while writing
	now := time.Now()
	for k, entry := range c.entries {
		if now.After(entry.expiry) {
			delete(c.entries, k)
		}
	}

	c.entries[key] = cacheEntry{response: response, expiry: now.Add(cacheTTL)}
}
