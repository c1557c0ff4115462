package ussd

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultDebounceTTL matches the gateway's observed retry window.
const DefaultDebounceTTL = 10 * time.Second

type debounceEntry struct {
	response string
	storedAt time.Time
}

// DebounceCache replays the last rendered response for a repeated
// (sessionId, input, code) triple so gateway retries stay side-effect
// free. Best effort and in-process only; the reconciler's pending-only
// rule is the durable guard.
type DebounceCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]debounceEntry
}

func NewDebounceCache(ttl time.Duration) *DebounceCache {
	if ttl <= 0 {
		ttl = DefaultDebounceTTL
	}
	return &DebounceCache{
		ttl:     ttl,
		entries: make(map[string]debounceEntry),
	}
}

// Key derives the deterministic cache key for one gateway request.
func (c *DebounceCache) Key(sessionID, input, ussdCode string) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + input + "|" + ussdCode))
	return hex.EncodeToString(sum[:])
}

// Get returns a live cached response for key, if any.
func (c *DebounceCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return entry.response, true
}

// Put stores the rendered response and sweeps expired entries.
func (c *DebounceCache) Put(key, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[key] = debounceEntry{response: response, storedAt: now}
}
