package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// IdempotencyEntry is one cached response.
type IdempotencyEntry struct {
	Key       string
	ToolName  string
	Hash      string
	Response  json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IdempotencyCache deduplicates tool invocations by client-supplied key. A
// hit requires the tool name and request hash to match the stored entry; a
// key reused for a different call is treated as a miss so a cached response
// never leaks across calls.
type IdempotencyCache struct {
	defaultTTL time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*IdempotencyEntry

	done chan struct{}
	once sync.Once

	now func() time.Time
}

// NewIdempotencyCache constructs the cache. Call Start to run the background
// sweep and Close on shutdown.
func NewIdempotencyCache(defaultTTL, sweepEvery time.Duration, logger *slog.Logger) *IdempotencyCache {
	return &IdempotencyCache{
		defaultTTL: defaultTTL,
		sweepEvery: sweepEvery,
		logger:     logger.With("component", "idempotency_cache"),
		entries:    make(map[string]*IdempotencyEntry),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// HashRequest produces the canonical hash of a request payload. Marshalling
// through encoding/json sorts map keys, so equal argument sets hash equally
// regardless of client field order.
func HashRequest(args interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached response for key if the tool name and request
// hash match a live entry. Expired entries are deleted on sight.
func (c *IdempotencyCache) Lookup(key, toolName, hash string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.ExpiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	if e.ToolName != toolName || e.Hash != hash {
		c.logger.Warn("Idempotency key reused for a different request, treating as miss.",
			slog.String("key", key),
			slog.String("stored_tool", e.ToolName),
			slog.String("requested_tool", toolName))
		return nil, false
	}
	return e.Response, true
}

// Store caches a completed response under key. ttl <= 0 uses the default.
func (c *IdempotencyCache) Store(key, toolName, hash string, response json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &IdempotencyEntry{
		Key:       key,
		ToolName:  toolName,
		Hash:      hash,
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Len reports the number of cached entries, expired or not.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start launches the periodic sweep of expired entries.
func (c *IdempotencyCache) Start() {
	go func() {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.done:
				return
			}
		}
	}()
}

// Close stops the background sweep.
func (c *IdempotencyCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *IdempotencyCache) sweep() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Debug("Swept expired idempotency entries.",
			slog.Int("removed", removed),
			slog.Int("remaining", remaining))
	}
}
