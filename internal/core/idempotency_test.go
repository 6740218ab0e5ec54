package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() (*IdempotencyCache, *time.Time) {
	c := NewIdempotencyCache(time.Hour, 5*time.Minute, testLogger())
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestLookup_HitReturnsStoredResponse(t *testing.T) {
	c, _ := newTestCache()
	resp := json.RawMessage(`{"items":[1,2,3]}`)
	hash := HashRequest(map[string]interface{}{"q": "x"})

	c.Store("key-1", "list_items", hash, resp, 0)

	got, ok := c.Lookup("key-1", "list_items", hash)
	require.True(t, ok)
	assert.Equal(t, resp, got, "cached payload returned byte-identical")
}

func TestLookup_KeyReusedWithDifferentArgs(t *testing.T) {
	c, _ := newTestCache()
	hash1 := HashRequest(map[string]interface{}{"q": "x"})
	hash2 := HashRequest(map[string]interface{}{"q": "y"})
	require.NotEqual(t, hash1, hash2)

	c.Store("key-1", "list_items", hash1, json.RawMessage(`{"a":1}`), 0)

	_, ok := c.Lookup("key-1", "list_items", hash2)
	assert.False(t, ok, "same key with different arguments must miss")

	_, ok = c.Lookup("key-1", "other_tool", hash1)
	assert.False(t, ok, "same key with different tool must miss")
}

func TestLookup_ExpiredEntryDeleted(t *testing.T) {
	c, now := newTestCache()
	hash := HashRequest(nil)
	c.Store("key-1", "t", hash, json.RawMessage(`1`), 10*time.Minute)

	*now = now.Add(11 * time.Minute)
	_, ok := c.Lookup("key-1", "t", hash)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry removed lazily on lookup")
}

func TestStore_TTLOverride(t *testing.T) {
	c, now := newTestCache()
	hash := HashRequest(nil)
	c.Store("short", "t", hash, json.RawMessage(`1`), time.Minute)
	c.Store("long", "t", hash, json.RawMessage(`2`), 0) // default 1h

	*now = now.Add(2 * time.Minute)
	_, ok := c.Lookup("short", "t", hash)
	assert.False(t, ok)
	_, ok = c.Lookup("long", "t", hash)
	assert.True(t, ok)
}

func TestSweep_RemovesExpired(t *testing.T) {
	c, now := newTestCache()
	hash := HashRequest(nil)
	c.Store("a", "t", hash, json.RawMessage(`1`), time.Minute)
	c.Store("b", "t", hash, json.RawMessage(`2`), time.Hour)

	*now = now.Add(2 * time.Minute)
	c.sweep()
	assert.Equal(t, 1, c.Len())
}

func TestHashRequest_CanonicalOverMapOrder(t *testing.T) {
	a := HashRequest(map[string]interface{}{"x": 1, "y": "z"})
	b := HashRequest(map[string]interface{}{"y": "z", "x": 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashRequest(map[string]interface{}{"x": 2, "y": "z"}))
}
