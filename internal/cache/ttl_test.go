package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("online", 3, 5*time.Second)
	got, ok := c.Get("online")
	assert.True(t, ok)
	assert.Equal(t, 3, got)

	now = now.Add(5 * time.Second)
	_, ok = c.Get("online")
	assert.False(t, ok)
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("k", 1, 0)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTTLCachePurge(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Purge()
	_, ok := c.Get("a")
	assert.False(t, ok)
}
