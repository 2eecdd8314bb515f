package xlru

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	c := New[string, int](3, 0)
	c.SetDefault("a", 1)
	c.SetDefault("b", 2)
	c.SetDefault("c", 3)

	// touch a and b so c becomes the least-recently-used entry
	_, _ = c.Get("a")
	_, _ = c.Get("b")

	c.SetDefault("d", 4) // capacity+1 insert

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	_, cOK := c.Get("c")
	_, dOK := c.Get("d")

	assert.True(t, aOK)
	assert.True(t, bOK)
	assert.False(t, cOK, "least-recently-used entry must be evicted")
	assert.True(t, dOK)
}

func TestGetImmediatelyAfterSetSucceeds(t *testing.T) {
	t.Parallel()
	c := New[string, int](10, 0)
	c.Set("k", 42, 50*time.Millisecond)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestTTLExpiresEntry(t *testing.T) {
	t.Parallel()
	c := New[string, int](10, 0)
	c.Set("k", 42, 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok, "entry must be absent once its ttl has elapsed")
}

func TestCleanupExpiredRemovesStaleEntries(t *testing.T) {
	t.Parallel()
	c := New[string, int](10, 0)
	c.Set("stale", 1, 10*time.Millisecond)
	c.SetDefault("fresh", 2)
	time.Sleep(30 * time.Millisecond)

	c.CleanupExpired()

	assert.Equal(t, 1, c.Len())
	_, freshOK := c.Get("fresh")
	assert.True(t, freshOK)
}

func TestClearDropsAllEntries(t *testing.T) {
	t.Parallel()
	c := New[string, int](10, 0)
	c.SetDefault("a", 1)
	c.SetDefault("b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestEvictionCountTracksCapacityEvictions(t *testing.T) {
	t.Parallel()
	c := New[string, int](1, 0)
	assert.Equal(t, uint64(0), c.EvictionCount())
	c.SetDefault("a", 1)
	c.SetDefault("b", 2) // evicts "a"
	assert.Equal(t, uint64(1), c.EvictionCount())
}
