package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsStoredValue(t *testing.T) {
	c := New[string](10, time.Minute)
	c.Set("k", "v")

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestGetMissingKey(t *testing.T) {
	c := New[int](10, time.Minute)
	v, ok := c.Get("nope")
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestExpiredEntryIsEvicted(t *testing.T) {
	c := New[string](10, 10*time.Millisecond)
	c.Set("k", "v")
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	c := New[int](2, time.Minute)
	c.Set("a", 1)
	time.Sleep(time.Millisecond)
	c.Set("b", 2)
	time.Sleep(time.Millisecond)
	c.Set("c", 3)

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry evicted")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New[string](10, time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.InvalidateAll()
	assert.Equal(t, 0, c.Size())
}
