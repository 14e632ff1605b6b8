package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache[[]string], *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c := New[[]string](time.Second)
	c.now = func() time.Time { return now }
	t.Cleanup(c.Stop)
	return c, &now
}

func TestCache_Expiry(t *testing.T) {
	c, now := newTestCache(t)

	c.Set("rooms", []string{"lobby"})
	v, ok := c.Get("rooms")
	require.True(t, ok)
	assert.Equal(t, []string{"lobby"}, v)

	*now = now.Add(time.Second)
	_, ok = c.Get("rooms")
	assert.False(t, ok)

	c.removeExpired()
	assert.Equal(t, 0, c.Stats().Size)
	assert.Equal(t, uint64(1), c.Stats().Hits)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCache_GetOrSet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"lobby", "standup"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrSet(ctx, "rooms", load)
		require.NoError(t, err)
		assert.Len(t, v, 2)
	}
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err := c.GetOrSet(ctx, "room:x", func(context.Context) ([]string, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("room:x")
	assert.False(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("room:a", nil)
	c.Set("room:b", nil)
	c.Set("rooms", nil)

	c.Invalidate("room:")
	assert.Equal(t, 1, c.Stats().Size)

	c.Invalidate("")
	assert.Equal(t, 0, c.Stats().Size)
	c.Stop()
}
