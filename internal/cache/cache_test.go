package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test", time.Minute), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", entry{Name: "a", Count: 3}))

	var got entry
	require.NoError(t, c.Get(ctx, "k1", &got))
	assert.Equal(t, entry{Name: "a", Count: 3}, got)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	var got entry
	err := c.Get(context.Background(), "absent", &got)
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCorruptEntryDropsAndMisses(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("courierd:cache:test:bad", "not json"))

	var got entry
	assert.ErrorIs(t, c.Get(ctx, "bad", &got), ErrMiss)
	assert.False(t, mr.Exists("courierd:cache:test:bad"))
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", entry{Name: "a"}))
	require.NoError(t, c.Invalidate(ctx, "k1"))

	var got entry
	assert.ErrorIs(t, c.Get(ctx, "k1", &got), ErrMiss)
	assert.Equal(t, int64(1), c.Stats().Deletes)
}

func TestGetOrLoad(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	loads := 0
	load := func(context.Context) (any, error) {
		loads++
		return entry{Name: "loaded", Count: loads}, nil
	}

	var got entry
	require.NoError(t, c.GetOrLoad(ctx, "k1", &got, load))
	assert.Equal(t, entry{Name: "loaded", Count: 1}, got)

	// The second read is served from cache; load does not run again.
	var again entry
	require.NoError(t, c.GetOrLoad(ctx, "k1", &again, load))
	assert.Equal(t, got, again)
	assert.Equal(t, 1, loads)
}

func TestGetOrLoadPassesLoadErrors(t *testing.T) {
	c, _ := newTestCache(t)
	sentinel := errors.New("record not found")

	var got entry
	err := c.GetOrLoad(context.Background(), "k1", &got, func(context.Context) (any, error) {
		return nil, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", entry{Name: "a"}))
	mr.FastForward(2 * time.Minute)

	var got entry
	assert.ErrorIs(t, c.Get(ctx, "k1", &got), ErrMiss)
}

func TestHitRate(t *testing.T) {
	assert.Equal(t, float64(0), Stats{}.HitRate())
	assert.Equal(t, 0.75, Stats{Hits: 3, Misses: 1}.HitRate())
}
