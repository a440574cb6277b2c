package preference

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/cache"
	"github.com/courierd/courierd/internal/notification"
)

// countingRepo tracks how often the backing store is hit.
type countingRepo struct {
	*stubRepo
	gets int
}

func (r *countingRepo) Get(ctx context.Context, userID string, t notification.Type, c notification.Channel) (*Preference, error) {
	r.gets++
	return r.stubRepo.Get(ctx, userID, t, c)
}

func newCachedRepo(t *testing.T) (*CachedRepository, *countingRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	inner := &countingRepo{stubRepo: newStubRepo()}
	return NewCachedRepository(inner, cache.New(client, "preferences", time.Minute)), inner
}

func TestCachedGetHitsStoreOnce(t *testing.T) {
	repo, inner := newCachedRepo(t)
	ctx := context.Background()
	require.NoError(t, inner.Upsert(ctx, Preference{
		UserID: "u1", Type: notification.TypeAlert, Channel: notification.ChannelEmail,
		Enabled: true, Frequency: FrequencyImmediate, Timezone: "UTC",
	}))

	for i := 0; i < 3; i++ {
		p, err := repo.Get(ctx, "u1", notification.TypeAlert, notification.ChannelEmail)
		require.NoError(t, err)
		assert.True(t, p.Enabled)
		assert.Equal(t, FrequencyImmediate, p.Frequency)
	}
	assert.Equal(t, 1, inner.gets)
}

func TestCachedUpsertInvalidates(t *testing.T) {
	repo, inner := newCachedRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, Preference{
		UserID: "u1", Type: notification.TypeAlert, Channel: notification.ChannelEmail,
		Enabled: true, Frequency: FrequencyImmediate, Timezone: "UTC",
	}))

	p, err := repo.Get(ctx, "u1", notification.TypeAlert, notification.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, p.Enabled)

	// The write drops the cached entry; the next read sees the new value.
	require.NoError(t, repo.Upsert(ctx, Preference{
		UserID: "u1", Type: notification.TypeAlert, Channel: notification.ChannelEmail,
		Enabled: false, Frequency: FrequencyDisabled, Timezone: "UTC",
	}))

	p, err = repo.Get(ctx, "u1", notification.TypeAlert, notification.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, p.Enabled)
	assert.Equal(t, FrequencyDisabled, p.Frequency)
	assert.Equal(t, 2, inner.gets)
}

func TestCachedGetMissPassesThrough(t *testing.T) {
	repo, inner := newCachedRepo(t)
	ctx := context.Background()

	_, err := repo.Get(ctx, "ghost", notification.TypeAlert, notification.ChannelEmail)
	assert.ErrorIs(t, err, ErrNotFound)

	// Misses are not cached: seeding the store makes the row visible
	// without any invalidation.
	require.NoError(t, inner.Upsert(ctx, Preference{
		UserID: "ghost", Type: notification.TypeAlert, Channel: notification.ChannelEmail,
		Enabled: true, Frequency: FrequencyImmediate, Timezone: "UTC",
	}))
	p, err := repo.Get(ctx, "ghost", notification.TypeAlert, notification.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, p.Enabled)
}
