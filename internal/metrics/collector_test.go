package metrics

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/notification"
)

func newTestCollector(t *testing.T) (*Collector, *Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(client)
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewCollector(store, log), store, mr
}

func TestFlushWritesBufferedPoints(t *testing.T) {
	c, store, _ := newTestCollector(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.TrackSent(notification.ChannelEmail, notification.TypeAlert)
	c.TrackSent(notification.ChannelEmail, notification.TypeAlert)
	require.NoError(t, c.Flush(ctx))

	total, err := store.Sum(ctx, MetricSent,
		map[string]string{"channel": "email", "type": "alert"},
		now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, float64(2), total)

	usage, err := store.Sum(ctx, MetricChannelUsage,
		map[string]string{"channel": "email"},
		now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, float64(2), usage)
}

func TestFlushFailureRebuffers(t *testing.T) {
	c, store, mr := newTestCollector(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.TrackRateLimited(notification.ChannelSMS)
	mr.Close()
	require.Error(t, c.Flush(context.Background()))

	// The batch survives the outage and lands on the next flush.
	mr2 := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr2.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c.store = NewStore(client)
	require.NoError(t, c.Flush(context.Background()))

	total, err := c.store.Sum(context.Background(), MetricRateLimited,
		map[string]string{"channel": "sms"}, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, float64(1), total)
	_ = store
}

func TestTrackDeliveredRecordsLatency(t *testing.T) {
	c, store, _ := newTestCollector(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.TrackDelivered(notification.ChannelPush, notification.TypeMessage, "u1", 750*time.Millisecond)
	require.NoError(t, c.Flush(ctx))

	values, err := store.Values(ctx, MetricDeliveryTime,
		map[string]string{"channel": "push", "type": "message", "user_bucket": UserBucket("u1")},
		now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []float64{750}, values)

	counted, err := store.Sum(ctx, MetricDelivered,
		map[string]string{"channel": "push", "type": "message"},
		now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, float64(1), counted)
}

func TestUserBucketIsStableAndBounded(t *testing.T) {
	assert.Equal(t, UserBucket("u1"), UserBucket("u1"))
	for _, id := range []string{"", "u1", "u2", "someone-else"} {
		b := UserBucket(id)
		assert.Regexp(t, `^b[0-7]$`, b)
	}
}

func TestTrackFailedSplitsByKind(t *testing.T) {
	c, store, _ := newTestCollector(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.TrackFailed(notification.ChannelEmail, notification.TypeAlert, notification.KindTimeout)
	c.TrackFailed(notification.ChannelEmail, notification.TypeAlert, notification.KindTimeout)
	c.TrackFailed(notification.ChannelEmail, notification.TypeAlert, notification.KindRateLimited)
	require.NoError(t, c.Flush(ctx))

	timeouts, err := store.Sum(ctx, MetricErrors,
		map[string]string{"channel": "email", "error_type": "timeout"},
		now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, float64(2), timeouts)
}

func TestTrackReadScoresEngagement(t *testing.T) {
	c, store, _ := newTestCollector(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.TrackRead(notification.ChannelInApp, 30*time.Second)
	require.NoError(t, c.Flush(ctx))

	scores, err := store.Values(ctx, MetricEngagement,
		map[string]string{"channel": "in_app"}, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []float64{100}, scores)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	c, store, _ := newTestCollector(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.TrackBlocked(notification.ChannelEmail, notification.TypeMarketing, "disabled by default")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	total, err := store.Sum(context.Background(), MetricBlocked,
		map[string]string{"channel": "email", "type": "marketing", "reason": "disabled by default"},
		now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, float64(1), total)
}
