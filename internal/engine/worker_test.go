package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/delivery"
	"github.com/courierd/courierd/internal/dispatch"
	"github.com/courierd/courierd/internal/notification"
	"github.com/courierd/courierd/internal/preference"
)

func newTestWorker(e *testEngine) *Worker {
	return NewWorker(e.svc, DefaultWorkerConfig(), e.log)
}

func TestWorkerDeliversEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(e.svc, WorkerConfig{Count: 1, IdlePollInterval: 2 * time.Millisecond}, e.log)
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))

	n := e.submit(t)
	require.Eventually(t, func() bool {
		return e.repo.get(t, n.ID).Status == notification.StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	w.Stop()
	w.Stop()
}

func TestWorkerRequeuesAfterEngineFault(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A failing preference store makes Process return an engine fault
	// before any state changes; the worker must put the notification back
	// instead of dropping it, so it keeps coming around.
	e.prefs.setGetErr(errors.New("preference store down"))
	n := e.submit(t)

	w := NewWorker(e.svc, WorkerConfig{Count: 1, IdlePollInterval: 2 * time.Millisecond}, e.log)
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, func() bool {
		return e.prefs.getCalls() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, notification.StatusQueued, e.repo.get(t, n.ID).Status)

	cancel()
	w.Stop()
}

func TestSweepScheduledPromotesDue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e)

	n := e.submit(t, func(req *notification.CreateRequest) {
		at := time.Now().Add(-time.Minute)
		req.ScheduledAt = &at
	})
	// Park it manually with a deadline already in the past.
	require.NoError(t, e.queue.Remove(ctx, n.ID))
	require.NoError(t, e.queue.Schedule(ctx, n.ID, n.Priority, time.Now().Add(-time.Minute)))

	require.NoError(t, w.sweepScheduled(ctx))
	assert.Equal(t, n.ID, e.dequeue(t))
}

func TestSweepRetriesRequeuesDue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e)

	n := e.submit(t)
	require.NoError(t, e.queue.Remove(ctx, n.ID))
	require.NoError(t, e.repo.ScheduleRetry(ctx, n.ID, 1, time.Now().Add(-time.Second), notification.KindTimeout, "timed out"))

	require.NoError(t, w.sweepRetries(ctx))
	assert.Equal(t, notification.StatusQueued, e.repo.get(t, n.ID).Status)
	assert.Equal(t, n.ID, e.dequeue(t))
}

func TestSweepRetriesLeavesFutureDeadlines(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e)

	n := e.submit(t)
	require.NoError(t, e.queue.Remove(ctx, n.ID))
	require.NoError(t, e.repo.ScheduleRetry(ctx, n.ID, 1, time.Now().Add(time.Hour), notification.KindTimeout, "timed out"))

	require.NoError(t, w.sweepRetries(ctx))
	assert.Equal(t, notification.StatusFailedRetryable, e.repo.get(t, n.ID).Status)

	_, ok, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepExpiredTerminatesStale(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e)

	n := e.submit(t)
	stale := e.repo.get(t, n.ID)
	stale.CreatedAt = time.Now().Add(-25 * time.Hour)
	e.repo.put(stale)

	require.NoError(t, w.sweepExpired(ctx))
	assert.Equal(t, notification.StatusExpired, e.repo.get(t, n.ID).Status)

	_, ok, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepBatchesEmitsDigests(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.batcher.Append(ctx, "u1", notification.TypeAlert, notification.ChannelEmail, preference.FrequencyDaily, "disk alert"))

	// Sweep at a user-local midnight so the daily boundary fires.
	boundary := time.Date(2025, 6, 3, 0, 15, 0, 0, time.UTC)
	emitted, err := e.batcher.Sweep(ctx, boundary, e.svc.EmitDigest)
	require.NoError(t, err)
	assert.Equal(t, 1, emitted)

	list, err := e.repo.ListByUser(ctx, "u1", notification.ChannelEmail, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Subject)
	assert.Equal(t, "1 new notifications", *list[0].Subject)
}

func seedUnconfirmed(t *testing.T, e *testEngine, providerID string) *notification.Notification {
	t.Helper()
	n, rec := seedSentRecord(t, e, providerID)
	// Age the record past the reconciliation threshold.
	aged := e.deliveries.get(t, rec.ID)
	aged.CreatedAt = time.Now().Add(-20 * time.Minute)
	e.deliveries.put(aged)
	return n
}

func registerPoller(t *testing.T, e *testEngine, statuses map[string]dispatch.ProviderStatus) {
	t.Helper()
	require.NoError(t, e.adapters.Register(&pollingAdapter{
		fakeAdapter: newFakeAdapter(notification.ChannelEmail),
		statuses:    statuses,
	}))
}

func TestReconcileSettlesDelivered(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e)
	n := seedUnconfirmed(t, e, "prov-7")
	registerPoller(t, e, map[string]dispatch.ProviderStatus{"prov-7": dispatch.ProviderDelivered})

	require.NoError(t, w.reconcile(ctx))

	rec := e.deliveries.byNotification(t, n.ID.String())
	assert.Equal(t, delivery.StatusDelivered, rec.Status)
	assert.Equal(t, notification.StatusDelivered, e.repo.get(t, n.ID).Status)
}

func TestReconcileSettlesFailed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e)
	n := seedUnconfirmed(t, e, "prov-8")
	registerPoller(t, e, map[string]dispatch.ProviderStatus{"prov-8": dispatch.ProviderFailed})

	require.NoError(t, w.reconcile(ctx))

	rec := e.deliveries.byNotification(t, n.ID.String())
	assert.Equal(t, delivery.StatusFailed, rec.Status)
	require.NotNil(t, rec.FailureKind)
	assert.Equal(t, notification.KindRecipientBlocked, *rec.FailureKind)
	assert.Equal(t, notification.StatusFailedFinal, e.repo.get(t, n.ID).Status)
}

func TestReconcileLeavesPending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e)
	n := seedUnconfirmed(t, e, "prov-9")
	registerPoller(t, e, map[string]dispatch.ProviderStatus{"prov-9": dispatch.ProviderPending})

	require.NoError(t, w.reconcile(ctx))

	rec := e.deliveries.byNotification(t, n.ID.String())
	assert.Equal(t, delivery.StatusSent, rec.Status)
	assert.Equal(t, notification.StatusSent, e.repo.get(t, n.ID).Status)
}

func TestPoolSizeDerivation(t *testing.T) {
	assert.Equal(t, 6, WorkerConfig{Count: 6}.poolSize())
	assert.Positive(t, WorkerConfig{IOMultiplier: 2}.poolSize())
	assert.Positive(t, WorkerConfig{}.poolSize())
}
