package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/courierd/courierd/internal/delivery"
	"github.com/courierd/courierd/internal/dispatch"
	"github.com/courierd/courierd/internal/notification"
)

// WorkerConfig tunes the pool and its background sweepers.
type WorkerConfig struct {
	// Count of concurrent delivery goroutines. 0 derives the count from
	// the CPU count and IOMultiplier.
	Count        int
	IOMultiplier int

	ScheduledSweepInterval time.Duration
	RetrySweepInterval     time.Duration
	BatchSweepInterval     time.Duration
	ExpirySweepInterval    time.Duration
	ReconcileInterval      time.Duration

	// IdlePollInterval is how long a worker sleeps after finding every
	// tier empty.
	IdlePollInterval time.Duration
}

// DefaultWorkerConfig returns the production sweep cadence.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Count:                  0,
		IOMultiplier:           4,
		ScheduledSweepInterval: time.Second,
		RetrySweepInterval:     5 * time.Second,
		BatchSweepInterval:     time.Minute,
		ExpirySweepInterval:    time.Minute,
		ReconcileInterval:      5 * time.Minute,
		IdlePollInterval:       250 * time.Millisecond,
	}
}

func (c WorkerConfig) poolSize() int {
	if c.Count > 0 {
		return c.Count
	}
	mult := c.IOMultiplier
	if mult <= 0 {
		mult = 4
	}
	return runtime.NumCPU() * mult
}

const retrySweepBatch = 100

// Worker drains the queue with a goroutine pool and runs the periodic
// sweepers: scheduled promotion, due retries, batch digests, stale
// expiry, and provider reconciliation.
type Worker struct {
	svc *Service
	cfg WorkerConfig
	log *logrus.Entry

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWorker creates a worker pool over the engine core.
func NewWorker(svc *Service, cfg WorkerConfig, log *logrus.Logger) *Worker {
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 250 * time.Millisecond
	}
	return &Worker{
		svc: svc,
		cfg: cfg,
		log: log.WithField("component", "worker"),
	}
}

// Start launches the pool and the sweepers. Safe to call once; a second
// call while running is an error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return errors.New("worker already running")
	}
	w.isRunning = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	size := w.cfg.poolSize()
	w.log.WithField("pool_size", size).Info("starting delivery workers")

	for i := 0; i < size; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		w.wg.Add(1)
		go w.processLoop(ctx, workerID)
	}

	w.startSweeper(ctx, "scheduled", w.cfg.ScheduledSweepInterval, w.sweepScheduled)
	w.startSweeper(ctx, "retry", w.cfg.RetrySweepInterval, w.sweepRetries)
	w.startSweeper(ctx, "batch", w.cfg.BatchSweepInterval, w.sweepBatches)
	w.startSweeper(ctx, "expiry", w.cfg.ExpirySweepInterval, w.sweepExpired)
	w.startSweeper(ctx, "reconcile", w.cfg.ReconcileInterval, w.reconcile)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.svc.collector.Run(ctx)
	}()

	return nil
}

// Stop signals every goroutine and waits for in-flight deliveries to
// finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("delivery workers stopped")
}

// processLoop pulls one notification at a time and runs the pipeline.
func (w *Worker) processLoop(ctx context.Context, workerID string) {
	defer w.wg.Done()
	log := w.log.WithField("worker_id", workerID)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		id, ok, err := w.svc.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("failed to dequeue notification")
			w.captureError(err, workerID, "dequeue")
			w.idle(ctx)
			continue
		}
		if !ok {
			w.idle(ctx)
			continue
		}

		if err := w.svc.Process(ctx, workerID, id); err != nil {
			log.WithError(err).WithField("notification_id", id).Error("failed to process notification")
			w.captureError(err, workerID, "process")
			// Engine faults leave the record in Pending or Queued;
			// re-enqueue so another worker retries after the lock expires.
			prio := notification.PriorityNormal
			if n, lookupErr := w.svc.repo.GetByID(context.WithoutCancel(ctx), id); lookupErr == nil {
				prio = n.Priority
			}
			if requeueErr := w.svc.queue.Enqueue(context.WithoutCancel(ctx), id, prio); requeueErr != nil {
				log.WithError(requeueErr).Error("failed to re-enqueue after fault")
			}
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	select {
	case <-time.After(w.cfg.IdlePollInterval):
	case <-w.stopCh:
	case <-ctx.Done():
	}
}

// startSweeper runs fn on a fixed ticker until stop.
func (w *Worker) startSweeper(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log := w.log.WithField("sweeper", name)

		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.WithError(err).Error("sweep failed")
					w.captureError(err, name, "sweep")
				}
			}
		}
	}()
}

// sweepScheduled promotes due entries from the scheduled set.
func (w *Worker) sweepScheduled(ctx context.Context) error {
	promoted, err := w.svc.queue.PromoteScheduled(ctx, w.svc.now())
	if err != nil {
		return err
	}
	if promoted > 0 {
		w.log.WithField("promoted", promoted).Debug("promoted scheduled notifications")
	}
	return nil
}

// sweepRetries re-queues Failed-Retryable records whose backoff deadline
// has passed.
func (w *Worker) sweepRetries(ctx context.Context) error {
	due, err := w.svc.repo.GetDueRetries(ctx, w.svc.now(), retrySweepBatch)
	if err != nil {
		return err
	}
	for _, n := range due {
		if err := w.svc.repo.MarkQueued(ctx, n.ID); err != nil {
			if errors.Is(err, notification.ErrNotFound) {
				continue
			}
			return err
		}
		if err := w.svc.queue.Enqueue(ctx, n.ID, n.Priority); err != nil {
			return err
		}
	}
	if len(due) > 0 {
		w.log.WithField("requeued", len(due)).Debug("requeued due retries")
	}
	return nil
}

// sweepBatches emits digests whose user-local boundary has passed.
func (w *Worker) sweepBatches(ctx context.Context) error {
	emitted, err := w.svc.batcher.Sweep(ctx, w.svc.now(), w.svc.EmitDigest)
	if err != nil {
		return err
	}
	if emitted > 0 {
		w.log.WithField("digests", emitted).Info("emitted batch digests")
	}
	return nil
}

// sweepExpired terminates records past the retry age and clears their
// queue entries.
func (w *Worker) sweepExpired(ctx context.Context) error {
	cutoff := w.svc.now().Add(-notification.MaxRetryAge)
	ids, err := w.svc.repo.ExpireStale(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.svc.queue.Remove(ctx, id); err != nil {
			w.log.WithError(err).WithField("notification_id", id).Warn("failed to remove expired notification from queue")
		}
	}
	if len(ids) > 0 {
		w.log.WithField("expired", len(ids)).Info("expired stale notifications")
	}
	return nil
}

const (
	reconcileAge   = 10 * time.Minute
	reconcileBatch = 50
)

// reconcile polls providers for deliveries stuck in Sent and settles
// them either way.
func (w *Worker) reconcile(ctx context.Context) error {
	records, err := w.svc.deliveries.ListUnconfirmed(ctx, reconcileAge, reconcileBatch)
	if err != nil {
		return err
	}

	for _, rec := range records {
		adapter, err := w.svc.adapters.Get(rec.Channel)
		if err != nil {
			continue
		}
		poller, ok := adapter.(dispatch.StatusPoller)
		if !ok || rec.ProviderDeliveryID == nil {
			continue
		}

		status, err := poller.PollStatus(ctx, *rec.ProviderDeliveryID)
		if err != nil {
			w.log.WithError(err).WithField("record_id", rec.ID).Warn("failed to poll provider status")
			continue
		}

		switch status {
		case dispatch.ProviderDelivered:
			now := w.svc.now().UTC()
			if err := w.svc.deliveries.MarkDelivered(ctx, rec.ID, now); err != nil {
				return err
			}
			t := notification.Type("")
			if nid, parseErr := uuid.Parse(rec.NotificationID); parseErr == nil {
				if err := w.svc.repo.MarkDelivered(ctx, nid, now); err != nil && !errors.Is(err, notification.ErrNotFound) {
					return err
				}
				t = w.svc.notificationType(ctx, nid)
			}
			w.svc.collector.TrackDelivered(rec.Channel, t, rec.UserID, now.Sub(rec.CreatedAt))
		case dispatch.ProviderFailed:
			att := delivery.Attempt{
				Timestamp:    w.svc.now().UTC(),
				Status:       delivery.StatusFailed,
				ErrorMessage: notification.Ptr("provider reported failure on reconciliation"),
			}
			kind := notification.KindRecipientBlocked
			if err := w.svc.deliveries.AppendAttempt(ctx, rec.ID, att, delivery.StatusFailed, &kind, nil); err != nil {
				return err
			}
			t := notification.Type("")
			if nid, parseErr := uuid.Parse(rec.NotificationID); parseErr == nil {
				if err := w.svc.repo.MarkFailedFinal(ctx, nid, kind, "provider reported failure"); err != nil && !errors.Is(err, notification.ErrNotFound) {
					return err
				}
				t = w.svc.notificationType(ctx, nid)
			}
			w.svc.collector.TrackFailed(rec.Channel, t, kind)
		}
	}
	return nil
}

// captureError reports worker faults to Sentry on a cloned hub so tags
// never leak across goroutines.
func (w *Worker) captureError(err error, workerID, stage string) {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "worker")
		scope.SetTag("worker_id", workerID)
		scope.SetTag("stage", stage)
	})
	hub.CaptureException(err)
}
