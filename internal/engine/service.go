// Package engine wires the delivery pipeline together: admission,
// queueing, preference evaluation, rendering, recipient resolution,
// rate limiting, circuit breaking, dispatch, outcome recording, and
// retry scheduling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/courierd/courierd/internal/breaker"
	"github.com/courierd/courierd/internal/cache"
	"github.com/courierd/courierd/internal/delivery"
	"github.com/courierd/courierd/internal/directory"
	"github.com/courierd/courierd/internal/dispatch"
	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/notification"
	"github.com/courierd/courierd/internal/preference"
	"github.com/courierd/courierd/internal/queue"
	"github.com/courierd/courierd/internal/ratelimit"
	"github.com/courierd/courierd/internal/template"
)

// ErrNotEligible is returned when a manual retry targets a notification
// that is not in a retryable state.
var ErrNotEligible = errors.New("notification is not eligible for retry")

// lockTTL bounds how long one worker may own a notification.
const lockTTL = 2 * time.Minute

// Service is the delivery engine core shared by the intake API and the
// worker pool.
type Service struct {
	repo       notification.Repository
	queue      queue.Queue
	prefRepo   preference.Repository
	evaluator  *preference.Evaluator
	batcher    *preference.Batcher
	templates  template.Repository
	renderer   *template.Renderer
	deliveries delivery.Repository
	adapters   *dispatch.Registry
	limiter    *ratelimit.Limiter
	breakers   *breaker.Registry
	resolver   directory.Resolver
	collector  *metrics.Collector

	tplCache *cache.Cache

	defaultLanguage string
	log             *logrus.Entry
	now             func() time.Time
}

// Deps carries the collaborators a Service needs.
type Deps struct {
	Repo       notification.Repository
	Queue      queue.Queue
	PrefRepo   preference.Repository
	Batcher    *preference.Batcher
	Templates  template.Repository
	Deliveries delivery.Repository
	Adapters   *dispatch.Registry
	Limiter    *ratelimit.Limiter
	Breakers   *breaker.Registry
	Resolver   directory.Resolver
	Collector  *metrics.Collector

	TplCache *cache.Cache

	DefaultLanguage string
	Log             *logrus.Logger
}

// NewService creates the engine core.
func NewService(d Deps) *Service {
	return &Service{
		repo:            d.Repo,
		queue:           d.Queue,
		prefRepo:        d.PrefRepo,
		evaluator:       preference.NewEvaluator(d.PrefRepo),
		batcher:         d.Batcher,
		templates:       d.Templates,
		renderer:        template.NewRenderer(),
		deliveries:      d.Deliveries,
		adapters:        d.Adapters,
		limiter:         d.Limiter,
		breakers:        d.Breakers,
		resolver:        d.Resolver,
		collector:       d.Collector,
		tplCache:        d.TplCache,
		defaultLanguage: d.DefaultLanguage,
		log:             d.Log.WithField("component", "engine"),
		now:             time.Now,
	}
}

// Submit admits a request, persists the notification, and places it on
// the queue (or parks it in the scheduled set when scheduled_at is in
// the future).
func (s *Service) Submit(ctx context.Context, req notification.CreateRequest) (*notification.Notification, error) {
	now := s.now().UTC()
	n, err := notification.Admit(req, now)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}

	if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
		if err := s.queue.Schedule(ctx, n.ID, n.Priority, *n.ScheduledAt); err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{
			"notification_id": n.ID,
			"scheduled_at":    n.ScheduledAt,
		}).Info("notification scheduled")
		return n, nil
	}

	if err := s.enqueue(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) enqueue(ctx context.Context, n *notification.Notification) error {
	if err := s.repo.MarkQueued(ctx, n.ID); err != nil {
		return err
	}
	n.Status = notification.StatusQueued
	return s.queue.Enqueue(ctx, n.ID, n.Priority)
}

// Get returns one notification with its delivery records.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*notification.Notification, []*delivery.Record, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	records, err := s.deliveries.GetByNotification(ctx, id.String())
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range records {
		full, err := s.deliveries.Get(ctx, rec.ID)
		if err == nil {
			rec.Attempts = full.Attempts
		}
	}
	return n, records, nil
}

// ListByUser returns a page of a user's notifications.
func (s *Service) ListByUser(ctx context.Context, userID string, channel notification.Channel, status notification.Status, limit, offset int) ([]*notification.Notification, error) {
	return s.repo.ListByUser(ctx, userID, channel, status, limit, offset)
}

// Cancel cancels a pending or queued notification and removes it from
// the queue. Returns ErrNotCancellable past that point.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	if err := s.repo.Cancel(ctx, id, reason); err != nil {
		return err
	}
	return s.queue.Remove(ctx, id)
}

// Retry re-queues a failed notification on operator request, resetting
// nothing: the retry count and attempt history stay.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch n.Status {
	case notification.StatusFailedRetryable, notification.StatusFailedFinal:
	default:
		return ErrNotEligible
	}
	return s.requeueFailed(ctx, n)
}

// ReplayFailedFinal re-queues a batch of failed-final notifications,
// oldest first, optionally filtered by channel. Returns the number
// requeued.
func (s *Service) ReplayFailedFinal(ctx context.Context, channel notification.Channel, limit int) (int, error) {
	failed, err := s.repo.ListByStatus(ctx, notification.StatusFailedFinal, channel, limit)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, n := range failed {
		if err := s.requeueFailed(ctx, n); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// requeueFailed is shared by manual retry and failed-final replay.
func (s *Service) requeueFailed(ctx context.Context, n *notification.Notification) error {
	if n.Status == notification.StatusFailedFinal {
		// Failed-final is outside MarkQueued's CAS set; reopen it first.
		if err := s.repo.ScheduleRetry(ctx, n.ID, n.RetryCount, s.now(), notification.KindUnknown, "manual retry"); err != nil {
			return err
		}
	}
	if err := s.repo.MarkQueued(ctx, n.ID); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, n.ID, n.Priority)
}

// Process runs the full pipeline for one dequeued notification. Errors
// returned here are engine faults (storage down); delivery failures are
// absorbed into the record's state.
func (s *Service) Process(ctx context.Context, workerID string, id uuid.UUID) error {
	now := s.now().UTC()

	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			return nil
		}
		return err
	}
	log := s.log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"channel":         n.Channel,
		"worker_id":       workerID,
	})

	// Duplicate dequeue or a cancel that raced the queue.
	if n.Status != notification.StatusPending && n.Status != notification.StatusQueued {
		return nil
	}

	locked, err := s.queue.AcquireLock(ctx, id, workerID, lockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}
	defer func() {
		if err := s.queue.ReleaseLock(context.WithoutCancel(ctx), id, workerID); err != nil {
			log.WithError(err).Warn("failed to release processing lock")
		}
	}()

	// Preference gate.
	decision, err := s.evaluator.Evaluate(ctx, n, now)
	if err != nil {
		return err
	}
	if decision.Action == preference.ActionBlock {
		if err := s.repo.Cancel(ctx, id, decision.Reason); err != nil && !errors.Is(err, notification.ErrNotCancellable) {
			return err
		}
		s.collector.TrackBlocked(n.Channel, n.Type, decision.Reason)
		log.WithField("reason", decision.Reason).Info("notification blocked by preferences")
		return nil
	}

	// Recipient resolution happens before rendering so the template can
	// render in the recipient's locale.
	contact, err := directory.ResolveOrFeed(ctx, s.resolver, n.UserID, n.Channel)
	if err != nil {
		if errors.Is(err, directory.ErrNoAddress) {
			return s.failFinal(ctx, n, notification.KindInvalidRecipient, "no address on file", log)
		}
		// Directory outage: retryable like any transient dependency.
		return s.recordFailure(ctx, n, nil, dispatch.Outcome{
			FailureKind:  notification.KindServiceUnavailable,
			ErrorMessage: notification.Ptr(err.Error()),
		}, 0, log)
	}

	rendered, err := s.render(ctx, n, contact.Locale)
	if err != nil {
		return s.failFinal(ctx, n, notification.KindInvalidTemplate, err.Error(), log)
	}

	// Daily/weekly frequency defers to the user's pending digest.
	if decision.Action == preference.ActionBatch {
		if err := s.batcher.Append(ctx, n.UserID, n.Type, n.Channel, decision.Frequency, summaryLine(rendered)); err != nil {
			return err
		}
		claimed, err := s.repo.ClaimForSending(ctx, id)
		if err != nil {
			return err
		}
		if claimed {
			if err := s.repo.MarkSent(ctx, id); err != nil {
				return err
			}
		}
		log.Info("notification deferred to batch digest")
		return nil
	}

	// Rate-limit gate, checked before the status leaves Queued so a
	// refusal costs nothing: short defer, no retry budget.
	if !s.limiter.Acquire(n.Channel) {
		deferredTo := notification.RateLimitDefer(now)
		if err := s.queue.Schedule(ctx, id, n.Priority, deferredTo); err != nil {
			return err
		}
		s.collector.TrackRateLimited(n.Channel)
		log.WithField("deferred_to", deferredTo).Debug("rate limit deferred")
		return nil
	}

	claimed, err := s.repo.ClaimForSending(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	rec, err := s.openRecord(ctx, n, contact.Address)
	if err != nil {
		return err
	}

	outcome, elapsed, dispatchErr := s.dispatch(ctx, n, rendered, contact)
	if dispatchErr != nil {
		return dispatchErr
	}

	if outcome.Success {
		return s.recordSuccess(ctx, n, rec, outcome, elapsed, log)
	}
	return s.recordFailure(ctx, n, rec, outcome, elapsed, log)
}

// openRecord creates the delivery record and leases it into Sending.
func (s *Service) openRecord(ctx context.Context, n *notification.Notification, address string) (*delivery.Record, error) {
	rec := &delivery.Record{
		NotificationID:   n.ID.String(),
		UserID:           n.UserID,
		Channel:          n.Channel,
		RecipientAddress: address,
	}
	if err := s.deliveries.Create(ctx, rec); err != nil {
		return nil, err
	}
	if _, err := s.deliveries.Lease(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// dispatch runs the adapter call behind the provider's circuit breaker.
// An open breaker surfaces as a ServiceUnavailable outcome.
func (s *Service) dispatch(ctx context.Context, n *notification.Notification, rendered template.Rendered, contact directory.Contact) (dispatch.Outcome, time.Duration, error) {
	adapter, err := s.adapters.Get(n.Channel)
	if err != nil {
		return dispatch.Outcome{}, 0, err
	}

	req := &dispatch.Request{
		NotificationID: n.ID.String(),
		UserID:         n.UserID,
		Type:           n.Type,
		Priority:       n.Priority,
		Subject:        rendered.Subject,
		Body:           rendered.Body,
		Address:        contact.Address,
		Variables:      n.Variables,
	}

	start := s.now()
	var outcome dispatch.Outcome
	err = s.breakers.Execute(string(n.Channel), func() error {
		var sendErr error
		outcome, sendErr = adapter.Send(ctx, req)
		if sendErr != nil {
			return sendErr
		}
		if !outcome.Success {
			return fmt.Errorf("dispatch failed: %s", outcome.FailureKind)
		}
		return nil
	})
	elapsed := s.now().Sub(start)

	if errors.Is(err, breaker.ErrOpen) {
		return dispatch.Outcome{
			FailureKind:  notification.KindServiceUnavailable,
			ErrorMessage: notification.Ptr("circuit breaker open"),
		}, elapsed, nil
	}
	if err != nil && outcome.FailureKind == "" && !outcome.Success {
		// Adapter programming fault rather than a provider failure.
		return dispatch.Outcome{}, elapsed, err
	}
	return outcome, elapsed, nil
}

func (s *Service) recordSuccess(ctx context.Context, n *notification.Notification, rec *delivery.Record, outcome dispatch.Outcome, elapsed time.Duration, log *logrus.Entry) error {
	now := s.now().UTC()
	att := delivery.Attempt{
		Timestamp:    now,
		Status:       delivery.StatusSent,
		ResponseCode: outcome.ResponseCode,
		DurationMS:   elapsed.Milliseconds(),
	}
	if err := s.deliveries.AppendAttempt(ctx, rec.ID, att, delivery.StatusSent, nil, outcome.ProviderDeliveryID); err != nil {
		return err
	}
	if err := s.repo.MarkSent(ctx, n.ID); err != nil {
		return err
	}
	s.collector.TrackSent(n.Channel, n.Type)

	// In-app writes land in our own store, so acceptance is delivery.
	// Every other channel stays Sent until the provider confirms via
	// callback or the reconcile sweep.
	if n.Channel == notification.ChannelInApp {
		if err := s.deliveries.MarkDelivered(ctx, rec.ID, now); err != nil {
			return err
		}
		if err := s.repo.MarkDelivered(ctx, n.ID, now); err != nil {
			return err
		}
		s.collector.TrackDelivered(n.Channel, n.Type, n.UserID, elapsed)
		log.WithField("duration_ms", elapsed.Milliseconds()).Info("notification delivered")
		return nil
	}

	log.WithField("duration_ms", elapsed.Milliseconds()).Info("notification sent")
	return nil
}

func (s *Service) recordFailure(ctx context.Context, n *notification.Notification, rec *delivery.Record, outcome dispatch.Outcome, elapsed time.Duration, log *logrus.Entry) error {
	now := s.now().UTC()
	kind := outcome.FailureKind
	if kind == "" {
		kind = notification.KindUnknown
	}
	errMsg := ""
	if outcome.ErrorMessage != nil {
		errMsg = *outcome.ErrorMessage
	}

	if rec != nil {
		att := delivery.Attempt{
			Timestamp:    now,
			Status:       delivery.StatusFailed,
			ErrorMessage: outcome.ErrorMessage,
			ResponseCode: outcome.ResponseCode,
			DurationMS:   elapsed.Milliseconds(),
		}
		if err := s.deliveries.AppendAttempt(ctx, rec.ID, att, delivery.StatusFailed, &kind, outcome.ProviderDeliveryID); err != nil {
			return err
		}
	}
	s.collector.TrackFailed(n.Channel, n.Type, kind)

	decision := notification.DecideRetry(n, kind, now)
	if decision.Retry {
		if err := s.repo.ScheduleRetry(ctx, n.ID, n.RetryCount+1, decision.NextRetryAt, kind, errMsg); err != nil {
			return err
		}
		if rec != nil {
			if err := s.deliveries.ScheduleRetry(ctx, rec.ID, decision.NextRetryAt); err != nil {
				return err
			}
		}
		s.collector.TrackRetried(n.Channel, kind)
		log.WithFields(logrus.Fields{
			"failure_kind":  kind,
			"retry_count":   n.RetryCount + 1,
			"next_retry_at": decision.NextRetryAt,
		}).Warn("delivery failed, retry scheduled")
		return nil
	}

	return s.failFinal(ctx, n, kind, errMsg, log)
}

func (s *Service) failFinal(ctx context.Context, n *notification.Notification, kind notification.Kind, errMsg string, log *logrus.Entry) error {
	if err := s.repo.MarkFailedFinal(ctx, n.ID, kind, errMsg); err != nil {
		return err
	}
	s.collector.TrackFailed(n.Channel, n.Type, kind)
	log.WithFields(logrus.Fields{
		"failure_kind": kind,
		"error":        errMsg,
	}).Error("notification failed permanently")
	return nil
}

// ConfirmDelivered settles a provider delivery callback. Idempotent by
// provider delivery id: a repeat confirmation is a no-op.
func (s *Service) ConfirmDelivered(ctx context.Context, providerDeliveryID string, at time.Time) error {
	rec, err := s.deliveries.GetByProviderDeliveryID(ctx, providerDeliveryID)
	if err != nil {
		return err
	}
	if rec.Status == delivery.StatusDelivered || rec.Status == delivery.StatusRead {
		return nil
	}
	if err := s.deliveries.MarkDelivered(ctx, rec.ID, at); err != nil {
		return err
	}
	nid, err := uuid.Parse(rec.NotificationID)
	if err != nil {
		return fmt.Errorf("malformed notification id on record %s: %w", rec.ID, err)
	}
	if err := s.repo.MarkDelivered(ctx, nid, at); err != nil && !errors.Is(err, notification.ErrNotFound) {
		return err
	}
	s.collector.TrackDelivered(rec.Channel, s.notificationType(ctx, nid), rec.UserID, at.Sub(rec.CreatedAt))
	return nil
}

// notificationType resolves the type behind a delivery record for metric
// labels. A purged notification yields the empty type.
func (s *Service) notificationType(ctx context.Context, id uuid.UUID) notification.Type {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return ""
	}
	return n.Type
}

// ConfirmRead settles a recipient read event reported by a provider
// callback. Idempotent like ConfirmDelivered.
func (s *Service) ConfirmRead(ctx context.Context, providerDeliveryID string, at time.Time) error {
	rec, err := s.deliveries.GetByProviderDeliveryID(ctx, providerDeliveryID)
	if err != nil {
		return err
	}
	if rec.Status == delivery.StatusRead {
		return nil
	}
	if err := s.deliveries.MarkRead(ctx, rec.ID, at); err != nil {
		return err
	}
	nid, err := uuid.Parse(rec.NotificationID)
	if err != nil {
		return fmt.Errorf("malformed notification id on record %s: %w", rec.ID, err)
	}
	if err := s.repo.MarkRead(ctx, nid); err != nil && !errors.Is(err, notification.ErrNotFound) {
		return err
	}
	base := rec.CreatedAt
	if rec.DeliveredAt != nil {
		base = *rec.DeliveredAt
	}
	s.collector.TrackRead(rec.Channel, at.Sub(base))
	return nil
}

// ConfirmFailed settles a provider failure callback on a record that was
// previously accepted.
func (s *Service) ConfirmFailed(ctx context.Context, providerDeliveryID, reason string, at time.Time) error {
	rec, err := s.deliveries.GetByProviderDeliveryID(ctx, providerDeliveryID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	kind := notification.KindRecipientBlocked
	att := delivery.Attempt{
		Timestamp:    at,
		Status:       delivery.StatusFailed,
		ErrorMessage: notification.Ptr(reason),
	}
	if err := s.deliveries.AppendAttempt(ctx, rec.ID, att, delivery.StatusFailed, &kind, nil); err != nil {
		return err
	}
	nid, err := uuid.Parse(rec.NotificationID)
	if err != nil {
		return fmt.Errorf("malformed notification id on record %s: %w", rec.ID, err)
	}
	if err := s.repo.MarkFailedFinal(ctx, nid, kind, reason); err != nil && !errors.Is(err, notification.ErrNotFound) {
		return err
	}
	s.collector.TrackFailed(rec.Channel, s.notificationType(ctx, nid), kind)
	return nil
}

// render produces the subject and body, from the active template or the
// literal content.
func (s *Service) render(ctx context.Context, n *notification.Notification, locale string) (template.Rendered, error) {
	if locale == "" {
		locale = s.defaultLanguage
	}

	if !n.TemplateBased() {
		subject := ""
		if n.Subject != nil {
			subject = *n.Subject
		}
		body := ""
		if n.Content != nil {
			body = *n.Content
		}
		return template.Rendered{Subject: subject, Body: body}, nil
	}

	tpl, err := s.activeTemplate(ctx, *n.TemplateName)
	if err != nil {
		return template.Rendered{}, err
	}
	if err := template.CheckRequired(tpl.Schema, n.Variables); err != nil {
		return template.Rendered{}, err
	}
	rendered, err := s.renderer.Render(tpl, n.Variables, locale)
	if err != nil {
		return template.Rendered{}, err
	}
	if n.Channel == notification.ChannelSMS {
		rendered.Body = notification.TruncateSMS(rendered.Body)
	}
	return rendered, nil
}

// activeTemplate reads through the template cache.
func (s *Service) activeTemplate(ctx context.Context, name string) (*template.Template, error) {
	var tpl template.Template
	err := s.tplCache.GetOrLoad(ctx, name, &tpl, func(ctx context.Context) (any, error) {
		return s.templates.GetActiveByName(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

// summaryLine condenses a rendered notification into one digest line.
func summaryLine(r template.Rendered) string {
	line := r.Subject
	if line == "" {
		line = r.Body
	}
	line = strings.ReplaceAll(line, "\n", " ")
	runes := []rune(line)
	if len(runes) > 100 {
		return string(runes[:100]) + "..."
	}
	return line
}

// EmitDigest synthesizes one batch digest notification and submits it.
// Wired as the batch sweeper's callback. The digest marker keeps the
// evaluator from deferring the summary back into the batch it drained,
// and high priority rides through quiet hours.
func (s *Service) EmitDigest(ctx context.Context, userID string, t notification.Type, c notification.Channel, count int, summaries []string) error {
	subject := fmt.Sprintf("%d new notifications", count)
	body := preference.DigestBody(count, summaries)
	_, err := s.Submit(ctx, notification.CreateRequest{
		UserID:   userID,
		Type:     t,
		Channel:  c,
		Subject:  &subject,
		Content:  &body,
		Priority: "high",
		Digest:   true,
	})
	if errors.Is(err, notification.ErrInvalidRequest) {
		// Digest bodies can exceed channel bounds when summaries are
		// long; trim to the headline.
		_, err = s.Submit(ctx, notification.CreateRequest{
			UserID:   userID,
			Type:     t,
			Channel:  c,
			Content:  &subject,
			Priority: "high",
			Digest:   true,
		})
	}
	return err
}
