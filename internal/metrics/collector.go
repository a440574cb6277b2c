package metrics

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courierd/courierd/internal/notification"
)

// Metric names emitted by the engine.
const (
	MetricSent         = "notifications_sent_total"
	MetricDelivered    = "notifications_delivered_total"
	MetricFailed       = "notifications_failed_total"
	MetricRead         = "notifications_read_total"
	MetricBlocked      = "notifications_blocked_total"
	MetricRateLimited  = "notifications_rate_limited_total"
	MetricRetried      = "notifications_retried_total"
	MetricDeliveryTime = "notification_delivery_time_ms"
	MetricErrors       = "notification_errors_total"
	MetricEngagement   = "user_engagement_score"
	MetricChannelUsage = "notification_channel_usage"
)

// FlushInterval is how often buffered points are written out.
const FlushInterval = 10 * time.Second

// Collector buffers points in memory and flushes them to the store on a
// fixed cadence. Safe for concurrent use.
type Collector struct {
	store *Store
	log   *logrus.Entry

	mu     sync.Mutex
	buffer []Point

	now func() time.Time
}

// NewCollector creates a buffered collector over a store.
func NewCollector(store *Store, log *logrus.Logger) *Collector {
	return &Collector{
		store: store,
		log:   log.WithField("component", "metrics"),
		now:   time.Now,
	}
}

func (c *Collector) add(name string, kind Kind, value float64, labels map[string]string) {
	c.mu.Lock()
	c.buffer = append(c.buffer, Point{
		Name:      name,
		Kind:      kind,
		Value:     value,
		Labels:    labels,
		Timestamp: c.now().UTC(),
	})
	c.mu.Unlock()
}

// IncrementCounter adds delta to a counter.
func (c *Collector) IncrementCounter(name string, delta float64, labels map[string]string) {
	c.add(name, KindCounter, delta, labels)
}

// SetGauge records the current value of a gauge.
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.add(name, KindGauge, value, labels)
}

// RecordHistogram records one distribution sample.
func (c *Collector) RecordHistogram(name string, value float64, labels map[string]string) {
	c.add(name, KindHistogram, value, labels)
}

// RecordTimer records one duration sample in milliseconds.
func (c *Collector) RecordTimer(name string, durationMS float64, labels map[string]string) {
	c.add(name, KindTimer, durationMS, labels)
}

// Flush writes out everything buffered so far.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	points := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if err := c.store.Write(ctx, points); err != nil {
		// Put the batch back so a transient Redis outage loses nothing.
		c.mu.Lock()
		c.buffer = append(points, c.buffer...)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes on the collector cadence until ctx is cancelled, with one
// final flush on the way out.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Flush(flushCtx); err != nil {
				c.log.WithError(err).Error("failed to flush metrics on shutdown")
			}
			cancel()
			return
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.log.WithError(err).Error("failed to flush metrics")
			}
		}
	}
}

func channelLabels(c notification.Channel, t notification.Type) map[string]string {
	return map[string]string{"channel": string(c), "type": string(t)}
}

// UserBuckets is the cardinality of the user_id label bucket. Hashing
// keeps delivery-time label sets bounded while still splitting latency
// by user cohort.
const UserBuckets = 8

// UserBucket maps a user id onto its stable label bucket.
func UserBucket(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return fmt.Sprintf("b%d", h.Sum32()%UserBuckets)
}

// TrackSent records one dispatch attempt reaching a provider.
func (c *Collector) TrackSent(ch notification.Channel, t notification.Type) {
	c.IncrementCounter(MetricSent, 1, channelLabels(ch, t))
	c.IncrementCounter(MetricChannelUsage, 1, map[string]string{"channel": string(ch)})
}

// TrackDelivered records a confirmed delivery and its latency, labelled
// by channel, type, and user bucket.
func (c *Collector) TrackDelivered(ch notification.Channel, t notification.Type, userID string, elapsed time.Duration) {
	c.IncrementCounter(MetricDelivered, 1, channelLabels(ch, t))
	c.RecordTimer(MetricDeliveryTime, float64(elapsed.Milliseconds()), map[string]string{
		"channel":     string(ch),
		"type":        string(t),
		"user_bucket": UserBucket(userID),
	})
}

// TrackFailed records a failed attempt by classified kind.
func (c *Collector) TrackFailed(ch notification.Channel, t notification.Type, kind notification.Kind) {
	c.IncrementCounter(MetricFailed, 1, channelLabels(ch, t))
	c.IncrementCounter(MetricErrors, 1, map[string]string{"channel": string(ch), "error_type": string(kind)})
}

// TrackRead records a recipient opening a notification and scores the
// engagement from the delivery-to-read gap.
func (c *Collector) TrackRead(ch notification.Channel, timeToRead time.Duration) {
	labels := map[string]string{"channel": string(ch)}
	c.IncrementCounter(MetricRead, 1, labels)
	c.RecordHistogram(MetricEngagement, EngagementScore(timeToRead), labels)
}

// TrackBlocked records a preference-engine block.
func (c *Collector) TrackBlocked(ch notification.Channel, t notification.Type, reason string) {
	labels := channelLabels(ch, t)
	labels["reason"] = reason
	c.IncrementCounter(MetricBlocked, 1, labels)
}

// TrackRateLimited records a rate-limit defer.
func (c *Collector) TrackRateLimited(ch notification.Channel) {
	c.IncrementCounter(MetricRateLimited, 1, map[string]string{"channel": string(ch)})
}

// TrackRetried records one retry being scheduled.
func (c *Collector) TrackRetried(ch notification.Channel, kind notification.Kind) {
	c.IncrementCounter(MetricRetried, 1, map[string]string{"channel": string(ch), "error_type": string(kind)})
}
