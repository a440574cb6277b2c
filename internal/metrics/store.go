// Package metrics buffers counters, gauges, and timers in-process and
// flushes them into tiered Redis rollups: minute buckets kept 24 hours,
// hour buckets 30 days, day buckets one year. Range queries pick the
// finest granularity whose retention covers the span.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind of a metric point.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindTimer     Kind = "timer"
)

// Point is one buffered metric sample.
type Point struct {
	Name      string
	Kind      Kind
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// Tier retention periods.
const (
	minuteTTL = 24 * time.Hour
	hourTTL   = 30 * 24 * time.Hour
	dayTTL    = 365 * 24 * time.Hour
)

// Store writes rollups to Redis and serves range queries.
type Store struct {
	client *redis.Client
}

// NewStore creates a Redis-backed metrics store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// metricKey flattens name plus sorted labels into one storage key
// segment, e.g. "notifications_sent_total_channel:email_type:alert".
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+":"+v)
	}
	sort.Strings(pairs)
	return name + "_" + strings.Join(pairs, "_")
}

// Write flushes a batch of points in one pipeline. Counters accumulate
// additively into each tier bucket; gauges, histograms, and timers keep
// the latest sample per bucket.
func (s *Store) Write(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, p := range points {
		ts := p.Timestamp.UTC()
		key := metricKey(p.Name, p.Labels)

		minuteKey := "metrics:minute:" + ts.Format("20060102") + ":" + key
		hourKey := "metrics:hour:" + ts.Format("200601") + ":" + key
		dayKey := "metrics:daily:" + ts.Format("2006") + ":" + key

		writeBucket(ctx, pipe, p, minuteKey, ts.Format("200601021504"), minuteTTL)
		writeBucket(ctx, pipe, p, hourKey, ts.Format("2006010215"), hourTTL)
		writeBucket(ctx, pipe, p, dayKey, ts.Format("20060102"), dayTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush metrics: %w", err)
	}
	return nil
}

func writeBucket(ctx context.Context, pipe redis.Pipeliner, p Point, key, field string, ttl time.Duration) {
	if p.Kind == KindCounter {
		pipe.HIncrByFloat(ctx, key, field, p.Value)
	} else {
		pipe.HSet(ctx, key, field, p.Value)
	}
	pipe.Expire(ctx, key, ttl)
}

// granularity of one query tier.
type granularity struct {
	tier       string // key segment
	prefixFmt  string // key prefix time format
	bucketFmt  string // field time format
	truncate   func(time.Time) time.Time
	prefixStep func(time.Time) time.Time
}

var (
	granMinute = granularity{
		tier: "minute", prefixFmt: "20060102", bucketFmt: "200601021504",
		truncate:   func(t time.Time) time.Time { return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC) },
		prefixStep: func(t time.Time) time.Time { return t.AddDate(0, 0, 1) },
	}
	granHour = granularity{
		tier: "hour", prefixFmt: "200601", bucketFmt: "2006010215",
		truncate:   func(t time.Time) time.Time { return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC) },
		prefixStep: func(t time.Time) time.Time { return t.AddDate(0, 1, 0) },
	}
	granDay = granularity{
		tier: "daily", prefixFmt: "2006", bucketFmt: "20060102",
		truncate:   func(t time.Time) time.Time { return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC) },
		prefixStep: func(t time.Time) time.Time { return t.AddDate(1, 0, 0) },
	}
)

// pickGranularity chooses the finest tier whose retention covers the
// query span.
func pickGranularity(start, end time.Time) granularity {
	span := end.Sub(start)
	switch {
	case span <= 24*time.Hour:
		return granMinute
	case span <= 30*24*time.Hour:
		return granHour
	default:
		return granDay
	}
}

// Sum returns the total of a metric's values inside [start, end].
func (s *Store) Sum(ctx context.Context, name string, labels map[string]string, start, end time.Time) (float64, error) {
	values, err := s.rangeValues(ctx, name, labels, start, end, pickGranularity(start, end))
	if err != nil {
		return 0, err
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total, nil
}

// Values returns the individual bucket values inside [start, end] at
// minute granularity, for distribution queries.
func (s *Store) Values(ctx context.Context, name string, labels map[string]string, start, end time.Time) ([]float64, error) {
	return s.rangeValues(ctx, name, labels, start, end, granMinute)
}

// rangeValues walks every key-prefix period the span touches, so queries
// crossing a day, month, or year boundary aggregate across adjacent
// keys.
func (s *Store) rangeValues(ctx context.Context, name string, labels map[string]string, start, end time.Time, g granularity) ([]float64, error) {
	start, end = start.UTC(), end.UTC()
	key := metricKey(name, labels)
	startBucket := start.Format(g.bucketFmt)
	endBucket := end.Format(g.bucketFmt)

	var out []float64
	for cursor := g.truncate(start); !cursor.After(end); cursor = g.prefixStep(cursor) {
		redisKey := "metrics:" + g.tier + ":" + cursor.Format(g.prefixFmt) + ":" + key
		fields, err := s.client.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read metric %s: %w", redisKey, err)
		}
		for field, raw := range fields {
			if field < startBucket || field > endBucket {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			out = append(out, v)
		}
	}
	return out, nil
}
