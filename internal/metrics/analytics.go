package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// EngagementScore maps the delivery-to-read gap onto a 0–100 scale:
// under a minute scores 100, one to ten minutes decays from 100 toward
// 50, beyond ten minutes decays from 50 toward the floor of 10.
func EngagementScore(timeToRead time.Duration) float64 {
	minutes := timeToRead.Minutes()
	switch {
	case minutes < 1:
		return 100
	case minutes < 10:
		return math.Max(50, 100-(minutes-1)*5.5)
	default:
		return math.Max(10, 50-(minutes-10)*2)
	}
}

// ChannelScore weighs delivery rate 50%, read rate 30%, and speed 20%,
// where speed loses a point per second of average delivery time.
func ChannelScore(deliveryRate, readRate, avgDeliveryMS float64) float64 {
	speed := math.Max(0, 100-avgDeliveryMS/1000)
	return round2(deliveryRate*0.5 + readRate*0.3 + speed*0.2)
}

// Percentile returns the p-th percentile of values by rank on the sorted
// sample. Returns 0 for an empty sample.
func Percentile(values []float64, p int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func rate(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return round2(part / whole * 100)
}

// ChannelPerformance is the derived report for one channel over a
// period.
type ChannelPerformance struct {
	Channel           notification.Channel `json:"channel"`
	TotalSent         int64                `json:"total_sent"`
	TotalDelivered    int64                `json:"total_delivered"`
	TotalFailed       int64                `json:"total_failed"`
	TotalRead         int64                `json:"total_read"`
	DeliveryRate      float64              `json:"delivery_rate"`
	ReadRate          float64              `json:"read_rate"`
	FailureRate       float64              `json:"failure_rate"`
	AvgDeliveryTimeMS float64              `json:"avg_delivery_time_ms"`
	P95DeliveryTimeMS float64              `json:"p95_delivery_time_ms"`
	PerformanceScore  float64              `json:"performance_score"`
}

// Overview is the aggregate report across channels.
type Overview struct {
	TotalSent      int64                         `json:"total_sent"`
	TotalDelivered int64                         `json:"total_delivered"`
	TotalFailed    int64                         `json:"total_failed"`
	DeliveryRate   float64                       `json:"delivery_rate"`
	ErrorBreakdown map[string]int64              `json:"error_breakdown"`
	Channels       map[string]ChannelPerformance `json:"channels"`
}

// Analytics derives reports from the stored rollups.
type Analytics struct {
	store *Store
}

// NewAnalytics creates an analytics reader over a store.
func NewAnalytics(store *Store) *Analytics {
	return &Analytics{store: store}
}

// ChannelPerformance computes the per-channel report for [start, end].
func (a *Analytics) ChannelPerformance(ctx context.Context, ch notification.Channel, start, end time.Time) (*ChannelPerformance, error) {
	labels := map[string]string{"channel": string(ch)}

	sent, err := a.sumAcrossTypes(ctx, MetricSent, ch, start, end)
	if err != nil {
		return nil, err
	}
	delivered, err := a.sumAcrossTypes(ctx, MetricDelivered, ch, start, end)
	if err != nil {
		return nil, err
	}
	failed, err := a.sumAcrossTypes(ctx, MetricFailed, ch, start, end)
	if err != nil {
		return nil, err
	}
	read, err := a.store.Sum(ctx, MetricRead, labels, start, end)
	if err != nil {
		return nil, err
	}
	times, err := a.deliveryTimes(ctx, ch, start, end)
	if err != nil {
		return nil, err
	}

	deliveryRate := rate(delivered, sent)
	readRate := rate(read, delivered)
	avgTime := round2(mean(times))

	return &ChannelPerformance{
		Channel:           ch,
		TotalSent:         int64(sent),
		TotalDelivered:    int64(delivered),
		TotalFailed:       int64(failed),
		TotalRead:         int64(read),
		DeliveryRate:      deliveryRate,
		ReadRate:          readRate,
		FailureRate:       rate(failed, sent),
		AvgDeliveryTimeMS: avgTime,
		P95DeliveryTimeMS: round2(Percentile(times, 95)),
		PerformanceScore:  ChannelScore(deliveryRate, readRate, avgTime),
	}, nil
}

// Overview computes the cross-channel report for [start, end].
func (a *Analytics) Overview(ctx context.Context, start, end time.Time) (*Overview, error) {
	out := &Overview{
		ErrorBreakdown: make(map[string]int64),
		Channels:       make(map[string]ChannelPerformance),
	}
	for _, ch := range notification.Channels {
		perf, err := a.ChannelPerformance(ctx, ch, start, end)
		if err != nil {
			return nil, err
		}
		out.TotalSent += perf.TotalSent
		out.TotalDelivered += perf.TotalDelivered
		out.TotalFailed += perf.TotalFailed
		if perf.TotalSent > 0 {
			out.Channels[string(ch)] = *perf
		}

		for _, kind := range []notification.Kind{
			notification.KindNetworkError, notification.KindServiceUnavailable,
			notification.KindRateLimited, notification.KindTimeout,
			notification.KindQuotaExceeded, notification.KindAuthenticationFailed,
			notification.KindRecipientBlocked, notification.KindInvalidRecipient,
			notification.KindContentRejected, notification.KindInvalidTemplate,
			notification.KindUnknown,
		} {
			n, err := a.store.Sum(ctx, MetricErrors,
				map[string]string{"channel": string(ch), "error_type": string(kind)}, start, end)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				out.ErrorBreakdown[string(kind)] += int64(n)
			}
		}
	}
	out.DeliveryRate = rate(float64(out.TotalDelivered), float64(out.TotalSent))
	return out, nil
}

// deliveryTimes collects the channel's latency samples across every
// type and user-bucket label the collector writes.
func (a *Analytics) deliveryTimes(ctx context.Context, ch notification.Channel, start, end time.Time) ([]float64, error) {
	var out []float64
	for _, t := range notification.Types {
		for b := 0; b < UserBuckets; b++ {
			labels := map[string]string{
				"channel":     string(ch),
				"type":        string(t),
				"user_bucket": fmt.Sprintf("b%d", b),
			}
			vals, err := a.store.Values(ctx, MetricDeliveryTime, labels, start, end)
			if err != nil {
				return nil, err
			}
			out = append(out, vals...)
		}
	}
	return out, nil
}

// sumAcrossTypes totals a channel-and-type labelled counter over every
// notification type.
func (a *Analytics) sumAcrossTypes(ctx context.Context, name string, ch notification.Channel, start, end time.Time) (float64, error) {
	var total float64
	for _, t := range notification.Types {
		n, err := a.store.Sum(ctx, name, channelLabels(ch, t), start, end)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
