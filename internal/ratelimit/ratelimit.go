// Package ratelimit provides per-channel token buckets gating dispatch
// rate. Acquire is non-blocking: a refusal is signalled to the worker,
// which defers the notification without touching its retry budget.
package ratelimit

import (
	"sync"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// Limit describes one channel's sustained rate and burst capacity.
type Limit struct {
	PerMinute int
	Burst     int
}

// DefaultLimits are the per-channel defaults.
var DefaultLimits = map[notification.Channel]Limit{
	notification.ChannelEmail:   {PerMinute: 100, Burst: 20},
	notification.ChannelSMS:     {PerMinute: 50, Burst: 10},
	notification.ChannelPush:    {PerMinute: 1000, Burst: 100},
	notification.ChannelInApp:   {PerMinute: 2000, Burst: 200},
	notification.ChannelWebhook: {PerMinute: 200, Burst: 50},
}

// Bucket is a token bucket with linear refill.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	perSecond  float64
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a bucket filled to its burst capacity.
func NewBucket(limit Limit) *Bucket {
	return &Bucket{
		tokens:     float64(limit.Burst),
		burst:      float64(limit.Burst),
		perSecond:  float64(limit.PerMinute) / 60.0,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Acquire takes one token if available. Never blocks.
func (b *Bucket) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.perSecond
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Limiter holds one bucket per channel.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[notification.Channel]*Bucket
}

// NewLimiter builds a limiter from the given limits, falling back to
// DefaultLimits for channels not listed.
func NewLimiter(limits map[notification.Channel]Limit) *Limiter {
	buckets := make(map[notification.Channel]*Bucket, len(DefaultLimits))
	for ch, def := range DefaultLimits {
		limit := def
		if custom, ok := limits[ch]; ok {
			limit = custom
		}
		buckets[ch] = NewBucket(limit)
	}
	return &Limiter{buckets: buckets}
}

// Acquire takes one token for the channel. Unknown channels are allowed.
func (l *Limiter) Acquire(ch notification.Channel) bool {
	l.mu.RLock()
	bucket, ok := l.buckets[ch]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	return bucket.Acquire()
}
