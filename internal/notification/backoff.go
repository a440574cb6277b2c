package notification

import (
	"math/rand"
	"time"
)

// retryDelays is the deterministic backoff ladder. Attempt n waits
// retryDelays[n-1], clamped to the last rung.
var retryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	1800 * time.Second,
	3600 * time.Second,
}

// MaxRetryAge bounds how long a notification may keep retrying after
// creation. Past this the record expires.
const MaxRetryAge = 24 * time.Hour

// Backoff returns the delay before retry attempt n (1-based).
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > len(retryDelays) {
		n = len(retryDelays)
	}
	return retryDelays[n-1]
}

// RetryDecision is the outcome of the retry policy for one failed attempt.
type RetryDecision struct {
	Retry       bool
	NextRetryAt time.Time
}

// DecideRetry applies the retry policy: the failure kind must be retryable,
// the retry budget must not be exhausted, and the notification must be
// younger than MaxRetryAge. The returned NextRetryAt includes any
// kind-specific extra delay.
func DecideRetry(n *Notification, kind Kind, now time.Time) RetryDecision {
	if !kind.Retryable() {
		return RetryDecision{}
	}
	if n.RetryCount >= n.MaxRetries {
		return RetryDecision{}
	}
	if n.Age(now) >= MaxRetryAge {
		return RetryDecision{}
	}
	delay := Backoff(n.RetryCount+1) + kind.ExtraDelay()
	return RetryDecision{Retry: true, NextRetryAt: now.Add(delay)}
}

// RateLimitDefer returns a short deferred retry time for rate-limit gate
// refusals: a few hundred milliseconds plus jitter. These do not count
// against the retry budget.
func RateLimitDefer(now time.Time) time.Time {
	return now.Add(300*time.Millisecond + time.Duration(rand.Int63n(int64(200*time.Millisecond))))
}

// DefaultMaxRetries is the global retry budget unless a per-channel
// override applies.
const DefaultMaxRetries = 3

// channelMaxRetries carries per-channel retry budgets.
var channelMaxRetries = map[Channel]int{
	ChannelEmail:   3,
	ChannelSMS:     2,
	ChannelPush:    3,
	ChannelInApp:   1,
	ChannelWebhook: 5,
}

// MaxRetriesFor returns the default retry budget for a channel.
func MaxRetriesFor(c Channel) int {
	if n, ok := channelMaxRetries[c]; ok {
		return n
	}
	return DefaultMaxRetries
}

// OverrideMaxRetries replaces per-channel retry budgets from
// configuration. Called once at startup, before any admission.
func OverrideMaxRetries(overrides map[Channel]int) {
	for c, n := range overrides {
		if n >= 0 {
			channelMaxRetries[c] = n
		}
	}
}

// OverrideRetryDelays replaces the backoff ladder from configuration.
// Called once at startup, before any retry is scheduled. Empty or
// non-positive rungs leave the ladder untouched.
func OverrideRetryDelays(delays []time.Duration) {
	if len(delays) == 0 {
		return
	}
	for _, d := range delays {
		if d <= 0 {
			return
		}
	}
	retryDelays = append([]time.Duration(nil), delays...)
}
