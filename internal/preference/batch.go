package preference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/courierd/courierd/internal/notification"
)

// Batch accumulation keys. Each pending digest is a Redis list of rendered
// summary lines plus a registry entry the sweeper scans.
const (
	keyBatchPrefix   = "courierd:batch:pending:"
	keyBatchRegistry = "courierd:batch:keys"
	keySweptPrefix   = "courierd:batch:swept:"

	// DigestMaxLines caps how many summaries one digest lists.
	DigestMaxLines = 50
)

// DigestFunc synthesizes and admits one batch digest notification with
// immediate frequency. Wired to the engine's admission path.
type DigestFunc func(ctx context.Context, userID string, t notification.Type, c notification.Channel, count int, summaries []string) error

// Batcher accumulates deferred notifications into per-user pending
// digests and emits them on the user's daily or weekly boundary.
type Batcher struct {
	client *redis.Client
	repo   Repository
	log    *logrus.Entry

	dailyHour int
	weeklyDay time.Weekday
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithDailyHour sets the user-local hour digests go out.
func WithDailyHour(hour int) BatcherOption {
	return func(b *Batcher) {
		if hour >= 0 && hour < 24 {
			b.dailyHour = hour
		}
	}
}

// WithWeeklyDay sets the weekday for weekly digests.
func WithWeeklyDay(day time.Weekday) BatcherOption {
	return func(b *Batcher) { b.weeklyDay = day }
}

// NewBatcher creates a batch accumulator on Redis. Defaults to 00:00
// local daily and Monday weekly.
func NewBatcher(client *redis.Client, repo Repository, log *logrus.Logger, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		client:    client,
		repo:      repo,
		log:       log.WithField("component", "batcher"),
		dailyHour: 0,
		weeklyDay: time.Monday,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func batchMember(userID string, t notification.Type, c notification.Channel, f Frequency) string {
	return strings.Join([]string{userID, string(t), string(c), string(f)}, "|")
}

func batchKey(member string) string {
	return keyBatchPrefix + member
}

// Append adds one rendered summary line to the user's pending digest for
// (type, channel).
func (b *Batcher) Append(ctx context.Context, userID string, t notification.Type, c notification.Channel, f Frequency, summary string) error {
	member := batchMember(userID, t, c, f)
	pipe := b.client.Pipeline()
	pipe.RPush(ctx, batchKey(member), summary)
	pipe.SAdd(ctx, keyBatchRegistry, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append to batch: %w", err)
	}
	return nil
}

// PendingCount returns the number of summaries waiting in one digest.
func (b *Batcher) PendingCount(ctx context.Context, userID string, t notification.Type, c notification.Channel, f Frequency) (int64, error) {
	return b.client.LLen(ctx, batchKey(batchMember(userID, t, c, f))).Result()
}

// Sweep walks every pending digest and emits those whose user-local
// boundary has been reached: 00:00 local for daily, Monday 00:00 local for
// weekly. Emission is idempotent per boundary via a swept marker.
func (b *Batcher) Sweep(ctx context.Context, now time.Time, emit DigestFunc) (int, error) {
	members, err := b.client.SMembers(ctx, keyBatchRegistry).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan batch registry: %w", err)
	}

	emitted := 0
	for _, member := range members {
		parts := strings.Split(member, "|")
		if len(parts) != 4 {
			_ = b.client.SRem(ctx, keyBatchRegistry, member).Err()
			continue
		}
		userID, ntype, channel, freq := parts[0], notification.Type(parts[1]), notification.Channel(parts[2]), Frequency(parts[3])

		local := b.userLocalTime(ctx, userID, ntype, channel, now)
		due, marker := b.digestDue(freq, local)
		if !due {
			continue
		}

		// One digest per boundary even across engine replicas.
		claimed, err := b.client.SetNX(ctx, keySweptPrefix+member+":"+marker, 1, 48*time.Hour).Result()
		if err != nil {
			return emitted, fmt.Errorf("failed to claim digest boundary: %w", err)
		}
		if !claimed {
			continue
		}

		if err := b.flush(ctx, member, userID, ntype, channel, emit); err != nil {
			b.log.WithError(err).WithField("member", member).Error("failed to flush batch digest")
			continue
		}
		emitted++
	}
	return emitted, nil
}

// flush drains one pending digest list and emits the synthesized
// notification.
func (b *Batcher) flush(ctx context.Context, member, userID string, t notification.Type, c notification.Channel, emit DigestFunc) error {
	key := batchKey(member)
	count, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count batch: %w", err)
	}
	if count == 0 {
		_ = b.client.SRem(ctx, keyBatchRegistry, member).Err()
		return nil
	}

	summaries, err := b.client.LRange(ctx, key, 0, DigestMaxLines-1).Result()
	if err != nil {
		return fmt.Errorf("failed to read batch: %w", err)
	}

	if err := emit(ctx, userID, t, c, int(count), summaries); err != nil {
		return fmt.Errorf("failed to emit digest: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, keyBatchRegistry, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear batch: %w", err)
	}
	return nil
}

// userLocalTime resolves now into the user's preference timezone, falling
// back to UTC when no preference or an unknown zone is stored.
func (b *Batcher) userLocalTime(ctx context.Context, userID string, t notification.Type, c notification.Channel, now time.Time) time.Time {
	tz := "UTC"
	if p, err := b.repo.Get(ctx, userID, t, c); err == nil && p.Timezone != "" {
		tz = p.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc)
}

// digestDue reports whether the digest boundary has been reached in the
// user's local time, plus an idempotency marker for that boundary. The
// window is one hour from the configured boundary so a sweep cadence of
// minutes cannot miss it.
func (b *Batcher) digestDue(f Frequency, local time.Time) (bool, string) {
	if local.Hour() != b.dailyHour {
		return false, ""
	}
	switch f {
	case FrequencyDaily:
		return true, local.Format("20060102")
	case FrequencyWeekly:
		if local.Weekday() != b.weeklyDay {
			return false, ""
		}
		year, week := local.ISOWeek()
		return true, fmt.Sprintf("%d-w%02d", year, week)
	}
	return false, ""
}

// DigestBody formats the synthesized digest content: a count headline and
// up to DigestMaxLines summary lines.
func DigestBody(count int, summaries []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d new notifications\n", count)
	for _, s := range summaries {
		sb.WriteString("- ")
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	return sb.String()
}
