// Package queue implements the durable five-tier priority queue and the
// scheduled set on Redis sorted sets. Enqueue and dequeue are Redis writes,
// so queue state survives a process crash. Within a tier the score is the
// enqueue timestamp, which preserves FIFO order; across tiers workers drain
// strictly by priority, with aging promotion so low tiers cannot starve.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/courierd/courierd/internal/notification"
)

// Queue is the concurrency-safe interface workers and intake share.
type Queue interface {
	// Enqueue adds a notification to its priority tier. The notification
	// id is the dedup key: re-enqueue of an id already waiting is a no-op.
	Enqueue(ctx context.Context, id uuid.UUID, priority notification.Priority) error

	// Dequeue pops the next notification honouring priority order and
	// aging. ok is false when every tier is empty.
	Dequeue(ctx context.Context) (id uuid.UUID, ok bool, err error)

	// Schedule parks a notification in the scheduled set until at.
	Schedule(ctx context.Context, id uuid.UUID, priority notification.Priority, at time.Time) error

	// PromoteScheduled moves due entries from the scheduled set into their
	// priority tiers. Returns the number promoted.
	PromoteScheduled(ctx context.Context, now time.Time) (int, error)

	// Remove deletes a notification from every queue structure.
	Remove(ctx context.Context, id uuid.UUID) error

	// AcquireLock takes a short processing lock so only one worker owns a
	// notification at a time.
	AcquireLock(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error)

	// ReleaseLock drops the processing lock if held by workerID.
	ReleaseLock(ctx context.Context, id uuid.UUID, workerID string) error

	// Stats returns per-tier depths and the scheduled-set size.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Stats holds queue depth counters.
type Stats struct {
	TierDepth      map[string]int64 `json:"tier_depth"`
	ScheduledCount int64            `json:"scheduled_count"`
}

const (
	keyTierPrefix  = "courierd:queue:tier:"
	keyDedupSet    = "courierd:queue:ids"
	keyScheduled   = "courierd:queue:scheduled"
	keyLockPrefix  = "courierd:lock:"
	scheduledBatch = 200
)

// RedisQueue implements Queue on Redis.
type RedisQueue struct {
	client         *redis.Client
	agingThreshold time.Duration
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithAgingThreshold overrides the default 30 s starvation threshold.
func WithAgingThreshold(d time.Duration) Option {
	return func(q *RedisQueue) { q.agingThreshold = d }
}

// NewRedisQueue creates a queue from a connection URL.
func NewRedisQueue(redisURL string, opts ...Option) (*RedisQueue, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisQueueFromClient(client, opts...), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:         client,
		agingThreshold: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func tierKey(p notification.Priority) string {
	return keyTierPrefix + p.String()
}

// enqueueScript adds the dedup entry and the tier entry in one step, so
// a crash between the two cannot strand an id in the dedup set with no
// tier membership.
var enqueueScript = redis.NewScript(`
	if redis.call("sadd", KEYS[1], ARGV[1]) == 1 then
		redis.call("zadd", KEYS[2], ARGV[2], ARGV[1])
		return 1
	end
	return 0
`)

// Enqueue adds the id to its tier with the enqueue time as score. An id
// already waiting somewhere in the queue is a no-op.
func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID, priority notification.Priority) error {
	score := strconv.FormatInt(time.Now().UnixNano(), 10)
	err := enqueueScript.Run(ctx, q.client,
		[]string{keyDedupSet, tierKey(priority)}, id.String(), score).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Dequeue pops from the highest effective tier. A tier whose head has
// waited longer than the aging threshold counts as one tier higher for
// this cycle.
func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	now := time.Now()

	type head struct {
		tier      notification.Priority
		effective int
		waited    time.Duration
	}
	var heads []head

	for _, p := range notification.Priorities {
		zs, err := q.client.ZRangeWithScores(ctx, tierKey(p), 0, 0).Result()
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to inspect tier %s: %w", p, err)
		}
		if len(zs) == 0 {
			continue
		}
		waited := now.Sub(time.Unix(0, int64(zs[0].Score)))
		effective := int(p)
		if waited > q.agingThreshold && p < notification.PriorityCritical {
			effective++
		}
		heads = append(heads, head{tier: p, effective: effective, waited: waited})
	}
	if len(heads) == 0 {
		return uuid.Nil, false, nil
	}

	// Equal effective priority falls back to the longest wait, so an aged
	// head competes on FIFO terms inside the tier it was promoted into.
	best := heads[0]
	for _, h := range heads[1:] {
		if h.effective > best.effective ||
			(h.effective == best.effective && h.waited > best.waited) {
			best = h
		}
	}

	zs, err := q.client.ZPopMin(ctx, tierKey(best.tier), 1).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to pop tier %s: %w", best.tier, err)
	}
	if len(zs) == 0 {
		// Lost the race to another worker.
		return uuid.Nil, false, nil
	}
	member, _ := zs[0].Member.(string)
	id, err := uuid.Parse(member)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed queue member %q: %w", member, err)
	}
	if err := q.client.SRem(ctx, keyDedupSet, member).Err(); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to clear dedup entry: %w", err)
	}
	return id, true, nil
}

// scheduledMember encodes id and target tier so promotion knows where the
// entry goes.
func scheduledMember(id uuid.UUID, p notification.Priority) string {
	return id.String() + "|" + strconv.Itoa(int(p))
}

// Schedule parks the id until at. Also used for short rate-limit defers.
func (q *RedisQueue) Schedule(ctx context.Context, id uuid.UUID, priority notification.Priority, at time.Time) error {
	err := q.client.ZAdd(ctx, keyScheduled, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: scheduledMember(id, priority),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule notification: %w", err)
	}
	return nil
}

// PromoteScheduled moves due scheduled entries into their tiers.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: scheduledBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read scheduled set: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, m := range members {
		idStr, prioStr, ok := strings.Cut(m, "|")
		if !ok {
			_ = q.client.ZRem(ctx, keyScheduled, m).Err()
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			_ = q.client.ZRem(ctx, keyScheduled, m).Err()
			continue
		}
		prio, err := strconv.Atoi(prioStr)
		if err != nil {
			prio = int(notification.PriorityNormal)
		}
		if err := q.client.ZRem(ctx, keyScheduled, m).Err(); err != nil {
			return promoted, fmt.Errorf("failed to remove scheduled entry: %w", err)
		}
		if err := q.Enqueue(ctx, id, notification.Priority(prio)); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Remove deletes the id from every tier, the scheduled set, the dedup set,
// and drops any lock.
func (q *RedisQueue) Remove(ctx context.Context, id uuid.UUID) error {
	pipe := q.client.Pipeline()
	for _, p := range notification.Priorities {
		pipe.ZRem(ctx, tierKey(p), id.String())
	}
	for _, p := range notification.Priorities {
		pipe.ZRem(ctx, keyScheduled, scheduledMember(id, p))
	}
	pipe.SRem(ctx, keyDedupSet, id.String())
	pipe.Del(ctx, keyLockPrefix+id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove notification from queues: %w", err)
	}
	return nil
}

// AcquireLock uses SET NX EX for atomic lock acquisition.
func (q *RedisQueue) AcquireLock(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, keyLockPrefix+id.String(), workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the lock only when held by the caller.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// ReleaseLock releases a processing lock held by workerID.
func (q *RedisQueue) ReleaseLock(ctx context.Context, id uuid.UUID, workerID string) error {
	_, err := releaseScript.Run(ctx, q.client, []string{keyLockPrefix + id.String()}, workerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Stats returns queue depth counters.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	tierCmds := make(map[string]*redis.IntCmd, len(notification.Priorities))
	for _, p := range notification.Priorities {
		tierCmds[p.String()] = pipe.ZCard(ctx, tierKey(p))
	}
	scheduledCmd := pipe.ZCard(ctx, keyScheduled)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats := &Stats{TierDepth: make(map[string]int64, len(tierCmds))}
	for name, cmd := range tierCmds {
		stats.TierDepth[name] = cmd.Val()
	}
	stats.ScheduledCount = scheduledCmd.Val()
	return stats, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
