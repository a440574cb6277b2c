package preference

import (
	"context"
	"strings"

	"github.com/courierd/courierd/internal/cache"
	"github.com/courierd/courierd/internal/notification"
)

// CachedRepository is a read-through layer over a preference store.
// Lookups on the evaluator's hot path come from the cache; Upsert writes
// through and invalidates so every replica sees the change within one
// Redis round trip instead of a TTL.
type CachedRepository struct {
	inner Repository
	cache *cache.Cache
}

// NewCachedRepository wraps a store with the shared preference cache.
func NewCachedRepository(inner Repository, c *cache.Cache) *CachedRepository {
	return &CachedRepository{inner: inner, cache: c}
}

func cacheKey(userID string, t notification.Type, c notification.Channel) string {
	return strings.Join([]string{userID, string(t), string(c)}, "|")
}

// Get reads through the cache. ErrNotFound passes through uncached so a
// later InitDefaults or Upsert is visible immediately.
func (r *CachedRepository) Get(ctx context.Context, userID string, t notification.Type, c notification.Channel) (*Preference, error) {
	var p Preference
	err := r.cache.GetOrLoad(ctx, cacheKey(userID, t, c), &p, func(ctx context.Context) (any, error) {
		return r.inner.Get(ctx, userID, t, c)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert writes through and drops the cached entry.
func (r *CachedRepository) Upsert(ctx context.Context, p Preference) error {
	if err := r.inner.Upsert(ctx, p); err != nil {
		return err
	}
	return r.cache.Invalidate(ctx, cacheKey(p.UserID, p.Type, p.Channel))
}

// ListByUser goes straight to the store; list reads are not on the
// delivery hot path.
func (r *CachedRepository) ListByUser(ctx context.Context, userID string) ([]Preference, error) {
	return r.inner.ListByUser(ctx, userID)
}

// InitDefaults seeds the store. Misses are not cached, so no
// invalidation is needed.
func (r *CachedRepository) InitDefaults(ctx context.Context, userID string) (int, error) {
	return r.inner.InitDefaults(ctx, userID)
}
