package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierd/courierd/internal/notification"
)

// In-app feed sizing. Each user keeps a capped, expiring list of rendered
// notifications; a live event is published for connected sessions.
const (
	inAppFeedPrefix  = "courierd:inapp:feed:"
	inAppEventPrefix = "courierd:inapp:events:"
	inAppFeedCap     = 100
	inAppFeedTTL     = 7 * 24 * time.Hour
)

// InAppAdapter writes notifications into per-user Redis feeds. Storage
// availability is the only failure mode; there is no external provider.
type InAppAdapter struct {
	client *redis.Client
}

// NewInAppAdapter creates a Redis-backed in-app adapter.
func NewInAppAdapter(client *redis.Client) *InAppAdapter {
	return &InAppAdapter{client: client}
}

func (a *InAppAdapter) Channel() notification.Channel {
	return notification.ChannelInApp
}

func (a *InAppAdapter) ValidateConfig() error {
	if a.client == nil {
		return errors.New("redis client is required")
	}
	return nil
}

// feedEntry is the stored shape of one in-app notification.
type feedEntry struct {
	NotificationID string         `json:"notification_id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (a *InAppAdapter) Send(ctx context.Context, req *Request) (Outcome, error) {
	if req == nil {
		return Outcome{}, errors.New("nil request")
	}

	entry, err := json.Marshal(feedEntry{
		NotificationID: req.NotificationID,
		Type:           string(req.Type),
		Title:          req.Subject,
		Body:           req.Body,
		Data:           req.Variables,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal feed entry: %w", err)
	}

	feedKey := inAppFeedPrefix + req.UserID
	pipe := a.client.Pipeline()
	pipe.LPush(ctx, feedKey, entry)
	pipe.LTrim(ctx, feedKey, 0, inAppFeedCap-1)
	pipe.Expire(ctx, feedKey, inAppFeedTTL)
	pipe.Publish(ctx, inAppEventPrefix+req.UserID, `{"event":"new_notification","notification_id":"`+req.NotificationID+`"}`)
	if _, err := pipe.Exec(ctx); err != nil {
		return failure(notification.KindServiceUnavailable, err), nil
	}

	id := req.NotificationID
	return Outcome{Success: true, ProviderResponse: "stored", ProviderDeliveryID: &id}, nil
}

// Feed returns the newest entries of one user's in-app feed.
func (a *InAppAdapter) Feed(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 || limit > inAppFeedCap {
		limit = inAppFeedCap
	}
	return a.client.LRange(ctx, inAppFeedPrefix+userID, 0, int64(limit-1)).Result()
}
