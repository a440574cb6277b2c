// Package delivery tracks the per-channel delivery attempts made for each
// notification: one record per dispatch target, with an immutable attempt
// log appended on every provider call.
package delivery

import (
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// Status of a delivery record. It mirrors the outcome of the latest
// attempt, except a record re-queued for retry returns to StatusQueued.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the record can still change state.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusRead || s == StatusFailed
}

// Record is one delivery target of a notification.
type Record struct {
	ID                 string               `json:"id" db:"id"`
	NotificationID     string               `json:"notification_id" db:"notification_id"`
	UserID             string               `json:"user_id" db:"user_id"`
	Channel            notification.Channel `json:"channel" db:"channel"`
	RecipientAddress   string               `json:"recipient_address" db:"recipient_address"`
	Status             Status               `json:"status" db:"status"`
	ProviderDeliveryID *string              `json:"provider_delivery_id,omitempty" db:"provider_delivery_id"`
	FailureKind        *notification.Kind   `json:"failure_kind,omitempty" db:"failure_kind"`
	NextRetryAt        *time.Time           `json:"next_retry_at,omitempty" db:"next_retry_at"`
	DeliveredAt        *time.Time           `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt             *time.Time           `json:"read_at,omitempty" db:"read_at"`
	CreatedAt          time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at" db:"updated_at"`
	Attempts           []Attempt            `json:"attempts,omitempty"`
}

// Attempt is one provider call. Immutable once appended.
type Attempt struct {
	ID           string    `json:"id" db:"id"`
	RecordID     string    `json:"record_id" db:"record_id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Status       Status    `json:"status" db:"status"`
	ErrorMessage *string   `json:"error_message,omitempty" db:"error_message"`
	ResponseCode *int      `json:"response_code,omitempty" db:"response_code"`
	DurationMS   int64     `json:"duration_ms" db:"duration_ms"`
}
