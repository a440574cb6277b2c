// Package notification defines the core domain model of the delivery
// engine: notifications, priorities, the status state machine, and the
// failure taxonomy that drives retry decisions.
//
// Lifecycle:
//
//	Pending → Queued → Sending → Sent → Delivered → Read
//	                      ↓
//	            Failed-Retryable → Queued (after backoff)
//	                      ↓
//	                Failed-Final | Cancelled | Expired
package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel represents a delivery medium.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelInApp   Channel = "in_app"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every supported channel in dispatch-registry order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook}

// Valid reports whether the channel is one of the supported media.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook:
		return true
	}
	return false
}

// Type represents the category of notification.
type Type string

const (
	TypeWelcome   Type = "welcome"
	TypeMessage   Type = "message"
	TypeSecurity  Type = "security"
	TypeAlert     Type = "alert"
	TypeReminder  Type = "reminder"
	TypeMarketing Type = "marketing"
	TypeSystem    Type = "system"
)

// Types lists every recognized notification category.
var Types = []Type{TypeWelcome, TypeMessage, TypeSecurity, TypeAlert, TypeReminder, TypeMarketing, TypeSystem}

// Valid reports whether the type is a recognized category.
func (t Type) Valid() bool {
	switch t {
	case TypeWelcome, TypeMessage, TypeSecurity, TypeAlert, TypeReminder, TypeMarketing, TypeSystem:
		return true
	}
	return false
}

// Priority is one of five scheduling tiers. Higher tiers drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

// Priorities lists all tiers from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical}

// String returns the tier name used in queue keys and the API.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a tier name to its Priority. Empty string means Normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Bypass reports whether the tier skips preference filters (§urgent bypass).
func (p Priority) Bypass() bool {
	return p >= PriorityUrgent
}

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending         Status = "pending"
	StatusQueued          Status = "queued"
	StatusSending         Status = "sending"
	StatusSent            Status = "sent"
	StatusDelivered       Status = "delivered"
	StatusRead            Status = "read"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedFinal     Status = "failed_final"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// Terminal reports whether no further processing happens for this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailedFinal, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Cancellable reports whether an explicit cancel request is accepted.
// Post-Sent cancellation is rejected.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusQueued
}

// transitions is the legal edge set of the status state machine.
var transitions = map[Status][]Status{
	StatusPending:         {StatusQueued, StatusCancelled, StatusFailedFinal, StatusExpired},
	StatusQueued:          {StatusSending, StatusCancelled, StatusFailedFinal, StatusExpired},
	StatusSending:         {StatusSent, StatusDelivered, StatusFailedRetryable, StatusFailedFinal, StatusExpired},
	StatusSent:            {StatusDelivered, StatusFailedRetryable, StatusFailedFinal, StatusExpired},
	StatusDelivered:       {StatusRead},
	StatusFailedRetryable: {StatusQueued, StatusFailedFinal, StatusExpired},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Variables is the typed substitution map for template rendering.
// Stored as JSONB.
type Variables map[string]any

// Value implements driver.Valuer for database storage.
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner for database retrieval.
func (v *Variables) Scan(value any) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, v)
}

// Notification is the engine's unit of work. Created by intake, mutated
// by workers only, terminal when Status.Terminal() is true.
type Notification struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	UserID       string     `json:"user_id" db:"user_id"`
	Type         Type       `json:"type" db:"type"`
	Channel      Channel    `json:"channel" db:"channel"`
	Priority     Priority   `json:"priority" db:"priority"`
	Subject      *string    `json:"subject,omitempty" db:"subject"`
	Content      *string    `json:"content,omitempty" db:"content"`
	TemplateName *string    `json:"template_name,omitempty" db:"template_name"`
	Variables    Variables  `json:"variables,omitempty" db:"variables"`
	Status       Status     `json:"status" db:"status"`
	Digest       bool       `json:"digest,omitempty" db:"digest"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	MaxRetries   int        `json:"max_retries" db:"max_retries"`
	FailureKind  *Kind      `json:"failure_kind,omitempty" db:"failure_kind"`
	LastError    *string    `json:"last_error,omitempty" db:"last_error"`
	CancelReason *string    `json:"cancel_reason,omitempty" db:"cancel_reason"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
}

// TemplateBased reports whether rendering goes through the template store.
// Exactly one of (TemplateName + Variables) or Content yields rendered text.
func (n *Notification) TemplateBased() bool {
	return n.TemplateName != nil && *n.TemplateName != ""
}

// Age returns elapsed time since creation.
func (n *Notification) Age(now time.Time) time.Duration {
	return now.Sub(n.CreatedAt)
}

// CreateRequest is the admission payload for new notifications.
// Exactly one of TemplateName or Content must be set.
type CreateRequest struct {
	UserID       string     `json:"user_id" validate:"required"`
	Type         Type       `json:"type" validate:"required"`
	Channel      Channel    `json:"channel" validate:"required"`
	Subject      *string    `json:"subject,omitempty"`
	Content      *string    `json:"content,omitempty"`
	TemplateName *string    `json:"template_id,omitempty"`
	Variables    Variables  `json:"variables,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	MaxRetries   *int       `json:"max_retries,omitempty"`

	// Digest marks a batch summary synthesized by the sweeper. Internal
	// only: digests skip frequency batching so they cannot defer into the
	// batch they summarize.
	Digest bool `json:"-"`
}

// Ptr returns a pointer to v. Convenience for optional fields.
func Ptr[T any](v T) *T {
	return &v
}
