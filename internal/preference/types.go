// Package preference decides whether, when, and how a notification may
// reach a user: per (user, type, channel) settings, quiet hours, and
// daily/weekly batching.
package preference

import (
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// Frequency is the batching cadence for a (user, type, channel).
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyDisabled  Frequency = "disabled"
)

// Valid reports whether f is a recognized cadence.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly, FrequencyDisabled:
		return true
	}
	return false
}

// Preference holds one user's settings for one (type, channel) pair.
// The triple (UserID, Type, Channel) is unique.
type Preference struct {
	UserID     string               `json:"user_id" db:"user_id"`
	Type       notification.Type    `json:"type" db:"type"`
	Channel    notification.Channel `json:"channel" db:"channel"`
	Enabled    bool                 `json:"enabled" db:"enabled"`
	Frequency  Frequency            `json:"frequency" db:"frequency"`
	QuietStart *string              `json:"quiet_start,omitempty" db:"quiet_start"` // "HH:MM"
	QuietEnd   *string              `json:"quiet_end,omitempty" db:"quiet_end"`     // "HH:MM"
	Timezone   string               `json:"timezone" db:"timezone"`
	UpdatedAt  time.Time            `json:"updated_at" db:"updated_at"`
}

// Default returns the engine default for a (type, channel) pair: everything
// enabled and immediate, except marketing (disabled) and system email
// (batched daily).
func Default(userID string, t notification.Type, c notification.Channel) Preference {
	p := Preference{
		UserID:    userID,
		Type:      t,
		Channel:   c,
		Enabled:   true,
		Frequency: FrequencyImmediate,
		Timezone:  "UTC",
	}
	switch {
	case t == notification.TypeMarketing:
		p.Enabled = false
	case t == notification.TypeSystem && c == notification.ChannelEmail:
		p.Frequency = FrequencyDaily
	}
	return p
}

// Action is the evaluator's verdict.
type Action int

const (
	// ActionSend delivers immediately.
	ActionSend Action = iota
	// ActionBlock cancels with a reason and never dispatches.
	ActionBlock
	// ActionBatch defers the rendered summary into the user's pending
	// daily or weekly digest.
	ActionBatch
)

// Decision is the evaluator output: send, block with reason, or batch.
type Decision struct {
	Action    Action
	Reason    string
	Frequency Frequency
}
