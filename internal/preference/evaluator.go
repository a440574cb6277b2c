package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// Evaluator applies the preference rule chain. Rules fire in order and the
// first match wins:
//
//  1. Urgent/Critical priority bypasses every filter.
//  2. No record → channel defaults (marketing off, system email daily).
//  3. Disabled by user → block.
//  4. Frequency disabled → block.
//  5. Quiet hours (non-High priority) → block.
//  6. Daily/Weekly frequency → defer to batch, except synthesized digests.
//  7. Otherwise send.
type Evaluator struct {
	repo Repository
}

// NewEvaluator creates a preference evaluator over a store.
func NewEvaluator(repo Repository) *Evaluator {
	return &Evaluator{repo: repo}
}

// Evaluate returns the delivery decision for one notification at wall-clock
// time now.
func (e *Evaluator) Evaluate(ctx context.Context, n *notification.Notification, now time.Time) (Decision, error) {
	if n.Priority.Bypass() {
		return Decision{Action: ActionSend}, nil
	}

	p, err := e.repo.Get(ctx, n.UserID, n.Type, n.Channel)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Decision{}, fmt.Errorf("failed to load preference: %w", err)
		}
		def := Default(n.UserID, n.Type, n.Channel)
		p = &def
		if !p.Enabled {
			return Decision{Action: ActionBlock, Reason: "disabled by default"}, nil
		}
	} else if !p.Enabled {
		return Decision{Action: ActionBlock, Reason: "disabled by user"}, nil
	}

	if p.Frequency == FrequencyDisabled {
		return Decision{Action: ActionBlock, Reason: "frequency disabled"}, nil
	}

	if n.Priority < notification.PriorityHigh && InQuietHours(p, now) {
		return Decision{Action: ActionBlock, Reason: "quiet hours"}, nil
	}

	// Synthesized digests summarize the pending batch; re-batching them
	// would defer the summary into the list it was built from.
	if !n.Digest && (p.Frequency == FrequencyDaily || p.Frequency == FrequencyWeekly) {
		return Decision{Action: ActionBatch, Frequency: p.Frequency}, nil
	}

	return Decision{Action: ActionSend}, nil
}

// InQuietHours reports whether now, in the user's timezone, falls inside
// [quiet_start, quiet_end). Windows wrapping midnight are supported.
func InQuietHours(p *Preference, now time.Time) bool {
	if p.QuietStart == nil || p.QuietEnd == nil {
		return false
	}
	start, err := parseClock(*p.QuietStart)
	if err != nil {
		return false
	}
	end, err := parseClock(*p.QuietEnd)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end
	}
	// Wraps midnight, e.g. 22:00–07:00.
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
