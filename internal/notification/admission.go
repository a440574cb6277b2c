package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrInvalidRequest wraps every admission-time validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Per-channel content bounds. SMS bodies are truncated rather than
// rejected; everything else over its bound fails admission.
const (
	maxEmailSubject = 200
	maxEmailBody    = 50000
	maxSMSBody      = 160
	maxPushTitle    = 50
	maxPushBody     = 200
	maxInAppTitle   = 100
	maxInAppBody    = 1000
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Admit validates a create request and materializes the Notification in
// status Pending. It does not persist or enqueue; the engine service owns
// that. Returns ErrInvalidRequest-wrapped errors on schema violations.
func Admit(req CreateRequest, now time.Time) (*Notification, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unrecognized type %q", ErrInvalidRequest, req.Type)
	}
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("%w: unrecognized channel %q", ErrInvalidRequest, req.Channel)
	}

	hasTemplate := req.TemplateName != nil && *req.TemplateName != ""
	hasContent := req.Content != nil && *req.Content != ""
	if hasTemplate == hasContent {
		return nil, fmt.Errorf("%w: exactly one of template_id or content is required", ErrInvalidRequest)
	}

	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if hasContent {
		if err := checkBounds(req.Channel, req.Subject, *req.Content); err != nil {
			return nil, err
		}
	}

	maxRetries := MaxRetriesFor(req.Channel)
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidRequest)
		}
		maxRetries = *req.MaxRetries
	}

	n := &Notification{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Type:         req.Type,
		Channel:      req.Channel,
		Priority:     priority,
		Subject:      req.Subject,
		TemplateName: req.TemplateName,
		Variables:    req.Variables,
		Status:       StatusPending,
		Digest:       req.Digest,
		MaxRetries:   maxRetries,
		ScheduledAt:  req.ScheduledAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if hasContent {
		content := *req.Content
		if req.Channel == ChannelSMS {
			content = TruncateSMS(content)
		}
		n.Content = &content
	}
	return n, nil
}

// checkBounds enforces per-channel content length limits on literal content.
func checkBounds(c Channel, subject *string, body string) error {
	runes := len([]rune(body))
	switch c {
	case ChannelEmail:
		if subject != nil && len([]rune(*subject)) > maxEmailSubject {
			return fmt.Errorf("%w: email subject exceeds %d characters", ErrInvalidRequest, maxEmailSubject)
		}
		if runes > maxEmailBody {
			return fmt.Errorf("%w: email body exceeds %d characters", ErrInvalidRequest, maxEmailBody)
		}
	case ChannelSMS:
		// Truncated at admission, never rejected.
	case ChannelPush:
		if subject != nil && len([]rune(*subject)) > maxPushTitle {
			return fmt.Errorf("%w: push title exceeds %d characters", ErrInvalidRequest, maxPushTitle)
		}
		if runes > maxPushBody {
			return fmt.Errorf("%w: push body exceeds %d characters", ErrInvalidRequest, maxPushBody)
		}
	case ChannelInApp:
		if subject != nil && len([]rune(*subject)) > maxInAppTitle {
			return fmt.Errorf("%w: in-app title exceeds %d characters", ErrInvalidRequest, maxInAppTitle)
		}
		if runes > maxInAppBody {
			return fmt.Errorf("%w: in-app body exceeds %d characters", ErrInvalidRequest, maxInAppBody)
		}
	}
	return nil
}

// TruncateSMS cuts a body longer than one SMS segment to the single-segment
// limit. Bodies at exactly the limit pass through untouched.
func TruncateSMS(body string) string {
	runes := []rune(body)
	if len(runes) > maxSMSBody {
		return string(runes[:maxSMSBody])
	}
	return string(runes)
}
