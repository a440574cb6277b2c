// Package dispatch defines the uniform channel adapter contract and the
// concrete adapters that hand rendered notifications to external
// providers. The engine depends only on the contract; providers are
// pluggable behind it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// DefaultTimeout bounds one provider call.
const DefaultTimeout = 30 * time.Second

// Request is one rendered notification ready for a provider.
type Request struct {
	// NotificationID doubles as the idempotency key handed to providers:
	// re-dispatching the same notification must not duplicate on their
	// side.
	NotificationID string
	UserID         string
	Type           notification.Type
	Priority       notification.Priority
	Subject        string
	Body           string
	// Address is the resolved recipient endpoint: email address, phone
	// number, device token, session id, or webhook URL.
	Address string
	// Variables carries the original template variables for channels that
	// forward structured payloads (webhook, in-app).
	Variables map[string]any
}

// Outcome is the result of one provider call.
type Outcome struct {
	Success            bool
	ProviderResponse   string
	ProviderDeliveryID *string
	ResponseCode       *int
	ErrorMessage       *string
	FailureKind        notification.Kind
}

// ProviderStatus is a provider's view of a previously accepted delivery.
type ProviderStatus string

const (
	ProviderPending   ProviderStatus = "pending"
	ProviderDelivered ProviderStatus = "delivered"
	ProviderFailed    ProviderStatus = "failed"
	ProviderUnknown   ProviderStatus = "unknown"
)

// Adapter is the contract every channel implementation satisfies.
type Adapter interface {
	// Channel returns the channel this adapter serves.
	Channel() notification.Channel
	// Send performs one provider call. Transport failures are reported in
	// the Outcome, not as an error; err is reserved for programming
	// mistakes (nil request, unconfigured adapter).
	Send(ctx context.Context, req *Request) (Outcome, error)
	// ValidateConfig checks the adapter is usable before serving traffic.
	ValidateConfig() error
}

// StatusPoller is implemented by adapters whose provider exposes
// delivery-status lookup. Used by the reconciliation sweep.
type StatusPoller interface {
	PollStatus(ctx context.Context, providerDeliveryID string) (ProviderStatus, error)
}

// ErrUnknownChannel is returned when no adapter is registered for a
// channel.
var ErrUnknownChannel = errors.New("no adapter registered for channel")

// Registry maps channels to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[notification.Channel]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[notification.Channel]Adapter)}
}

// Register validates and installs one adapter, replacing any previous
// adapter for the same channel.
func (r *Registry) Register(a Adapter) error {
	if err := a.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid %s adapter config: %w", a.Channel(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
	return nil
}

// Get returns the adapter for a channel.
func (r *Registry) Get(c notification.Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, c)
	}
	return a, nil
}

// Channels lists the channels with a registered adapter.
func (r *Registry) Channels() []notification.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]notification.Channel, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	return out
}

func failure(kind notification.Kind, err error) Outcome {
	msg := err.Error()
	return Outcome{FailureKind: kind, ErrorMessage: &msg}
}

func httpFailure(code int, body string) Outcome {
	msg := fmt.Sprintf("provider returned %d: %s", code, body)
	return Outcome{
		FailureKind:      notification.ClassifyHTTPStatus(code),
		ResponseCode:     &code,
		ProviderResponse: body,
		ErrorMessage:     &msg,
	}
}
