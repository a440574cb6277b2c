// Package breaker isolates failing providers behind circuit breakers.
// Closed → Open on a run of consecutive failures, Open → HalfOpen after the
// recovery timeout, HalfOpen → Closed on one success and back to Open on
// one failure.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the provider's circuit refuses the call.
var ErrOpen = errors.New("circuit breaker is open")

// Settings configures every provider breaker in the registry.
type Settings struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// DefaultSettings matches the engine defaults: 5 consecutive failures to
// open, 60 s to half-open.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// Registry keeps one circuit breaker per provider id.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(settings Settings) *Registry {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.RecoveryTimeout == 0 {
		settings.RecoveryTimeout = 60 * time.Second
	}
	return &Registry{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *Registry) breaker(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	threshold := r.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider,
		Timeout: r.settings.RecoveryTimeout,
		// HalfOpen allows exactly one probe; one success closes.
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	r.breakers[provider] = cb
	return cb
}

// State reports the provider's breaker state.
func (r *Registry) State(provider string) gobreaker.State {
	return r.breaker(provider).State()
}

// Execute runs fn through the provider's breaker. When the circuit is open
// (or the half-open probe slot is taken) it returns ErrOpen without calling
// fn; the worker classifies that as ServiceUnavailable and re-queues with
// backoff.
func (r *Registry) Execute(provider string, fn func() error) error {
	_, err := r.breaker(provider).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// States returns a snapshot of every known provider's breaker state,
// for the health endpoint.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}
