package notification

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a delivery failure for retry decisions. Retryable kinds
// go back through the scheduler with backoff; the rest are terminal.
type Kind string

const (
	KindNetworkError         Kind = "network_error"
	KindServiceUnavailable   Kind = "service_unavailable"
	KindRateLimited          Kind = "rate_limited"
	KindTimeout              Kind = "timeout"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindRecipientBlocked     Kind = "recipient_blocked"
	KindInvalidRecipient     Kind = "invalid_recipient"
	KindContentRejected      Kind = "content_rejected"
	KindInvalidTemplate      Kind = "invalid_template"
	KindUnknown              Kind = "unknown"
)

// Retryable reports whether this kind should trigger a scheduled retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkError, KindServiceUnavailable, KindRateLimited, KindTimeout, KindQuotaExceeded, KindUnknown:
		return true
	}
	return false
}

// ExtraDelay returns kind-specific padding on top of the backoff ladder.
// Rate-limited failures come back quickly; quota exhaustion waits long.
func (k Kind) ExtraDelay() time.Duration {
	switch k {
	case KindQuotaExceeded:
		return 1 * time.Hour
	default:
		return 0
	}
}

// ClassifyHTTPStatus maps a provider HTTP response code to a failure kind.
func ClassifyHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthenticationFailed
	case code == http.StatusForbidden:
		return KindRecipientBlocked
	case code == http.StatusNotFound:
		return KindInvalidRecipient
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnprocessableEntity:
		return KindContentRejected
	case code >= 500:
		return KindServiceUnavailable
	case code >= 400:
		return KindUnknown
	}
	return KindUnknown
}

// ClassifyError maps a transport-level error to a failure kind.
func ClassifyError(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return KindServiceUnavailable
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"):
		return KindNetworkError
	}
	return KindNetworkError
}
