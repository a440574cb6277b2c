package notification

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusDelivered, StatusRead, StatusFailedFinal, StatusCancelled, StatusExpired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s)
	}
	active := []Status{StatusPending, StatusQueued, StatusSending, StatusSent, StatusFailedRetryable}
	for _, s := range active {
		assert.False(t, s.Terminal(), s)
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusQueued))
	assert.True(t, StatusQueued.CanTransition(StatusSending))
	assert.True(t, StatusSending.CanTransition(StatusSent))
	assert.True(t, StatusSent.CanTransition(StatusDelivered))
	assert.True(t, StatusDelivered.CanTransition(StatusRead))
	assert.True(t, StatusSending.CanTransition(StatusFailedRetryable))
	assert.True(t, StatusFailedRetryable.CanTransition(StatusQueued))

	// Terminal states have no outgoing edges except Delivered → Read.
	assert.False(t, StatusRead.CanTransition(StatusDelivered))
	assert.False(t, StatusCancelled.CanTransition(StatusQueued))
	assert.False(t, StatusFailedFinal.CanTransition(StatusQueued))

	// Post-Sent cancellation is not an edge.
	assert.False(t, StatusSent.CanTransition(StatusCancelled))
}

func TestStatusCancellable(t *testing.T) {
	assert.True(t, StatusPending.Cancellable())
	assert.True(t, StatusQueued.Cancellable())
	assert.False(t, StatusSending.Cancellable())
	assert.False(t, StatusSent.Cancellable())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	assert.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("urgent")
	assert.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("extreme")
	assert.Error(t, err)
}

func TestPriorityBypass(t *testing.T) {
	assert.False(t, PriorityLow.Bypass())
	assert.False(t, PriorityNormal.Bypass())
	assert.False(t, PriorityHigh.Bypass())
	assert.True(t, PriorityUrgent.Bypass())
	assert.True(t, PriorityCritical.Bypass())
}

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindNetworkError, KindServiceUnavailable, KindRateLimited, KindTimeout, KindQuotaExceeded, KindUnknown}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), k)
	}
	terminal := []Kind{KindAuthenticationFailed, KindRecipientBlocked, KindInvalidRecipient, KindContentRejected, KindInvalidTemplate}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), k)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, KindAuthenticationFailed, ClassifyHTTPStatus(http.StatusUnauthorized))
	assert.Equal(t, KindRecipientBlocked, ClassifyHTTPStatus(http.StatusForbidden))
	assert.Equal(t, KindInvalidRecipient, ClassifyHTTPStatus(http.StatusNotFound))
	assert.Equal(t, KindRateLimited, ClassifyHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, KindContentRejected, ClassifyHTTPStatus(http.StatusUnprocessableEntity))
	assert.Equal(t, KindServiceUnavailable, ClassifyHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, KindUnknown, ClassifyHTTPStatus(http.StatusBadRequest))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, KindTimeout, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, KindNetworkError, ClassifyError(assert.AnError))

	err := &testNetError{"connection refused"}
	assert.Equal(t, KindServiceUnavailable, ClassifyError(err))
	err = &testNetError{"connection reset by peer"}
	assert.Equal(t, KindNetworkError, ClassifyError(err))
}

type testNetError struct{ msg string }

func (e *testNetError) Error() string { return e.msg }
