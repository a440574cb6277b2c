package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// WebhookConfig holds webhook dispatch configuration.
type WebhookConfig struct {
	Timeout time.Duration
	// SigningSecret, when set, is sent so receivers can authenticate the
	// origin.
	SigningSecret string
}

// WebhookAdapter POSTs rendered notifications as JSON to recipient URLs.
// Any non-2xx response is a retryable failure.
type WebhookAdapter struct {
	cfg        WebhookConfig
	httpClient *http.Client
}

// NewWebhookAdapter creates a webhook adapter.
func NewWebhookAdapter(cfg WebhookConfig) *WebhookAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &WebhookAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *WebhookAdapter) Channel() notification.Channel {
	return notification.ChannelWebhook
}

func (a *WebhookAdapter) ValidateConfig() error {
	return nil
}

func (a *WebhookAdapter) Send(ctx context.Context, req *Request) (Outcome, error) {
	if req == nil {
		return Outcome{}, errors.New("nil request")
	}
	target, err := url.Parse(req.Address)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return failure(notification.KindInvalidRecipient, fmt.Errorf("invalid webhook url %q", req.Address)), nil
	}

	body, err := json.Marshal(map[string]any{
		"notification_id": req.NotificationID,
		"user_id":         req.UserID,
		"type":            string(req.Type),
		"subject":         req.Subject,
		"body":            req.Body,
		"data":            req.Variables,
		"sent_at":         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Address, bytes.NewReader(body))
	if err != nil {
		return failure(notification.KindNetworkError, err), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", req.NotificationID)
	if a.cfg.SigningSecret != "" {
		httpReq.Header.Set("X-Courierd-Token", a.cfg.SigningSecret)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return failure(notification.ClassifyError(err), err), nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Receivers are expected to be flaky; every non-2xx is retried up
		// to the channel budget.
		out := httpFailure(resp.StatusCode, string(raw))
		if !out.FailureKind.Retryable() {
			out.FailureKind = notification.KindServiceUnavailable
		}
		return out, nil
	}

	id := req.NotificationID
	return Outcome{
		Success:            true,
		ProviderResponse:   string(raw),
		ResponseCode:       &resp.StatusCode,
		ProviderDeliveryID: &id,
	}, nil
}
