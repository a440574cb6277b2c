package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// PushConfig holds push provider configuration.
type PushConfig struct {
	BaseURL   string
	ServerKey string
	Timeout   time.Duration
}

// PushAdapter delivers push notifications through an HTTP gateway keyed by
// device token.
type PushAdapter struct {
	cfg        PushConfig
	httpClient *http.Client
}

// NewPushAdapter creates an HTTP push adapter.
func NewPushAdapter(cfg PushConfig) *PushAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &PushAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *PushAdapter) Channel() notification.Channel {
	return notification.ChannelPush
}

func (a *PushAdapter) ValidateConfig() error {
	if a.cfg.BaseURL == "" {
		return errors.New("push gateway base url is required")
	}
	if a.cfg.ServerKey == "" {
		return errors.New("push gateway server key is required")
	}
	return nil
}

func (a *PushAdapter) Send(ctx context.Context, req *Request) (Outcome, error) {
	if req == nil {
		return Outcome{}, errors.New("nil request")
	}

	payload := map[string]any{
		"to": req.Address,
		"notification": map[string]string{
			"title": req.Subject,
			"body":  req.Body,
		},
		"data": map[string]any{
			"notification_id": req.NotificationID,
			"type":            string(req.Type),
		},
		"priority": pushPriority(req.Priority),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return failure(notification.KindNetworkError, err), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "key="+a.cfg.ServerKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return failure(notification.ClassifyError(err), err), nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpFailure(resp.StatusCode, string(raw)), nil
	}

	outcome := Outcome{
		Success:          true,
		ProviderResponse: string(raw),
		ResponseCode:     &resp.StatusCode,
	}
	var parsed struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.MessageID != "" {
		outcome.ProviderDeliveryID = &parsed.MessageID
	}
	return outcome, nil
}

// pushPriority maps scheduling tiers onto the gateway's two levels.
func pushPriority(p notification.Priority) string {
	if p >= notification.PriorityHigh {
		return "high"
	}
	return "normal"
}
