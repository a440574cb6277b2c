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

// SMSConfig holds SMS provider configuration.
type SMSConfig struct {
	// BaseURL of the provider's message API.
	BaseURL string
	// APIKey authenticates provider calls.
	APIKey string
	// From is the sender id or shortcode.
	From    string
	Timeout time.Duration
}

// SMSAdapter delivers SMS through an HTTP message provider.
type SMSAdapter struct {
	cfg        SMSConfig
	httpClient *http.Client
}

// NewSMSAdapter creates an HTTP SMS adapter.
func NewSMSAdapter(cfg SMSConfig) *SMSAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &SMSAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *SMSAdapter) Channel() notification.Channel {
	return notification.ChannelSMS
}

func (a *SMSAdapter) ValidateConfig() error {
	if a.cfg.BaseURL == "" {
		return errors.New("sms provider base url is required")
	}
	if a.cfg.APIKey == "" {
		return errors.New("sms provider api key is required")
	}
	return nil
}

type smsResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (a *SMSAdapter) Send(ctx context.Context, req *Request) (Outcome, error) {
	if req == nil {
		return Outcome{}, errors.New("nil request")
	}

	body, err := json.Marshal(map[string]string{
		"to":              req.Address,
		"from":            a.cfg.From,
		"body":            notification.TruncateSMS(req.Body),
		"idempotency_key": req.NotificationID,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal sms request: %w", err)
	}

	outcome, raw := a.post(ctx, a.cfg.BaseURL+"/messages", body)
	if !outcome.Success {
		return outcome, nil
	}

	var parsed smsResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.MessageID != "" {
		outcome.ProviderDeliveryID = &parsed.MessageID
	}
	return outcome, nil
}

// PollStatus asks the provider for the state of an accepted message.
func (a *SMSAdapter) PollStatus(ctx context.Context, providerDeliveryID string) (ProviderStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/messages/"+providerDeliveryID, nil)
	if err != nil {
		return ProviderUnknown, fmt.Errorf("failed to create status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return ProviderUnknown, fmt.Errorf("status poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProviderUnknown, fmt.Errorf("status poll returned %d", resp.StatusCode)
	}
	var parsed smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ProviderUnknown, fmt.Errorf("failed to decode status response: %w", err)
	}
	switch parsed.Status {
	case "delivered":
		return ProviderDelivered, nil
	case "failed", "undelivered":
		return ProviderFailed, nil
	case "queued", "sending", "sent":
		return ProviderPending, nil
	}
	return ProviderUnknown, nil
}

func (a *SMSAdapter) post(ctx context.Context, url string, body []byte) (Outcome, []byte) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(notification.KindNetworkError, err), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return failure(notification.ClassifyError(err), err), nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpFailure(resp.StatusCode, string(raw)), nil
	}
	return Outcome{
		Success:          true,
		ProviderResponse: string(raw),
		ResponseCode:     &resp.StatusCode,
	}, raw
}
