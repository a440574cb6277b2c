package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// EmailConfig holds SMTP sender configuration.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// EmailAdapter delivers email through an SMTP relay.
type EmailAdapter struct {
	cfg EmailConfig
	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailAdapter creates an SMTP email adapter.
func NewEmailAdapter(cfg EmailConfig) *EmailAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &EmailAdapter{cfg: cfg, sendMail: smtp.SendMail}
}

func (a *EmailAdapter) Channel() notification.Channel {
	return notification.ChannelEmail
}

func (a *EmailAdapter) ValidateConfig() error {
	if a.cfg.Host == "" || a.cfg.Port == 0 {
		return errors.New("smtp host and port are required")
	}
	if a.cfg.From == "" {
		return errors.New("smtp from address is required")
	}
	return nil
}

// Send submits the message through the relay. The SMTP call runs in a
// goroutine so the adapter timeout and caller cancellation are honoured;
// net/smtp has no context support of its own.
func (a *EmailAdapter) Send(ctx context.Context, req *Request) (Outcome, error) {
	if req == nil {
		return Outcome{}, errors.New("nil request")
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%s@courierd>\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n",
		a.cfg.From, req.Address, req.Subject, req.NotificationID, req.Body))

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.sendMail(addr, auth, a.cfg.From, []string{req.Address}, msg)
	}()

	select {
	case <-ctx.Done():
		return failure(notification.KindTimeout, ctx.Err()), nil
	case err := <-done:
		if err != nil {
			return failure(notification.ClassifyError(err), err), nil
		}
	}

	id := req.NotificationID + "@courierd"
	return Outcome{Success: true, ProviderResponse: "accepted", ProviderDeliveryID: &id}, nil
}
