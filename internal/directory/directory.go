// Package directory resolves recipient contact addresses from the user
// directory service. The engine only needs one call: given a user and a
// channel, produce the endpoint to dispatch to.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// ErrNoAddress is returned when the directory has no usable endpoint for
// the (user, channel) pair. The worker treats it as InvalidRecipient.
var ErrNoAddress = errors.New("no address on file for user")

// Contact is one resolved dispatch endpoint.
type Contact struct {
	// Address is the channel-specific endpoint: email address, E.164
	// phone number, device token, session id, or webhook URL.
	Address string
	// Locale is the user's preferred locale, empty when unknown.
	Locale string
}

// Resolver looks up dispatch endpoints.
type Resolver interface {
	Resolve(ctx context.Context, userID string, channel notification.Channel) (Contact, error)
}

// HTTPResolver queries the directory service over HTTP.
type HTTPResolver struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPResolver creates a resolver against the directory service.
func NewHTTPResolver(baseURL, apiKey string, timeout time.Duration) *HTTPResolver {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type contactsResponse struct {
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	DeviceToken string `json:"device_token"`
	SessionID   string `json:"session_id"`
	WebhookURL  string `json:"webhook_url"`
	Locale      string `json:"locale"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, userID string, channel notification.Channel) (Contact, error) {
	endpoint := fmt.Sprintf("%s/users/%s/contacts", r.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to create directory request: %w", err)
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Contact{}, fmt.Errorf("directory lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Contact{}, ErrNoAddress
	case resp.StatusCode != http.StatusOK:
		return Contact{}, fmt.Errorf("directory returned %d", resp.StatusCode)
	}

	var contacts contactsResponse
	if err := json.NewDecoder(resp.Body).Decode(&contacts); err != nil {
		return Contact{}, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return pick(contacts, channel)
}

func pick(c contactsResponse, channel notification.Channel) (Contact, error) {
	var address string
	switch channel {
	case notification.ChannelEmail:
		address = c.Email
	case notification.ChannelSMS:
		address = c.Phone
	case notification.ChannelPush:
		address = c.DeviceToken
	case notification.ChannelInApp:
		address = c.SessionID
	case notification.ChannelWebhook:
		address = c.WebhookURL
	}
	if address == "" {
		return Contact{}, ErrNoAddress
	}
	return Contact{Address: address, Locale: c.Locale}, nil
}

// StaticResolver serves fixed contacts, for tests and local development.
type StaticResolver struct {
	contacts map[string]map[notification.Channel]Contact
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{contacts: make(map[string]map[notification.Channel]Contact)}
}

// Set installs one contact.
func (r *StaticResolver) Set(userID string, channel notification.Channel, contact Contact) {
	if r.contacts[userID] == nil {
		r.contacts[userID] = make(map[notification.Channel]Contact)
	}
	r.contacts[userID][channel] = contact
}

func (r *StaticResolver) Resolve(_ context.Context, userID string, channel notification.Channel) (Contact, error) {
	contact, ok := r.contacts[userID][channel]
	if !ok || contact.Address == "" {
		return Contact{}, ErrNoAddress
	}
	return contact, nil
}

// InApp special case: session id is optional because the in-app adapter
// stores to the user's feed regardless of a live session. ResolveOrFeed
// falls back to the user id as the feed address.
func ResolveOrFeed(ctx context.Context, r Resolver, userID string, channel notification.Channel) (Contact, error) {
	contact, err := r.Resolve(ctx, userID, channel)
	if channel == notification.ChannelInApp && errors.Is(err, ErrNoAddress) {
		return Contact{Address: userID}, nil
	}
	return contact, err
}
