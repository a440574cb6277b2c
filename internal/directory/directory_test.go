package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/notification"
)

func newDirectoryServer(t *testing.T, handler http.HandlerFunc) *HTTPResolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPResolver(srv.URL, "dir-key", 0)
}

func TestResolvePicksChannelAddress(t *testing.T) {
	r := newDirectoryServer(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/users/u1/contacts", req.URL.Path)
		assert.Equal(t, "Bearer dir-key", req.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"email": "user@example.com",
			"phone": "+15550100",
			"device_token": "tok-1",
			"webhook_url": "https://hooks.example.com/u1",
			"locale": "ar-SA"
		}`))
	})
	ctx := context.Background()

	contact, err := r.Resolve(ctx, "u1", notification.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", contact.Address)
	assert.Equal(t, "ar-SA", contact.Locale)

	contact, err = r.Resolve(ctx, "u1", notification.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, "+15550100", contact.Address)

	contact, err = r.Resolve(ctx, "u1", notification.ChannelWebhook)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/u1", contact.Address)
}

func TestResolveMissingChannelAddress(t *testing.T) {
	r := newDirectoryServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"email": "user@example.com"}`))
	})

	_, err := r.Resolve(context.Background(), "u1", notification.ChannelPush)
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestResolveUnknownUser(t *testing.T) {
	r := newDirectoryServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := r.Resolve(context.Background(), "ghost", notification.ChannelEmail)
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestResolveServerError(t *testing.T) {
	r := newDirectoryServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := r.Resolve(context.Background(), "u1", notification.ChannelEmail)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoAddress)
}

func TestResolveEscapesUserID(t *testing.T) {
	var gotPath string
	r := newDirectoryServer(t, func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.EscapedPath()
		w.WriteHeader(http.StatusNotFound)
	})

	_, _ = r.Resolve(context.Background(), "a/b", notification.ChannelEmail)
	assert.Equal(t, "/users/a%2Fb/contacts", gotPath)
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	r.Set("u1", notification.ChannelEmail, Contact{Address: "user@example.com", Locale: "en"})

	contact, err := r.Resolve(context.Background(), "u1", notification.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", contact.Address)

	_, err = r.Resolve(context.Background(), "u1", notification.ChannelSMS)
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestResolveOrFeedInAppFallback(t *testing.T) {
	r := NewStaticResolver()
	ctx := context.Background()

	// No session on file: the user id becomes the feed address.
	contact, err := ResolveOrFeed(ctx, r, "u1", notification.ChannelInApp)
	require.NoError(t, err)
	assert.Equal(t, "u1", contact.Address)

	// A live session wins when present.
	r.Set("u1", notification.ChannelInApp, Contact{Address: "session-9"})
	contact, err = ResolveOrFeed(ctx, r, "u1", notification.ChannelInApp)
	require.NoError(t, err)
	assert.Equal(t, "session-9", contact.Address)

	// Other channels keep their sentinel.
	_, err = ResolveOrFeed(ctx, r, "u1", notification.ChannelEmail)
	assert.ErrorIs(t, err, ErrNoAddress)
}
