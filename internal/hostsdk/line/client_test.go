package line

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/hostsdk"
	"github.com/stretchr/testify/require"
)

type memAttempts struct {
	mu       sync.Mutex
	attempts map[string]*domain.LoginAttempt
}

func newMemAttempts() *memAttempts {
	return &memAttempts{attempts: make(map[string]*domain.LoginAttempt)}
}

func (m *memAttempts) CreateLoginAttempt(_ context.Context, a *domain.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *a
	m.attempts[a.State] = &copy
	return nil
}

func (m *memAttempts) ConsumeLoginAttempt(_ context.Context, state string) (*domain.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.attempts[state]
	delete(m.attempts, state)
	return a, nil
}

func newFakeLINE(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/v2.1/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "chan-1", r.PostForm.Get("client_id"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-123",
			"expires_in":   3600,
			"id_token":     "id-xyz",
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("GET /v2/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-123" {
			http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"userId":      "U0001",
			"displayName": "Somchai",
			"pictureUrl":  "https://profile.example.com/u1.png",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, attempts AttemptStore) *Client {
	srv := newFakeLINE(t)
	return NewClient(Config{
		ChannelID:     "chan-1",
		ChannelSecret: "secret",
		APIBaseURL:    srv.URL + "/",
		AuthBaseURL:   "https://access.example.com",
		CallbackURL:   "https://app.example.com/auth/callback",
	}, attempts, srv.Client())
}

func TestLoginBuildsAuthorizeURL(t *testing.T) {
	attempts := newMemAttempts()
	c := newTestClient(t, attempts)
	sdk := c.Bind(nil)
	ctx := context.Background()

	require.NoError(t, sdk.Init(ctx, "liff-1"))
	require.False(t, sdk.IsLoggedIn(ctx))

	loginURL, err := sdk.Login(ctx, hostsdk.LoginRequest{
		RedirectURI: "https://app.example.com/confirm/abc",
		Scope:       hostsdk.DefaultScope,
	})
	require.NoError(t, err)

	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	require.Equal(t, "access.example.com", u.Host)
	require.Equal(t, "/oauth2/v2.1/authorize", u.Path)
	q := u.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "chan-1", q.Get("client_id"))
	require.Equal(t, "profile openid chat_message.write", q.Get("scope"))
	require.Equal(t, "https://app.example.com/auth/callback", q.Get("redirect_uri"))

	state := q.Get("state")
	require.NotEmpty(t, state)
	require.Contains(t, attempts.attempts, state)
	require.Equal(t, "https://app.example.com/confirm/abc", attempts.attempts[state].RedirectURI)
}

func TestInitRequiresConfiguration(t *testing.T) {
	c := NewClient(Config{}, newMemAttempts(), nil)
	ctx := context.Background()

	err := c.Bind(nil).Init(ctx, "")
	require.True(t, domain.IsConfigurationError(err))

	err = c.Bind(nil).Init(ctx, "liff-1")
	require.Error(t, err)
}

func TestExchangeAndProfile(t *testing.T) {
	attempts := newMemAttempts()
	c := newTestClient(t, attempts)
	ctx := context.Background()

	require.NoError(t, attempts.CreateLoginAttempt(ctx, &domain.LoginAttempt{
		State: "s1", RedirectURI: "https://app.example.com/confirm", CreatedAt: time.Now(),
	}))

	tok, redirectURI, err := c.Exchange(ctx, "good-code", "s1")
	require.NoError(t, err)
	require.Equal(t, "access-123", tok.AccessToken)
	require.Equal(t, "id-xyz", tok.IDToken)
	require.Equal(t, "https://app.example.com/confirm", redirectURI)
	require.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)

	session := &domain.HostSession{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt}
	sdk := c.Bind(session)
	require.True(t, sdk.IsLoggedIn(ctx))

	profile, err := sdk.GetProfile(ctx)
	require.NoError(t, err)
	require.Equal(t, "U0001", profile.ExternalID)
	require.Equal(t, "Somchai", profile.DisplayName)

	// The state is single use.
	_, _, err = c.Exchange(ctx, "good-code", "s1")
	require.True(t, errors.Is(err, ErrUnknownState))
}

func TestExchangeRejectsStaleState(t *testing.T) {
	attempts := newMemAttempts()
	c := newTestClient(t, attempts)
	ctx := context.Background()

	require.NoError(t, attempts.CreateLoginAttempt(ctx, &domain.LoginAttempt{
		State: "old", RedirectURI: "/", CreatedAt: time.Now().Add(-LoginAttemptTTL - time.Minute),
	}))
	_, _, err := c.Exchange(ctx, "good-code", "old")
	require.True(t, errors.Is(err, ErrUnknownState))
}

func TestExchangeSurfacesTokenErrors(t *testing.T) {
	attempts := newMemAttempts()
	c := newTestClient(t, attempts)
	ctx := context.Background()

	require.NoError(t, attempts.CreateLoginAttempt(ctx, &domain.LoginAttempt{State: "s2", RedirectURI: "/", CreatedAt: time.Now()}))
	_, _, err := c.Exchange(ctx, "bad-code", "s2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 400")
}

func TestGetProfileWithoutSession(t *testing.T) {
	c := newTestClient(t, newMemAttempts())
	expired := &domain.HostSession{AccessToken: "access-123", ExpiresAt: time.Now().Add(-time.Minute)}

	_, err := c.Bind(expired).GetProfile(context.Background())
	require.True(t, errors.Is(err, ErrNotLoggedIn))
}

func TestProfileRejectedToken(t *testing.T) {
	c := newTestClient(t, newMemAttempts())
	_, err := c.Profile(context.Background(), "wrong")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
}
