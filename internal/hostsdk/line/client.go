// Package line implements the host session SDK on top of LINE Login.
package line

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/hostsdk"
	"github.com/oklog/ulid/v2"
)

const (
	// LoginAttemptTTL bounds how long an OAuth state stays redeemable.
	LoginAttemptTTL = 10 * time.Minute

	maxErrorBody = 4 << 10
)

var (
	// ErrUnknownState is returned when a callback carries an unknown or expired state.
	ErrUnknownState = errors.New("unknown or expired login state")
	// ErrNotLoggedIn is returned by GetProfile without a valid host session.
	ErrNotLoggedIn = errors.New("no host session")
)

// Config holds LINE channel settings.
type Config struct {
	ChannelID     string
	ChannelSecret string
	APIBaseURL    string
	AuthBaseURL   string
	// CallbackURL is the registered OAuth redirect URI (our /auth/callback).
	CallbackURL string
}

// AttemptStore persists one-time login attempts.
type AttemptStore interface {
	CreateLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error
	ConsumeLoginAttempt(ctx context.Context, state string) (*domain.LoginAttempt, error)
}

// Client talks to the LINE Login and profile APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	attempts   AttemptStore
	now        func() time.Time
}

// NewClient creates a LINE client. A nil httpClient uses http.DefaultClient.
func NewClient(cfg Config, attempts AttemptStore, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	cfg.AuthBaseURL = strings.TrimRight(cfg.AuthBaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		attempts:   attempts,
		now:        time.Now,
	}
}

// Bind returns an SDK bound to the caller's host session, which may be nil.
func (c *Client) Bind(session *domain.HostSession) hostsdk.SDK {
	return &boundSession{client: c, session: session}
}

// Token is the result of an authorization code exchange.
type Token struct {
	AccessToken string
	IDToken     string
	ExpiresAt   time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
}

type profileResponse struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PictureURL  string `json:"pictureUrl"`
}

// Exchange redeems an OAuth callback. It consumes the login attempt for
// state and returns the token plus the URI the user should return to.
func (c *Client) Exchange(ctx context.Context, code, state string) (Token, string, error) {
	attempt, err := c.attempts.ConsumeLoginAttempt(ctx, state)
	if err != nil {
		return Token{}, "", fmt.Errorf("consume login attempt: %w", err)
	}
	if attempt == nil || c.now().Sub(attempt.CreatedAt) > LoginAttemptTTL {
		return Token{}, "", ErrUnknownState
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.CallbackURL},
		"client_id":     {c.cfg.ChannelID},
		"client_secret": {c.cfg.ChannelSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/oauth2/v2.1/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tr tokenResponse
	if err := c.do(req, &tr); err != nil {
		return Token{}, "", fmt.Errorf("exchange code: %w", err)
	}
	if tr.AccessToken == "" {
		return Token{}, "", fmt.Errorf("exchange code: empty access token")
	}

	return Token{
		AccessToken: tr.AccessToken,
		IDToken:     tr.IDToken,
		ExpiresAt:   c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, attempt.RedirectURI, nil
}

// Profile fetches the profile for an access token.
func (c *Client) Profile(ctx context.Context, accessToken string) (domain.HostIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+"/v2/profile", nil)
	if err != nil {
		return domain.HostIdentity{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var pr profileResponse
	if err := c.do(req, &pr); err != nil {
		return domain.HostIdentity{}, fmt.Errorf("get profile: %w", err)
	}
	if pr.UserID == "" {
		return domain.HostIdentity{}, fmt.Errorf("get profile: missing userId")
	}
	return domain.HostIdentity{
		DisplayName: pr.DisplayName,
		ExternalID:  pr.UserID,
		AvatarURL:   pr.PictureURL,
	}, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("line: failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newState(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", fmt.Errorf("generate login state: %w", err)
	}
	return id.String(), nil
}

// boundSession is the per-page view of the host SDK.
type boundSession struct {
	client  *Client
	session *domain.HostSession
	appID   string
}

func (s *boundSession) Init(_ context.Context, appID string) error {
	if appID == "" {
		return &domain.ConfigurationError{Key: "LIFF_ID"}
	}
	if s.client.cfg.ChannelID == "" {
		return fmt.Errorf("LINE channel id not configured")
	}
	if s.client.cfg.CallbackURL == "" {
		return fmt.Errorf("LINE callback url not configured")
	}
	s.appID = appID
	return nil
}

func (s *boundSession) IsLoggedIn(_ context.Context) bool {
	return s.session.Valid(s.client.now())
}

func (s *boundSession) Login(ctx context.Context, req hostsdk.LoginRequest) (string, error) {
	now := s.client.now()
	state, err := newState(now)
	if err != nil {
		return "", err
	}

	if err := s.client.attempts.CreateLoginAttempt(ctx, &domain.LoginAttempt{
		State:       state,
		RedirectURI: req.RedirectURI,
		CreatedAt:   now,
	}); err != nil {
		return "", err
	}

	scope := req.Scope
	if scope == "" {
		scope = hostsdk.DefaultScope
	}
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {s.client.cfg.ChannelID},
		"redirect_uri":  {s.client.cfg.CallbackURL},
		"state":         {state},
		"scope":         {scope},
	}
	return s.client.cfg.AuthBaseURL + "/oauth2/v2.1/authorize?" + q.Encode(), nil
}

func (s *boundSession) GetProfile(ctx context.Context) (domain.HostIdentity, error) {
	if !s.session.Valid(s.client.now()) {
		return domain.HostIdentity{}, ErrNotLoggedIn
	}
	return s.client.Profile(ctx, s.session.AccessToken)
}
