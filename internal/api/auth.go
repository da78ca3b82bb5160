package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/hostsdk/line"
	"github.com/ashureev/linkgate/internal/identity"
	"github.com/go-chi/chi/v5"
)

// Exchanger redeems host OAuth callbacks.
type Exchanger interface {
	Exchange(ctx context.Context, code, state string) (line.Token, string, error)
	Profile(ctx context.Context, accessToken string) (domain.HostIdentity, error)
}

// AuthHandler handles the host login callback.
type AuthHandler struct {
	*Handler
	host       Exchanger
	sessionTTL time.Duration
}

// NewAuthHandler creates a new auth handler. Host sessions last at most sessionTTL.
func NewAuthHandler(base *Handler, host Exchanger, sessionTTL time.Duration) *AuthHandler {
	return &AuthHandler{Handler: base, host: host, sessionTTL: sessionTTL}
}

// RegisterRoutes registers auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/auth/callback", h.Callback)
}

// Callback exchanges the authorization code, persists the host session and
// sends the browser back to the page that started the login.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		slog.Warn("Host login declined", "error", errCode, "description", q.Get("error_description"))
		Error(w, http.StatusBadRequest, "login was cancelled")
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		Error(w, http.StatusBadRequest, "missing code or state")
		return
	}

	ctx := r.Context()
	tok, redirectURI, err := h.host.Exchange(ctx, code, state)
	if errors.Is(err, line.ErrUnknownState) {
		Error(w, http.StatusBadRequest, "login expired, please open the app again")
		return
	}
	if err != nil {
		slog.Error("Host token exchange failed", "error", err)
		Error(w, http.StatusBadGateway, "host login failed")
		return
	}

	profile, err := h.host.Profile(ctx, tok.AccessToken)
	if err != nil {
		slog.Error("Host profile fetch failed", "error", err)
		Error(w, http.StatusBadGateway, "host login failed")
		return
	}

	expiresAt := tok.ExpiresAt
	if limit := time.Now().Add(h.sessionTTL); expiresAt.IsZero() || expiresAt.After(limit) {
		expiresAt = limit
	}
	hs := &domain.HostSession{
		HostUserID:  profile.ExternalID,
		AccessToken: tok.AccessToken,
		IDToken:     tok.IDToken,
		ExpiresAt:   expiresAt,
	}
	if err := identity.Issue(ctx, w, h.repo, hs, h.isDev); err != nil {
		slog.Error("Failed to persist host session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to persist session")
		return
	}

	slog.Info("Host login completed", "host_user_id", profile.ExternalID)
	http.Redirect(w, r, h.safeRedirect(redirectURI), http.StatusFound)
}
