// Package identity resolves the caller's persisted host session from a cookie.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/store"
)

const (
	// CookieName carries the host session ID issued by the OAuth callback.
	CookieName = "linkgate_session"
)

type contextKey int

const (
	hostSessionKey contextKey = iota
)

var sessionIDPattern = regexp.MustCompile(`^hs_[a-f0-9]{32}$`)

// HostSessionFromContext returns the caller's valid host session, or nil.
func HostSessionFromContext(ctx context.Context) *domain.HostSession {
	if v, ok := ctx.Value(hostSessionKey).(*domain.HostSession); ok {
		return v
	}
	return nil
}

// WithHostSession returns a context carrying hs.
func WithHostSession(ctx context.Context, hs *domain.HostSession) context.Context {
	return context.WithValue(ctx, hostSessionKey, hs)
}

// NewSessionID returns a random host session ID.
func NewSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "hs_" + hex.EncodeToString(buf), nil
}

func isValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Middleware loads the host session named by the session cookie. Requests
// without a usable session pass through with no session in the context.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(CookieName)
			if err != nil || !isValidSessionID(c.Value) {
				next.ServeHTTP(w, r)
				return
			}

			hs, err := repo.GetHostSession(r.Context(), c.Value)
			if err != nil {
				slog.Error("Failed to load host session", "error", err)
				http.Error(w, `{"error":"failed to load session"}`, http.StatusInternalServerError)
				return
			}
			if !hs.Valid(time.Now()) {
				Clear(w, isDev)
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithHostSession(r.Context(), hs)))
		})
	}
}

// Issue persists hs, assigning a session ID if it has none, and sets the
// session cookie to expire with it.
func Issue(ctx context.Context, w http.ResponseWriter, repo store.Repository, hs *domain.HostSession, isDev bool) error {
	if hs.SessionID == "" {
		id, err := NewSessionID()
		if err != nil {
			return err
		}
		hs.SessionID = id
	}
	if err := repo.UpsertHostSession(ctx, hs); err != nil {
		return err
	}

	maxAge := time.Until(hs.ExpiresAt)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    hs.SessionID,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Expires:  hs.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return nil
}

// Clear removes the session cookie.
func Clear(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
