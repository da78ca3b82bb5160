// Package api provides HTTP handlers for the linkgate API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/linkgate/internal/pages"
	"github.com/ashureev/linkgate/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 16 << 10

var errForeignURL = errors.New("url does not belong to this application")

// Handler provides common handler utilities.
type Handler struct {
	repo       store.Repository
	pages      *pages.Registry
	publicBase *url.URL
	isDev      bool
}

// NewHandler creates a new Handler with common dependencies. publicBase is
// the externally visible origin of the service.
func NewHandler(repo store.Repository, reg *pages.Registry, publicBase *url.URL, isDev bool) *Handler {
	return &Handler{
		repo:       repo,
		pages:      reg,
		publicBase: publicBase,
		isDev:      isDev,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// resolvePageURL turns the URL reported by the shell into an absolute URL
// on the public origin. Outside development, URLs on other origins are
// refused so redirects and login return URLs never leave the application.
func (h *Handler) resolvePageURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	u.Fragment = ""

	if !u.IsAbs() {
		if u.Host != "" {
			return nil, errForeignURL
		}
		return h.publicBase.ResolveReference(u), nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errForeignURL
	}
	if h.isDev || sameOrigin(u, h.publicBase) {
		return u, nil
	}
	return nil, errForeignURL
}

// safeRedirect returns raw when it points at the public origin and "/" otherwise.
func (h *Handler) safeRedirect(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	if !u.IsAbs() {
		if u.Host != "" || !strings.HasPrefix(u.Path, "/") {
			return "/"
		}
		return u.String()
	}
	if h.isDev || sameOrigin(u, h.publicBase) {
		return u.String()
	}
	return "/"
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
