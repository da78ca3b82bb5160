package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/linkgate/internal/authlink"
	"github.com/ashureev/linkgate/internal/directory"
	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/hostsdk"
	"github.com/ashureev/linkgate/internal/identity"
	"github.com/ashureev/linkgate/internal/pages"
	"github.com/ashureev/linkgate/internal/redirect"
	"github.com/ashureev/linkgate/internal/session"
	"github.com/go-chi/chi/v5"
)

// MachineBuilder creates the readiness machine for a new page instance.
type MachineBuilder func(r *http.Request, page session.PageLoad) *authlink.Machine

// SDKBinder binds the host SDK to the caller's persisted host session.
type SDKBinder interface {
	Bind(session *domain.HostSession) hostsdk.SDK
}

// NewMachineBuilder wires a bootstrapper bound to the request's host session
// and the employee directory into a fresh machine per page.
func NewMachineBuilder(appID string, binder SDKBinder, dir directory.Directory, logger *slog.Logger) MachineBuilder {
	return func(r *http.Request, page session.PageLoad) *authlink.Machine {
		sdk := binder.Bind(identity.HostSessionFromContext(r.Context()))
		return authlink.New(page, session.New(appID, sdk, logger), dir, logger)
	}
}

// PageHandler handles page instance endpoints.
type PageHandler struct {
	*Handler
	build     MachineBuilder
	linkLimit func(http.Handler) http.Handler
}

// NewPageHandler creates a new page handler.
func NewPageHandler(base *Handler, build MachineBuilder) *PageHandler {
	return &PageHandler{Handler: base, build: build}
}

// SetLinkLimiter installs middleware that throttles phone submissions.
func (h *PageHandler) SetLinkLimiter(mw func(http.Handler) http.Handler) {
	h.linkLimit = mw
}

// RegisterRoutes registers page routes.
func (h *PageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/pages", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		if h.linkLimit != nil {
			r.With(h.linkLimit).Post("/{id}/link", h.Link)
		} else {
			r.Post("/{id}/link", h.Link)
		}
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/events", h.Events)
	})
}

type createPageRequest struct {
	URL string `json:"url"`
}

type pageResponse struct {
	PageID   string            `json:"page_id"`
	Snapshot authlink.Snapshot `json:"snapshot"`
}

type linkRequest struct {
	Phone string `json:"phone"`
}

type linkResponse struct {
	Outcome  domain.LinkOutcome `json:"outcome"`
	Snapshot authlink.Snapshot  `json:"snapshot"`
}

// Create opens a page instance for the URL the shell was loaded with and
// drives it as far as it goes without user input.
func (h *PageHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pageURL, err := h.resolvePageURL(req.URL)
	if err != nil {
		slog.Warn("Rejected page URL", "url", req.URL, "error", err, "ip", identity.IPFromRequest(r))
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	id := pages.NewID()
	m := h.build(r, session.PageLoad{ID: id, URL: pageURL})
	h.pages.Register(m)

	snap := m.Run(r.Context())

	// The browser leaves this page on a redirect or a host login, so the
	// instance has nothing left to do.
	if snap.State == authlink.AwaitingLogin || (snap.Redirect != nil && snap.Redirect.Kind == redirect.Redirect) {
		h.pages.Close(id)
	}

	JSON(w, http.StatusCreated, pageResponse{PageID: id, Snapshot: snap})
}

// Get returns the current snapshot of a page.
func (h *PageHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.pages.Get(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusNotFound, "page not found")
		return
	}
	JSON(w, http.StatusOK, pageResponse{PageID: m.PageID(), Snapshot: m.Snapshot()})
}

// Link submits a phone number for manual account linking.
func (h *PageHandler) Link(w http.ResponseWriter, r *http.Request) {
	m, ok := h.pages.Get(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusNotFound, "page not found")
		return
	}

	var req linkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := m.SubmitPhone(r.Context(), req.Phone)
	switch {
	case errors.Is(err, authlink.ErrEmptyPhone):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, authlink.ErrLinkInFlight):
		Error(w, http.StatusConflict, "link_in_progress")
		return
	case errors.Is(err, authlink.ErrNotLinkable):
		Error(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, authlink.ErrClosed):
		Error(w, http.StatusGone, err.Error())
		return
	case err != nil:
		slog.Error("Link submission failed", "error", err, "page_id", m.PageID())
		Error(w, http.StatusInternalServerError, "link failed")
		return
	}

	JSON(w, http.StatusOK, linkResponse{Outcome: outcome, Snapshot: m.Snapshot()})
}

// Delete tears a page down.
func (h *PageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.pages.Close(chi.URLParam(r, "id")) {
		Error(w, http.StatusNotFound, "page not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
