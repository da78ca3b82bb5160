// Package pages keeps one live readiness machine per page instance.
package pages

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/linkgate/internal/authlink"
	"github.com/google/uuid"
)

// NewID returns a fresh page instance ID.
func NewID() string {
	return uuid.NewString()
}

type entry struct {
	machine  *authlink.Machine
	lastSeen time.Time
}

// Registry tracks live page machines by page ID.
type Registry struct {
	mu      sync.Mutex
	pages   map[string]*entry
	idleTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates a registry whose pages expire after idleTTL without access.
func NewRegistry(idleTTL time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pages:   make(map[string]*entry),
		idleTTL: idleTTL,
		now:     time.Now,
		logger:  logger,
	}
}

// Register adds m under its page ID. A machine already registered under the
// same ID is closed and replaced.
func (r *Registry) Register(m *authlink.Machine) {
	r.mu.Lock()
	prev := r.pages[m.PageID()]
	r.pages[m.PageID()] = &entry{machine: m, lastSeen: r.now()}
	r.mu.Unlock()

	if prev != nil && prev.machine != m {
		prev.machine.Close()
	}
}

// Get returns the machine for id and marks the page as active.
func (r *Registry) Get(id string) (*authlink.Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pages[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.machine, true
}

// Touch marks the page as active without returning it.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pages[id]; ok {
		e.lastSeen = r.now()
	}
}

// Close tears down and forgets the page. It reports whether the page existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	e, ok := r.pages[id]
	delete(r.pages, id)
	r.mu.Unlock()

	if ok {
		e.machine.Close()
		r.logger.Info("Page closed", "page_id", id)
	}
	return ok
}

// Len returns the number of live pages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// Sweep closes pages idle since before now minus the idle TTL and returns
// how many were closed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)

	r.mu.Lock()
	var expired []*authlink.Machine
	for id, e := range r.pages {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, e.machine)
			delete(r.pages, id)
		}
	}
	r.mu.Unlock()

	for _, m := range expired {
		m.Close()
	}
	return len(expired)
}

// CloseAll tears down every page. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.pages
	r.pages = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range all {
		e.machine.Close()
	}
}
