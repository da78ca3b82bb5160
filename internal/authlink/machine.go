// Package authlink derives the readiness state that gates protected content.
//
// A Machine combines three independent signals for one page instance: the
// host session bootstrap, the backend identity lookup and, when the lookup
// finds nothing, a manual phone-number link. Each external call maps to
// exactly one transition:
//
//	Bootstrapping ──► FatalError
//	      │
//	      ├──► AwaitingLogin
//	      │
//	      └──► ResolvingIdentity ──► Ready
//	                 │                 ▲
//	                 └──► NeedsLink ───┘
//	                       ▲    │
//	                       └────┘ failed link
package authlink

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/linkgate/internal/directory"
	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/redirect"
	"github.com/ashureev/linkgate/internal/session"
)

// State is a readiness state observed by the rest of the application.
type State string

const (
	Bootstrapping     State = "bootstrapping"
	AwaitingLogin     State = "awaiting_login"
	ResolvingIdentity State = "resolving_identity"
	NeedsLink         State = "needs_link"
	Ready             State = "ready"
	FatalError        State = "fatal_error"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Ready || s == FatalError || s == AwaitingLogin
}

var (
	// ErrEmptyPhone rejects blank phone submissions before any network call.
	ErrEmptyPhone = errors.New("phone number is required")
	// ErrLinkInFlight rejects a submission while another is outstanding.
	ErrLinkInFlight = errors.New("a link request is already in progress")
	// ErrNotLinkable rejects submissions outside NeedsLink.
	ErrNotLinkable = errors.New("account linking is not available in the current state")
	// ErrClosed is returned once the machine has been torn down.
	ErrClosed = errors.New("page closed")
)

// Message shown when the directory could not be reached during linking.
const msgLinkUnavailable = "unable to link account right now, please try again"

// FailureKind classifies a FatalError.
type FailureKind string

const (
	FailureConfiguration      FailureKind = "configuration"
	FailureHostInitialization FailureKind = "host_initialization"
	FailureIdentityLookup     FailureKind = "identity_lookup"
)

// Failure describes why the machine reached FatalError.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	// Retryable is false when only reconfiguration can help.
	Retryable bool `json:"retryable"`
}

// Snapshot is an immutable view of the machine.
type Snapshot struct {
	State    State               `json:"state"`
	Version  uint64              `json:"version"`
	Redirect *redirect.Decision  `json:"redirect,omitempty"`
	LoginURL string              `json:"login_url,omitempty"`
	Session  *domain.ChatSession `json:"session,omitempty"`
	Employee *domain.Employee    `json:"employee,omitempty"`
	LastLink *domain.LinkOutcome `json:"last_link,omitempty"`
	Linking  bool                `json:"linking"`
	Error    *Failure            `json:"error,omitempty"`
}

// Bootstrapper is the host session bootstrap a Machine drives.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, page session.PageLoad) (session.Result, error)
}

// Machine is the readiness state machine for one page instance.
type Machine struct {
	page   session.PageLoad
	boot   Bootstrapper
	dir    directory.Directory
	logger *slog.Logger

	mu      sync.Mutex
	snap    Snapshot
	started bool
	closed  bool
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates a machine in Bootstrapping.
func New(page session.PageLoad, boot Bootstrapper, dir directory.Directory, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		page:   page,
		boot:   boot,
		dir:    dir,
		logger: logger.With("page_id", page.ID),
		snap:   Snapshot{State: Bootstrapping},
		subs:   make(map[int]chan Snapshot),
	}
}

// PageID returns the page instance this machine belongs to.
func (m *Machine) PageID() string {
	return m.page.ID
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Run drives the machine from Bootstrapping as far as it can go without
// user input. Only the first call does any work; later calls return the
// current snapshot.
func (m *Machine) Run(ctx context.Context) Snapshot {
	m.mu.Lock()
	if m.started || m.closed {
		s := m.snap
		m.mu.Unlock()
		return s
	}
	m.started = true
	m.mu.Unlock()

	res, err := m.boot.Bootstrap(ctx, m.page)
	if err != nil {
		if errors.Is(err, session.ErrBootstrapInProgress) || errors.Is(err, session.ErrAlreadyBootstrapped) {
			return m.Snapshot()
		}
		return m.fail(Bootstrapping, bootstrapFailure(err), err)
	}

	if res.Redirected() {
		// The page is being replaced; nothing else happens on it.
		return m.transition(Bootstrapping, func(s *Snapshot) {
			s.Redirect = &res.Redirect
		})
	}

	var decision *redirect.Decision
	if res.Redirect.Kind == redirect.RewriteQueryOnly {
		decision = &res.Redirect
	}

	if res.LoginURL != "" {
		return m.transition(Bootstrapping, func(s *Snapshot) {
			s.State = AwaitingLogin
			s.Redirect = decision
			s.LoginURL = res.LoginURL
		})
	}

	snap := m.transition(Bootstrapping, func(s *Snapshot) {
		s.State = ResolvingIdentity
		s.Redirect = decision
		s.Session = res.Session
	})
	if snap.State != ResolvingIdentity {
		return snap
	}

	emp, err := m.dir.LookupByExternalID(ctx, res.Session.ExternalID())
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return m.transition(ResolvingIdentity, func(s *Snapshot) {
			s.State = NeedsLink
		})
	case err != nil:
		return m.fail(ResolvingIdentity, Failure{
			Kind:      FailureIdentityLookup,
			Message:   "could not load your employee profile",
			Retryable: true,
		}, err)
	default:
		return m.transition(ResolvingIdentity, func(s *Snapshot) {
			s.State = Ready
			s.Employee = emp
		})
	}
}

// SubmitPhone attempts a manual link. Blank input and submissions while
// another is outstanding are rejected without calling the directory.
// A rejected link keeps the machine in NeedsLink with LastLink attached.
func (m *Machine) SubmitPhone(ctx context.Context, phone string) (domain.LinkOutcome, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.LinkOutcome{}, ErrEmptyPhone
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return domain.LinkOutcome{}, ErrClosed
	case m.snap.State != NeedsLink:
		m.mu.Unlock()
		return domain.LinkOutcome{}, ErrNotLinkable
	case m.snap.Linking:
		m.mu.Unlock()
		return domain.LinkOutcome{}, ErrLinkInFlight
	}
	m.snap.Linking = true
	externalID := m.snap.Session.ExternalID()
	m.publishLocked()
	m.mu.Unlock()

	outcome, err := m.dir.LinkByPhone(ctx, phone, externalID)
	if err != nil {
		m.logger.Error("Link request failed", "error", err)
		outcome = domain.LinkFailed(msgLinkUnavailable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return outcome, nil
	}
	m.snap.Linking = false
	m.snap.LastLink = &outcome
	if outcome.Success {
		m.snap.State = Ready
		m.snap.Employee = outcome.Employee
		m.logger.Info("Account linked", "state", Ready)
	} else {
		m.logger.Info("Link rejected", "reason", outcome.Error)
	}
	m.publishLocked()
	return outcome, nil
}

// Subscribe returns a channel that receives every later snapshot. Slow
// readers only ever miss intermediate snapshots, never the latest one.
// The channel is closed by cancel or Close.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// Close tears the machine down. Results of calls still in flight are
// dropped instead of being applied.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// Closed reports whether Close has been called.
func (m *Machine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// transition applies fn if the machine is still live and in from.
func (m *Machine) transition(from State, fn func(*Snapshot)) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.snap.State != from {
		return m.snap
	}
	fn(&m.snap)
	if m.snap.State != from {
		m.logger.Info("Readiness state changed", "from", from, "state", m.snap.State)
	}
	m.publishLocked()
	return m.snap
}

func (m *Machine) fail(from State, f Failure, err error) Snapshot {
	m.logger.Error("Bootstrap failed", "kind", f.Kind, "error", err)
	return m.transition(from, func(s *Snapshot) {
		s.State = FatalError
		s.Error = &f
	})
}

func (m *Machine) publishLocked() {
	m.snap.Version++
	for _, ch := range m.subs {
		select {
		case ch <- m.snap:
		default:
			// Drop the stale snapshot and deliver the latest.
			select {
			case <-ch:
			default:
			}
			ch <- m.snap
		}
	}
}

func bootstrapFailure(err error) Failure {
	if domain.IsConfigurationError(err) {
		return Failure{Kind: FailureConfiguration, Message: err.Error(), Retryable: false}
	}
	return Failure{Kind: FailureHostInitialization, Message: err.Error(), Retryable: true}
}
