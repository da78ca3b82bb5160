// Package session runs the one-time host session bootstrap for a page load.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"

	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/hostsdk"
	"github.com/ashureev/linkgate/internal/redirect"
)

var (
	// ErrBootstrapInProgress is returned to a concurrent second caller.
	ErrBootstrapInProgress = errors.New("bootstrap already in progress")
	// ErrAlreadyBootstrapped is returned once a page has been bootstrapped.
	ErrAlreadyBootstrapped = errors.New("page already bootstrapped")
)

// PageLoad identifies one page instance and the URL it was opened with.
type PageLoad struct {
	ID  string
	URL *url.URL
}

// Result is the outcome of a completed bootstrap. Exactly one of the
// following holds: Redirect.Kind is redirect.Redirect, LoginURL is set, or
// Session is set.
type Result struct {
	Redirect redirect.Decision
	LoginURL string
	Session  *domain.ChatSession
}

// Redirected reports whether the page is being replaced by a deep link.
func (r Result) Redirected() bool {
	return r.Redirect.Kind == redirect.Redirect
}

// Bootstrapper initializes the host session for a single page instance.
type Bootstrapper struct {
	appID  string
	sdk    hostsdk.SDK
	logger *slog.Logger

	mu   sync.Mutex
	done bool
}

// New creates a bootstrapper for one page instance.
func New(appID string, sdk hostsdk.SDK, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{appID: appID, sdk: sdk, logger: logger}
}

// Bootstrap runs at most once. Redirect normalization always completes
// before the login state is looked at, and a Redirect decision ends the
// bootstrap without touching the login state at all.
func (b *Bootstrapper) Bootstrap(ctx context.Context, page PageLoad) (Result, error) {
	if !b.mu.TryLock() {
		b.logger.Warn("Bootstrap already in progress", "page_id", page.ID)
		return Result{}, ErrBootstrapInProgress
	}
	defer b.mu.Unlock()

	if b.done {
		return Result{}, ErrAlreadyBootstrapped
	}
	b.done = true

	if b.appID == "" {
		return Result{}, &domain.ConfigurationError{Key: "LIFF_ID"}
	}

	if err := b.sdk.Init(ctx, b.appID); err != nil {
		if domain.IsConfigurationError(err) {
			return Result{}, err
		}
		return Result{}, &domain.HostInitializationError{Op: "init", Err: err}
	}

	decision := redirect.Normalize(page.URL)
	if decision.Rejected != nil {
		b.logger.Warn("Ignoring deep link", "page_id", page.ID, "path", decision.Rejected.Path, "reason", decision.Rejected.Reason)
	}
	result := Result{Redirect: decision}
	if decision.Kind == redirect.Redirect {
		b.logger.Info("Redirecting deep link", "page_id", page.ID, "target", decision.CanonicalPath, "decode_passes", decision.DecodePasses)
		return result, nil
	}

	if !b.sdk.IsLoggedIn(ctx) {
		loginURL, err := b.sdk.Login(ctx, hostsdk.LoginRequest{
			RedirectURI: returnURL(page.URL, decision),
			Scope:       hostsdk.DefaultScope,
		})
		if err != nil {
			return Result{}, &domain.HostInitializationError{Op: "login", Err: err}
		}
		b.logger.Info("Host login required", "page_id", page.ID)
		result.LoginURL = loginURL
		return result, nil
	}

	identity, err := b.sdk.GetProfile(ctx)
	if err != nil {
		return Result{}, &domain.HostInitializationError{Op: "profile", Err: err}
	}
	result.Session = domain.NewChatSession(identity)
	return result, nil
}

// returnURL is the full current URL, as it stands after any query rewrite.
func returnURL(current *url.URL, decision redirect.Decision) string {
	if current == nil {
		return ""
	}
	if decision.Kind != redirect.RewriteQueryOnly {
		return current.String()
	}
	clean, err := current.Parse(decision.CleanURL)
	if err != nil {
		return current.String()
	}
	return clean.String()
}
