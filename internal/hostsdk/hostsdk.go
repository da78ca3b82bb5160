// Package hostsdk defines the contract linkgate needs from the chat host's
// session SDK.
package hostsdk

import (
	"context"

	"github.com/ashureev/linkgate/internal/domain"
)

// DefaultScope is the permission set requested on every host login.
const DefaultScope = "profile openid chat_message.write"

// LoginRequest describes a host login to trigger.
type LoginRequest struct {
	// RedirectURI is where the user lands after the host login completes.
	RedirectURI string
	Scope       string
}

// SDK is a host session bound to a single page load.
type SDK interface {
	// Init prepares the session for the given host application ID.
	Init(ctx context.Context, appID string) error

	// IsLoggedIn reports whether the user already has a host session.
	IsLoggedIn(ctx context.Context) bool

	// Login starts a host login and returns the URL the client must
	// navigate to. Nothing else happens on this page after a login.
	Login(ctx context.Context, req LoginRequest) (string, error)

	// GetProfile fetches the signed-in user's host profile.
	GetProfile(ctx context.Context) (domain.HostIdentity, error)
}
