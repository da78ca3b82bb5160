package domain

import (
	"time"
)

// HostIdentity is the profile reported by the chat host for the signed-in user.
type HostIdentity struct {
	DisplayName string `json:"display_name"`
	ExternalID  string `json:"external_id"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ChatSession is an authenticated host session as seen by one page load.
// It is created once bootstrap completes and is never mutated afterwards.
type ChatSession struct {
	LoggedIn  bool          `json:"logged_in"`
	Identity  *HostIdentity `json:"identity,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewChatSession returns a logged-in session for the given identity.
func NewChatSession(identity HostIdentity) *ChatSession {
	return &ChatSession{
		LoggedIn:  true,
		Identity:  &identity,
		CreatedAt: time.Now(),
	}
}

// ExternalID returns the host user id, or "" when no identity is attached.
func (s *ChatSession) ExternalID() string {
	if s == nil || s.Identity == nil {
		return ""
	}
	return s.Identity.ExternalID
}

// HostSession is a persisted host login obtained through the OAuth callback.
type HostSession struct {
	SessionID   string
	HostUserID  string
	AccessToken string
	IDToken     string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Valid reports whether the session carries an unexpired access token.
func (s *HostSession) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && now.Before(s.ExpiresAt)
}

// LoginAttempt is a pending host login, keyed by the OAuth state value.
type LoginAttempt struct {
	State       string
	RedirectURI string
	CreatedAt   time.Time
}
