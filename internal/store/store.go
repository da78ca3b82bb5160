// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/linkgate/internal/domain"
)

// ErrLinkConflict is returned when an employee is already linked to a
// different host account.
var ErrLinkConflict = errors.New("employee already linked to another account")

// Repository defines the interface for persisting directory and host session data.
type Repository interface {
	// GetEmployee retrieves an employee by UID.
	GetEmployee(ctx context.Context, uid string) (*domain.Employee, error)

	// GetEmployeeByExternalID retrieves the employee linked to a host user id.
	GetEmployeeByExternalID(ctx context.Context, externalID string) (*domain.Employee, error)

	// GetEmployeeByPhone retrieves an employee by normalized phone number.
	GetEmployeeByPhone(ctx context.Context, phone string) (*domain.Employee, error)

	// UpsertEmployee creates or updates an employee record. Existing links are kept.
	UpsertEmployee(ctx context.Context, employee *domain.Employee) error

	// ListEmployees returns all employees ordered by UID.
	ListEmployees(ctx context.Context) ([]*domain.Employee, error)

	// LinkEmployee binds an employee to a host user id. It only succeeds if
	// the employee is unlinked or already linked to the same id.
	LinkEmployee(ctx context.Context, uid, externalID string) error

	// GetHostSession retrieves a persisted host session by session ID.
	GetHostSession(ctx context.Context, sessionID string) (*domain.HostSession, error)

	// UpsertHostSession creates or updates a host session.
	UpsertHostSession(ctx context.Context, session *domain.HostSession) error

	// DeleteExpiredHostSessions removes sessions whose tokens expired before now.
	DeleteExpiredHostSessions(ctx context.Context, now time.Time) (int64, error)

	// CreateLoginAttempt records a pending host login.
	CreateLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error

	// ConsumeLoginAttempt deletes and returns a pending login by state.
	// It returns nil if the state is unknown.
	ConsumeLoginAttempt(ctx context.Context, state string) (*domain.LoginAttempt, error)

	// CleanupLoginAttempts removes pending logins older than ttl.
	CleanupLoginAttempts(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
