// Package directory resolves host identities against the employee directory
// and links them by phone number.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/shared"
	"github.com/ashureev/linkgate/internal/store"
)

// ErrNotFound is returned when no employee is linked to a host identity.
var ErrNotFound = errors.New("employee not found")

// User-facing link failure messages.
const (
	MsgInvalidPhone   = "invalid phone number"
	MsgUnknownPhone   = "no employee is registered with this phone number"
	MsgAlreadyLinked  = "this phone number is already linked to another LINE account"
	MsgIdentityLinked = "this LINE account is already linked to another employee"
)

// Directory is the backend identity contract.
type Directory interface {
	// LookupByExternalID returns the employee linked to a host user id,
	// or ErrNotFound.
	LookupByExternalID(ctx context.Context, externalID string) (*domain.Employee, error)

	// LinkByPhone attempts to link the employee owning phone to externalID.
	// A rejected link is an unsuccessful outcome, not an error.
	LinkByPhone(ctx context.Context, phone, externalID string) (domain.LinkOutcome, error)
}

// Service implements Directory on a store.Repository.
type Service struct {
	repo   store.Repository
	retry  shared.RetryPolicy
	logger *slog.Logger
}

// NewService creates a directory service.
func NewService(repo store.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, retry: shared.DefaultRetryPolicy, logger: logger}
}

// LookupByExternalID returns the employee linked to externalID.
func (s *Service) LookupByExternalID(ctx context.Context, externalID string) (*domain.Employee, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	emp, err := s.repo.GetEmployeeByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("lookup employee: %w", err)
	}
	if emp == nil {
		return nil, ErrNotFound
	}
	return emp, nil
}

// LinkByPhone links the employee registered under phone to externalID.
func (s *Service) LinkByPhone(ctx context.Context, phone, externalID string) (domain.LinkOutcome, error) {
	normalized := NormalizePhone(phone)
	if normalized == "" || externalID == "" {
		return domain.LinkFailed(MsgInvalidPhone), nil
	}

	emp, err := s.repo.GetEmployeeByPhone(ctx, normalized)
	if err != nil {
		return domain.LinkOutcome{}, fmt.Errorf("find employee by phone: %w", err)
	}
	if emp == nil {
		s.logger.Info("Link rejected: unknown phone", "external_id", externalID)
		return domain.LinkFailed(MsgUnknownPhone), nil
	}
	if emp.ExternalID == externalID {
		return domain.LinkOutcome{Success: true, Employee: emp}, nil
	}
	if emp.IsLinked() {
		s.logger.Warn("Link rejected: employee already linked", "uid", emp.UID, "external_id", externalID)
		return domain.LinkFailed(MsgAlreadyLinked), nil
	}

	err = shared.RetryOnConflict(ctx, s.retry, "link employee", func() error {
		return s.repo.LinkEmployee(ctx, emp.UID, externalID)
	})
	if errors.Is(err, store.ErrLinkConflict) {
		s.logger.Warn("Link rejected: conflicting link", "uid", emp.UID, "external_id", externalID)
		return domain.LinkFailed(MsgIdentityLinked), nil
	}
	if err != nil {
		return domain.LinkOutcome{}, fmt.Errorf("link employee: %w", err)
	}

	linked, err := s.repo.GetEmployee(ctx, emp.UID)
	if err != nil || linked == nil {
		// The link is written; fall back to the pre-link record.
		linked = emp
		linked.ExternalID = externalID
	}
	s.logger.Info("Employee linked", "uid", linked.UID, "external_id", externalID)
	return domain.LinkOutcome{Success: true, Employee: linked}, nil
}

// NormalizePhone reduces a phone number to national-format digits:
// separators are dropped and a +66/66 country prefix becomes a leading 0.
// It returns "" when the input has no plausible number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "66") && len(digits) == 11 {
		digits = "0" + digits[2:]
	}
	if len(digits) < 9 || len(digits) > 10 {
		return ""
	}
	return digits
}
