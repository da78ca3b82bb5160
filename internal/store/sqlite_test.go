package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/linkgate/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "data", "linkgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestEmployeeLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.UpsertEmployee(ctx, &domain.Employee{
		UID: "emp-1", DisplayName: "Somchai", Phone: "0812345678", Department: "Warehouse",
	}))

	byPhone, err := repo.GetEmployeeByPhone(ctx, "0812345678")
	require.NoError(t, err)
	require.NotNil(t, byPhone)
	require.Equal(t, "emp-1", byPhone.UID)
	require.False(t, byPhone.IsLinked())

	missing, err := repo.GetEmployeeByExternalID(ctx, "U123")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, repo.LinkEmployee(ctx, "emp-1", "U123"))

	linked, err := repo.GetEmployeeByExternalID(ctx, "U123")
	require.NoError(t, err)
	require.NotNil(t, linked)
	require.Equal(t, "emp-1", linked.UID)
	require.False(t, linked.LinkedAt.IsZero())

	// Relinking to the same account is a no-op success.
	require.NoError(t, repo.LinkEmployee(ctx, "emp-1", "U123"))

	// Upsert keeps the existing link.
	require.NoError(t, repo.UpsertEmployee(ctx, &domain.Employee{
		UID: "emp-1", DisplayName: "Somchai J.", Phone: "0812345678",
	}))
	got, err := repo.GetEmployee(ctx, "emp-1")
	require.NoError(t, err)
	require.Equal(t, "Somchai J.", got.DisplayName)
	require.Equal(t, "U123", got.ExternalID)
}

func TestLinkEmployeeConflicts(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.UpsertEmployee(ctx, &domain.Employee{UID: "emp-1", DisplayName: "A", Phone: "0800000001"}))
	require.NoError(t, repo.UpsertEmployee(ctx, &domain.Employee{UID: "emp-2", DisplayName: "B", Phone: "0800000002"}))

	require.NoError(t, repo.LinkEmployee(ctx, "emp-1", "U1"))

	err := repo.LinkEmployee(ctx, "emp-1", "U2")
	require.True(t, errors.Is(err, ErrLinkConflict))

	// One host account cannot own two employee records.
	err = repo.LinkEmployee(ctx, "emp-2", "U1")
	require.True(t, errors.Is(err, ErrLinkConflict))

	err = repo.LinkEmployee(ctx, "emp-404", "U3")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrLinkConflict))
}

func TestUpsertEmployeeDuplicatePhone(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.UpsertEmployee(ctx, &domain.Employee{UID: "emp-1", DisplayName: "A", Phone: "0800000001"}))
	err := repo.UpsertEmployee(ctx, &domain.Employee{UID: "emp-2", DisplayName: "B", Phone: "0800000001"})
	require.Error(t, err)
}

func TestListEmployeesOrdered(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	for _, uid := range []string{"c", "a", "b"} {
		require.NoError(t, repo.UpsertEmployee(ctx, &domain.Employee{UID: uid, DisplayName: uid, Phone: "08" + uid}))
	}
	list, err := repo.ListEmployees(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "a", list[0].UID)
	require.Equal(t, "c", list[2].UID)
}

func TestHostSessions(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	require.NoError(t, repo.UpsertHostSession(ctx, &domain.HostSession{
		SessionID: "hs_live", HostUserID: "U1", AccessToken: "tok", ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, repo.UpsertHostSession(ctx, &domain.HostSession{
		SessionID: "hs_old", HostUserID: "U2", AccessToken: "tok2", ExpiresAt: now.Add(-time.Hour),
	}))

	got, err := repo.GetHostSession(ctx, "hs_live")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "U1", got.HostUserID)
	require.True(t, got.Valid(now))

	deleted, err := repo.DeleteExpiredHostSessions(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	gone, err := repo.GetHostSession(ctx, "hs_old")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestLoginAttemptsAreConsumedOnce(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.CreateLoginAttempt(ctx, &domain.LoginAttempt{
		State: "01HSTATE", RedirectURI: "https://app.example.com/confirm/abc", CreatedAt: time.Now(),
	}))

	first, err := repo.ConsumeLoginAttempt(ctx, "01HSTATE")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "https://app.example.com/confirm/abc", first.RedirectURI)

	second, err := repo.ConsumeLoginAttempt(ctx, "01HSTATE")
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestCleanupLoginAttempts(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.CreateLoginAttempt(ctx, &domain.LoginAttempt{State: "old", RedirectURI: "/", CreatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, repo.CreateLoginAttempt(ctx, &domain.LoginAttempt{State: "new", RedirectURI: "/", CreatedAt: time.Now()}))

	n, err := repo.CleanupLoginAttempts(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
