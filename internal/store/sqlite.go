package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	loginMu sync.Mutex // serializes consume of one-time login attempts
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS employees (
		uid TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		phone TEXT NOT NULL,
		department TEXT NOT NULL DEFAULT '',
		external_id TEXT,
		linked_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_employees_phone ON employees(phone);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_employees_external_id ON employees(external_id) WHERE external_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS host_sessions (
		session_id TEXT PRIMARY KEY,
		host_user_id TEXT NOT NULL,
		access_token TEXT NOT NULL,
		id_token TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_host_sessions_expires ON host_sessions(expires_at);

	CREATE TABLE IF NOT EXISTS login_attempts (
		state TEXT PRIMARY KEY,
		redirect_uri TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const employeeColumns = `uid, display_name, phone, department, external_id, linked_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (*domain.Employee, error) {
	var e domain.Employee
	var externalID sql.NullString
	var linkedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&e.UID, &e.DisplayName, &e.Phone, &e.Department,
		&externalID, &linkedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	e.ExternalID = externalID.String
	if linkedAt.Valid {
		e.LinkedAt = time.Unix(linkedAt.Int64, 0)
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}

func (s *SQLiteStore) getEmployeeWhere(ctx context.Context, where string, arg any) (*domain.Employee, error) {
	query := `SELECT ` + employeeColumns + ` FROM employees WHERE ` + where
	e, err := scanEmployee(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan employee row: %w", err)
	}
	return e, nil
}

// GetEmployee retrieves an employee by UID.
func (s *SQLiteStore) GetEmployee(ctx context.Context, uid string) (*domain.Employee, error) {
	return s.getEmployeeWhere(ctx, `uid = ?`, uid)
}

// GetEmployeeByExternalID retrieves the employee linked to a host user id.
func (s *SQLiteStore) GetEmployeeByExternalID(ctx context.Context, externalID string) (*domain.Employee, error) {
	return s.getEmployeeWhere(ctx, `external_id = ?`, externalID)
}

// GetEmployeeByPhone retrieves an employee by normalized phone number.
func (s *SQLiteStore) GetEmployeeByPhone(ctx context.Context, phone string) (*domain.Employee, error) {
	return s.getEmployeeWhere(ctx, `phone = ?`, phone)
}

// UpsertEmployee creates or updates an employee record.
func (s *SQLiteStore) UpsertEmployee(ctx context.Context, employee *domain.Employee) error {
	query := `
	INSERT INTO employees (uid, display_name, phone, department, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(uid) DO UPDATE SET
		display_name = excluded.display_name,
		phone = excluded.phone,
		department = excluded.department,
		updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := employee.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, query,
		employee.UID, employee.DisplayName, employee.Phone, employee.Department,
		createdAt.Unix(), now.Unix(),
	)
	if err != nil {
		if shared.IsSQLiteConstraintError(err) {
			return fmt.Errorf("upsert employee %s: phone %s already registered: %w", employee.UID, employee.Phone, err)
		}
		return fmt.Errorf("upsert employee: %w", err)
	}
	return nil
}

// ListEmployees returns all employees ordered by UID.
func (s *SQLiteStore) ListEmployees(ctx context.Context) ([]*domain.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+employeeColumns+` FROM employees ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("query employees: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close employee rows", "error", closeErr)
		}
	}()

	var employees []*domain.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan employee row: %w", err)
		}
		employees = append(employees, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate employees: %w", err)
	}
	return employees, nil
}

// LinkEmployee binds an employee to a host user id.
func (s *SQLiteStore) LinkEmployee(ctx context.Context, uid, externalID string) error {
	now := time.Now().Unix()
	query := `
	UPDATE employees SET external_id = ?, linked_at = ?, updated_at = ?
	WHERE uid = ? AND (external_id IS NULL OR external_id = ?)`

	result, err := s.db.ExecContext(ctx, query, externalID, now, now, uid, externalID)
	if err != nil {
		if shared.IsSQLiteConstraintError(err) {
			return ErrLinkConflict
		}
		return fmt.Errorf("link employee: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("LinkEmployee affected 0 rows", "uid", uid)
		existing, err := s.GetEmployee(ctx, uid)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("employee not found: %s", uid)
		}
		return ErrLinkConflict
	}
	return nil
}

// GetHostSession retrieves a persisted host session by session ID.
func (s *SQLiteStore) GetHostSession(ctx context.Context, sessionID string) (*domain.HostSession, error) {
	query := `
		SELECT session_id, host_user_id, access_token, id_token,
		       expires_at, created_at, updated_at
		FROM host_sessions WHERE session_id = ?`

	var hs domain.HostSession
	var expiresAt, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&hs.SessionID, &hs.HostUserID, &hs.AccessToken, &hs.IDToken,
		&expiresAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan host session: %w", err)
	}

	hs.ExpiresAt = time.Unix(expiresAt, 0)
	hs.CreatedAt = time.Unix(createdAt, 0)
	hs.UpdatedAt = time.Unix(updatedAt, 0)
	return &hs, nil
}

// UpsertHostSession creates or updates a host session.
func (s *SQLiteStore) UpsertHostSession(ctx context.Context, session *domain.HostSession) error {
	query := `
	INSERT INTO host_sessions (session_id, host_user_id, access_token, id_token, expires_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		host_user_id = excluded.host_user_id,
		access_token = excluded.access_token,
		id_token = excluded.id_token,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.HostUserID, session.AccessToken, session.IDToken,
		session.ExpiresAt.Unix(), createdAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert host session: %w", err)
	}
	return nil
}

// DeleteExpiredHostSessions removes sessions whose tokens expired before now.
func (s *SQLiteStore) DeleteExpiredHostSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM host_sessions WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired host sessions: %w", err)
	}
	return result.RowsAffected()
}

// CreateLoginAttempt records a pending host login.
func (s *SQLiteStore) CreateLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_attempts (state, redirect_uri, created_at) VALUES (?, ?, ?)`,
		attempt.State, attempt.RedirectURI, attempt.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

// ConsumeLoginAttempt deletes and returns a pending login by state.
func (s *SQLiteStore) ConsumeLoginAttempt(ctx context.Context, state string) (*domain.LoginAttempt, error) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	var attempt domain.LoginAttempt
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, redirect_uri, created_at FROM login_attempts WHERE state = ?`, state,
	).Scan(&attempt.State, &attempt.RedirectURI, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan login attempt: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE state = ?`, state); err != nil {
		return nil, fmt.Errorf("delete login attempt: %w", err)
	}

	attempt.CreatedAt = time.Unix(createdAt, 0)
	return &attempt, nil
}

// CleanupLoginAttempts removes pending logins older than ttl.
func (s *SQLiteStore) CleanupLoginAttempts(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup login attempts: %w", err)
	}
	return result.RowsAffected()
}
