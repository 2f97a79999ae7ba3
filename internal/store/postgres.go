package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store persists session records in Postgres. Exclusivity per category is
// enforced by the partial unique index on (user_category) WHERE is_active,
// so two racing logins can never both leave an active row behind.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const sessionColumns = `
	session_id, user_id, user_type, user_category, user_name,
	login_time, last_activity, ip_address, user_agent, is_active, expires_at`

func scanSessionRecord(row interface{ Scan(...any) error }) (*SessionRecord, error) {
	var rec SessionRecord
	err := row.Scan(
		&rec.SessionID,
		&rec.UserID,
		&rec.UserType,
		&rec.UserCategory,
		&rec.UserName,
		&rec.LoginTime,
		&rec.LastActivity,
		&rec.IPAddress,
		&rec.UserAgent,
		&rec.IsActive,
		&rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindActiveByCategory returns the live occupant of a category, or nil when
// the seat is free. Expired rows are filtered here so correctness never
// depends on reaper timing.
func (s *Store) FindActiveByCategory(ctx context.Context, category string, asOf time.Time) (*SessionRecord, error) {
	category, err := NormalizeCategory(category)
	if err != nil {
		return nil, err
	}

	rec, err := scanSessionRecord(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_category = $1 AND is_active = true AND expires_at > $2
		ORDER BY login_time DESC
		LIMIT 1
	`, category, asOf.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session for %s: %w", category, err)
	}
	return rec, nil
}

// CreateExclusive deactivates every record in the new record's category and
// inserts the record as active, as one atomic transition. When two callers
// race, the unique index rejects the loser's insert and the transaction is
// retried, so the last writer wins and exactly one active row survives.
func (s *Store) CreateExclusive(ctx context.Context, rec *SessionRecord) error {
	if rec == nil {
		return fmt.Errorf("session record is required")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	category, err := NormalizeCategory(rec.UserCategory)
	if err != nil {
		return err
	}
	rec.UserCategory = category

	const maxRetries = 4
	for i := 0; i < maxRetries; i++ {
		err := s.createExclusiveOnce(ctx, rec)
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			continue
		}
		return err
	}
	return fmt.Errorf("create session for %s: category contended beyond retry budget", category)
}

func (s *Store) createExclusiveOnce(ctx context.Context, rec *SessionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET is_active = false
		WHERE user_category = $1 AND is_active = true
	`, rec.UserCategory); err != nil {
		return fmt.Errorf("deactivate category %s: %w", rec.UserCategory, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.SessionID,
		rec.UserID,
		rec.UserType,
		rec.UserCategory,
		rec.UserName,
		rec.LoginTime.UTC(),
		rec.LastActivity.UTC(),
		rec.IPAddress,
		rec.UserAgent,
		rec.IsActive,
		rec.ExpiresAt.UTC(),
	); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// Deactivate marks a session terminated. Idempotent: a second call (or a
// call for an unknown session) reports no change without error.
func (s *Store) Deactivate(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET is_active = false
		WHERE session_id = $1 AND is_active = true
	`, strings.TrimSpace(sessionID))
	if err != nil {
		return false, fmt.Errorf("deactivate session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeactivateCategory force-terminates every active session of a category and
// reports how many were displaced.
func (s *Store) DeactivateCategory(ctx context.Context, category string) (int64, error) {
	category, err := NormalizeCategory(category)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET is_active = false
		WHERE user_category = $1 AND is_active = true
	`, category)
	if err != nil {
		return 0, fmt.Errorf("deactivate category %s: %w", category, err)
	}
	return res.RowsAffected()
}

// Touch records a heartbeat. Fails with ErrSessionNotFound for unknown
// sessions and ErrSessionInactive for terminated or expired ones.
func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) (*SessionRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	rec, err := scanSessionRecord(s.db.QueryRowContext(ctx, `
		UPDATE sessions SET last_activity = $2
		WHERE session_id = $1 AND is_active = true AND expires_at > $2
		RETURNING `+sessionColumns+`
	`, sessionID, at.UTC()))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)
	`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("touch session lookup: %w", err)
	}
	if !exists {
		return nil, ErrSessionNotFound
	}
	return nil, ErrSessionInactive
}

// ListActive returns every live session as of the given instant, most recent
// login first.
func (s *Store) ListActive(ctx context.Context, asOf time.Time) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE is_active = true AND expires_at > $1
		ORDER BY login_time DESC
	`, asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionRecord, 0, 2)
	for rows.Next() {
		rec, err := scanSessionRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CountExpired reports how many rows are eligible for reaping.
func (s *Store) CountExpired(ctx context.Context, asOf time.Time) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE expires_at <= $1
	`, asOf.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count expired sessions: %w", err)
	}
	return count, nil
}

// DeleteExpired physically removes up to limit expired rows, active flag
// notwithstanding, and reports how many were deleted.
func (s *Store) DeleteExpired(ctx context.Context, asOf time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("delete batch limit must be positive")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE session_id IN (
			SELECT session_id FROM sessions WHERE expires_at <= $1 LIMIT $2
		)
	`, asOf.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
