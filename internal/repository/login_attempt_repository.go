package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blogauth/blogauth/internal/database"
)

// LoginAttemptRepository stores login attempts per rate-limit identifier
type LoginAttemptRepository struct {
	db *database.Postgres
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.Postgres) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

// FailuresSince counts failed attempts for identifier strictly after since
// and returns the oldest of them.
func (r *LoginAttemptRepository) FailuresSince(ctx context.Context, identifier string, since time.Time) (int, time.Time, error) {
	query := `
		SELECT COUNT(*), MIN(attempted_at)
		FROM login_attempts
		WHERE identifier = $1 AND NOT success AND attempted_at > $2
	`
	var count int
	var earliest sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, identifier, since).Scan(&count, &earliest); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count login failures: %w", err)
	}
	return count, earliest.Time, nil
}

// Record appends an attempt. A successful attempt also clears the
// identifier's failures in the same transaction.
func (r *LoginAttemptRepository) Record(ctx context.Context, identifier string, success bool, at time.Time) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		insert := `INSERT INTO login_attempts (identifier, attempted_at, success) VALUES ($1, $2, $3)`
		if _, err := tx.ExecContext(ctx, insert, identifier, at, success); err != nil {
			return fmt.Errorf("failed to record login attempt: %w", err)
		}
		if !success {
			return nil
		}
		clear := `DELETE FROM login_attempts WHERE identifier = $1 AND NOT success`
		if _, err := tx.ExecContext(ctx, clear, identifier); err != nil {
			return fmt.Errorf("failed to clear login failures: %w", err)
		}
		return nil
	})
}

// DeleteBefore prunes attempts older than cutoff
func (r *LoginAttemptRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune login attempts: %w", err)
	}
	return result.RowsAffected()
}

// ClearFailuresWithSuffix removes failures for every identifier ending in
// suffix, used to lift an account lockout across all client fingerprints.
func (r *LoginAttemptRepository) ClearFailuresWithSuffix(ctx context.Context, suffix string) (int64, error) {
	if suffix == "" {
		return 0, ErrInvalidInput
	}
	query := `
		DELETE FROM login_attempts
		WHERE NOT success AND right(identifier, $1) = $2
	`
	result, err := r.db.ExecContext(ctx, query, len([]rune(suffix)), strings.ToLower(suffix))
	if err != nil {
		return 0, fmt.Errorf("failed to clear account failures: %w", err)
	}
	return result.RowsAffected()
}
