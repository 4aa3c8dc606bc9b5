package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blogauth/blogauth/internal/database"
	"github.com/blogauth/blogauth/internal/model"
)

const resetTokenColumns = `id, purpose, username, token_hash, issued_by, created_at, expires_at, used, used_at`

// ResetTokenRepository persists single-use reset tokens for every purpose
type ResetTokenRepository struct {
	db *database.Postgres
}

// NewResetTokenRepository creates a new ResetTokenRepository
func NewResetTokenRepository(db *database.Postgres) *ResetTokenRepository {
	return &ResetTokenRepository{db: db}
}

// Replace invalidates every unused token of the same purpose for the owner
// and stores the new one. Concurrent issuance for one owner is serialised by
// a transaction-scoped advisory lock; the partial unique index on
// (lower(username), purpose) WHERE NOT used backs this up.
func (r *ResetTokenRepository) Replace(ctx context.Context, token *model.ResetToken, now time.Time) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		lockKey := string(token.Purpose) + ":" + token.Username
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext(lower($1)))`, lockKey); err != nil {
			return fmt.Errorf("failed to lock token owner: %w", err)
		}

		invalidate := `
			UPDATE reset_tokens SET used = true, used_at = $1
			WHERE lower(username) = lower($2) AND purpose = $3 AND NOT used
		`
		if _, err := tx.ExecContext(ctx, invalidate, now, token.Username, token.Purpose); err != nil {
			return fmt.Errorf("failed to invalidate previous tokens: %w", err)
		}

		insert := `
			INSERT INTO reset_tokens (id, purpose, username, token_hash, issued_by, created_at, expires_at, used)
			VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		`
		_, err := tx.ExecContext(ctx, insert,
			token.ID,
			token.Purpose,
			token.Username,
			token.TokenHash,
			token.IssuedBy,
			token.CreatedAt,
			token.ExpiresAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to create reset token: %w", err)
		}
		return nil
	})
}

// GetByHash retrieves a token of the given purpose by the hash of its value
func (r *ResetTokenRepository) GetByHash(ctx context.Context, purpose model.TokenPurpose, tokenHash string) (*model.ResetToken, error) {
	query := `SELECT ` + resetTokenColumns + ` FROM reset_tokens WHERE token_hash = $1 AND purpose = $2`
	return scanResetToken(r.db.QueryRowContext(ctx, query, tokenHash, purpose))
}

// MarkUsed flags a token as consumed. Marking an already used token is a no-op.
func (r *ResetTokenRepository) MarkUsed(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE reset_tokens SET used = true, used_at = COALESCE(used_at, $1) WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark reset token as used: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Consume marks the token used only if it is unused and unexpired at now,
// returning the consumed row. ErrNotFound means nothing was consumed.
func (r *ResetTokenRepository) Consume(ctx context.Context, purpose model.TokenPurpose, tokenHash string, now time.Time) (*model.ResetToken, error) {
	query := `
		UPDATE reset_tokens SET used = true, used_at = $1
		WHERE token_hash = $2 AND purpose = $3 AND NOT used AND expires_at >= $1
		RETURNING ` + resetTokenColumns
	return scanResetToken(r.db.QueryRowContext(ctx, query, now, tokenHash, purpose))
}

// DeleteStale removes tokens that expired before cutoff or were used before it
func (r *ResetTokenRepository) DeleteStale(ctx context.Context, purpose model.TokenPurpose, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM reset_tokens
		WHERE purpose = $1
		  AND (expires_at < $2 OR (used AND COALESCE(used_at, created_at) < $2))
	`
	result, err := r.db.ExecContext(ctx, query, purpose, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale reset tokens: %w", err)
	}
	return result.RowsAffected()
}

func scanResetToken(row *sql.Row) (*model.ResetToken, error) {
	var t model.ResetToken
	err := row.Scan(
		&t.ID,
		&t.Purpose,
		&t.Username,
		&t.TokenHash,
		&t.IssuedBy,
		&t.CreatedAt,
		&t.ExpiresAt,
		&t.Used,
		&t.UsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reset token: %w", err)
	}
	return &t, nil
}
