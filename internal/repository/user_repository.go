package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blogauth/blogauth/internal/database"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/lib/pq"
)

const userColumns = `id, username, email, password_hash, role, twofa_enabled,
	totp_secret, backup_codes, must_change_password, created_at, updated_at`

// UserRepository is the credential store backed by the users table.
// Username lookups are case-insensitive.
type UserRepository struct {
	db *database.Postgres
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *database.Postgres) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user. Two-factor auth always starts disabled.
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (id, username, email, password_hash, role, twofa_enabled,
		    must_change_password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		strings.ToLower(user.Email),
		user.PasswordHash,
		user.Role,
		user.MustChangePassword,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.TwoFactorEnabled = false
	user.TOTPSecret = nil
	user.BackupCodes = nil
	return nil
}

// FindByUsername retrieves a user by username, ignoring case
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(username) = lower($1)`
	return r.scanUser(r.db.QueryRowContext(ctx, query, username))
}

// FindByEmail retrieves a user by email address
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// UpdatePasswordHash replaces the stored password hash
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, username, hash string) error {
	query := `UPDATE users SET password_hash = $1, updated_at = $2 WHERE lower(username) = lower($3)`
	return r.execOne(ctx, "update password", query, hash, time.Now().UTC(), username)
}

// ReplacePassword stores a new hash and clears the must-change flag in one statement
func (r *UserRepository) ReplacePassword(ctx context.Context, username, hash string) error {
	query := `
		UPDATE users SET password_hash = $1, must_change_password = false, updated_at = $2
		WHERE lower(username) = lower($3)
	`
	return r.execOne(ctx, "replace password", query, hash, time.Now().UTC(), username)
}

// UpdateTwoFactor sets the TOTP secret, enabled flag and backup code hashes
// together. Passing a nil secret with enabled=false clears all 2FA state.
func (r *UserRepository) UpdateTwoFactor(ctx context.Context, username string, secret *string, enabled bool, codes []string) error {
	if enabled && (secret == nil || *secret == "") {
		return ErrInvalidInput
	}
	var codesArg interface{}
	if codes != nil {
		codesArg = pq.Array(codes)
	}
	query := `
		UPDATE users SET totp_secret = $1, twofa_enabled = $2, backup_codes = $3, updated_at = $4
		WHERE lower(username) = lower($5)
	`
	return r.execOne(ctx, "update two-factor state", query, secret, enabled, codesArg, time.Now().UTC(), username)
}

// UpdateBackupCodes swaps the backup code set only if it still equals
// expected, so a code can be spent once even under concurrent requests.
func (r *UserRepository) UpdateBackupCodes(ctx context.Context, username string, expected, updated []string) error {
	query := `
		UPDATE users SET backup_codes = $1, updated_at = $2
		WHERE lower(username) = lower($3) AND backup_codes IS NOT DISTINCT FROM $4
	`
	result, err := r.db.ExecContext(ctx, query,
		pq.Array(updated), time.Now().UTC(), username, pq.Array(expected))
	if err != nil {
		return fmt.Errorf("failed to update backup codes: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		if _, err := r.FindByUsername(ctx, username); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// SetMustChangePassword sets or clears the forced rotation flag
func (r *UserRepository) SetMustChangePassword(ctx context.Context, username string, must bool) error {
	query := `UPDATE users SET must_change_password = $1, updated_at = $2 WHERE lower(username) = lower($3)`
	return r.execOne(ctx, "update must_change_password", query, must, time.Now().UTC(), username)
}

// ClearMustChangePassword clears the forced rotation flag
func (r *UserRepository) ClearMustChangePassword(ctx context.Context, username string) error {
	return r.SetMustChangePassword(ctx, username, false)
}

func (r *UserRepository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanUser scans a single user row
func (r *UserRepository) scanUser(row *sql.Row) (*model.User, error) {
	var user model.User
	var codes []string
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.TwoFactorEnabled,
		&user.TOTPSecret,
		pq.Array(&codes),
		&user.MustChangePassword,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	user.BackupCodes = codes
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
