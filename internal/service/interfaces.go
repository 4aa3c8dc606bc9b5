package service

import (
	"context"

	"github.com/blogauth/blogauth/internal/model"
)

// CredentialStore is the account store the auth core reads and updates.
// Missing accounts are reported as repository.ErrNotFound.
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	UpdatePasswordHash(ctx context.Context, username, hash string) error
	// ReplacePassword stores the hash and clears the must-change flag together.
	ReplacePassword(ctx context.Context, username, hash string) error
	UpdateTwoFactor(ctx context.Context, username string, secret *string, enabled bool, codes []string) error
	// UpdateBackupCodes swaps the set only if it still equals expected,
	// returning repository.ErrConflict otherwise.
	UpdateBackupCodes(ctx context.Context, username string, expected, updated []string) error
	SetMustChangePassword(ctx context.Context, username string, must bool) error
	ClearMustChangePassword(ctx context.Context, username string) error
}
