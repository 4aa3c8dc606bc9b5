package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/blogauth/blogauth/internal/model"
)

// MemoryUserRepository is an in-process credential store with the same
// semantics as UserRepository. Used by tests and local tools.
type MemoryUserRepository struct {
	mu    sync.Mutex
	users map[string]*model.User // keyed by lower-case username

	// Err, when set, is returned by every call
	Err error
}

// NewMemoryUserRepository creates an empty MemoryUserRepository
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]*model.User)}
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	key := strings.ToLower(user.Username)
	if _, ok := r.users[key]; ok {
		return ErrDuplicate
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Email, user.Email) {
			return ErrDuplicate
		}
	}
	user.TwoFactorEnabled = false
	user.TOTPSecret = nil
	user.BackupCodes = nil
	stored := cloneUser(user)
	stored.Email = strings.ToLower(stored.Email)
	r.users[key] = stored
	return nil
}

// Put stores user as-is, including two-factor state
func (r *MemoryUserRepository) Put(user *model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[strings.ToLower(user.Username)] = cloneUser(user)
}

func (r *MemoryUserRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	u, ok := r.users[strings.ToLower(username)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (r *MemoryUserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryUserRepository) UpdatePasswordHash(ctx context.Context, username, hash string) error {
	return r.update(username, func(u *model.User) error {
		u.PasswordHash = hash
		return nil
	})
}

func (r *MemoryUserRepository) ReplacePassword(ctx context.Context, username, hash string) error {
	return r.update(username, func(u *model.User) error {
		u.PasswordHash = hash
		u.MustChangePassword = false
		return nil
	})
}

func (r *MemoryUserRepository) UpdateTwoFactor(ctx context.Context, username string, secret *string, enabled bool, codes []string) error {
	return r.update(username, func(u *model.User) error {
		if secret != nil {
			s := *secret
			u.TOTPSecret = &s
		} else {
			u.TOTPSecret = nil
		}
		u.TwoFactorEnabled = enabled
		u.BackupCodes = slices.Clone(codes)
		return nil
	})
}

func (r *MemoryUserRepository) UpdateBackupCodes(ctx context.Context, username string, expected, updated []string) error {
	return r.update(username, func(u *model.User) error {
		if !slices.Equal(u.BackupCodes, expected) {
			return ErrConflict
		}
		u.BackupCodes = slices.Clone(updated)
		return nil
	})
}

func (r *MemoryUserRepository) SetMustChangePassword(ctx context.Context, username string, must bool) error {
	return r.update(username, func(u *model.User) error {
		u.MustChangePassword = must
		return nil
	})
}

func (r *MemoryUserRepository) ClearMustChangePassword(ctx context.Context, username string) error {
	return r.SetMustChangePassword(ctx, username, false)
}

func (r *MemoryUserRepository) update(username string, fn func(u *model.User) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	u, ok := r.users[strings.ToLower(username)]
	if !ok {
		return ErrNotFound
	}
	if err := fn(u); err != nil {
		return err
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneUser(u *model.User) *model.User {
	c := *u
	if u.TOTPSecret != nil {
		s := *u.TOTPSecret
		c.TOTPSecret = &s
	}
	c.BackupCodes = slices.Clone(u.BackupCodes)
	return &c
}
