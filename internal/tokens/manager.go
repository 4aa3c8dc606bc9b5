// Package tokens issues and validates single-use, time-boxed bearer tokens.
// One Manager serves one purpose; the lifecycle is the same for all of them.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/repository"
	"github.com/google/uuid"
)

var (
	ErrTokenNotFound    = errors.New("invalid or expired token")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenAlreadyUsed = errors.New("token has already been used")
)

// Store persists tokens by the hash of their value. Lookups that match no
// row return repository.ErrNotFound.
type Store interface {
	// Replace atomically invalidates the owner's unused tokens of the same
	// purpose and inserts token.
	Replace(ctx context.Context, token *model.ResetToken, now time.Time) error
	GetByHash(ctx context.Context, purpose model.TokenPurpose, tokenHash string) (*model.ResetToken, error)
	MarkUsed(ctx context.Context, id string, now time.Time) error
	// Consume marks an unused, unexpired token used and returns it.
	Consume(ctx context.Context, purpose model.TokenPurpose, tokenHash string, now time.Time) (*model.ResetToken, error)
	DeleteStale(ctx context.Context, purpose model.TokenPurpose, cutoff time.Time) (int64, error)
}

// Manager handles the token lifecycle for a single purpose
type Manager struct {
	store   Store
	purpose model.TokenPurpose
	ttl     time.Duration
	log     *logger.Logger
	now     func() time.Time
}

// NewManager creates a Manager for purpose whose tokens live for ttl
func NewManager(store Store, purpose model.TokenPurpose, ttl time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		store:   store,
		purpose: purpose,
		ttl:     ttl,
		log:     log.WithComponent("tokens." + string(purpose)),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Purpose returns the purpose this manager serves
func (m *Manager) Purpose() model.TokenPurpose {
	return m.purpose
}

// TTL returns the token lifetime
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a token for owner, invalidating any unused ones of the same
// purpose. issuedBy names the admin for admin-initiated tokens. The raw
// value is returned once and never stored.
func (m *Manager) Issue(ctx context.Context, owner string, issuedBy *string) (string, *model.ResetToken, error) {
	if owner == "" {
		return "", nil, fmt.Errorf("token owner is required")
	}

	raw, err := auth.GenerateToken()
	if err != nil {
		return "", nil, err
	}

	now := m.now()
	token := &model.ResetToken{
		ID:        "rtk_" + uuid.New().String(),
		Purpose:   m.purpose,
		Username:  owner,
		TokenHash: auth.HashToken(raw),
		IssuedBy:  issuedBy,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.store.Replace(ctx, token, now); err != nil {
		return "", nil, fmt.Errorf("failed to store token: %w", err)
	}

	m.log.Debug().Str("token_id", token.ID).Str("username", owner).Msg("token issued")
	return raw, token, nil
}

// Validate looks up a raw token and reports why it cannot be used, checking
// existence, then use, then expiry. A token of another purpose is not found.
func (m *Manager) Validate(ctx context.Context, raw string) (*model.ResetToken, error) {
	if raw == "" {
		return nil, ErrTokenNotFound
	}

	token, err := m.store.GetByHash(ctx, m.purpose, auth.HashToken(raw))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	if token.IsUsed() {
		return token, ErrTokenAlreadyUsed
	}
	if token.IsExpired(m.now()) {
		return token, ErrTokenExpired
	}
	return token, nil
}

// MarkUsed consumes a token unconditionally. Marking a used token again is
// not an error.
func (m *Manager) MarkUsed(ctx context.Context, raw string) error {
	token, err := m.store.GetByHash(ctx, m.purpose, auth.HashToken(raw))
	if errors.Is(err, repository.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up token: %w", err)
	}
	if token.IsUsed() {
		return nil
	}
	if err := m.store.MarkUsed(ctx, token.ID, m.now()); err != nil {
		return fmt.Errorf("failed to mark token used: %w", err)
	}
	return nil
}

// Consume validates and marks a token used as one step. Of several
// concurrent callers presenting the same token at most one succeeds.
func (m *Manager) Consume(ctx context.Context, raw string) (*model.ResetToken, error) {
	if raw == "" {
		return nil, ErrTokenNotFound
	}

	token, err := m.store.Consume(ctx, m.purpose, auth.HashToken(raw), m.now())
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	// Nothing consumed; classify the reason.
	token, err = m.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	// Valid now but not consumable a moment ago: another caller won.
	return nil, ErrTokenAlreadyUsed
}

// CleanupExpired deletes tokens that expired, or were used, more than
// retention ago. It returns the number removed.
func (m *Manager) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := m.store.DeleteStale(ctx, m.purpose, m.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tokens: %w", err)
	}
	if n > 0 {
		m.log.Info().Int64("removed", n).Msg("stale tokens removed")
	}
	return n, nil
}
