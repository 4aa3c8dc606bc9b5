package service

import (
	"context"
	"errors"
	"strings"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/email"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/ratelimit"
	"github.com/blogauth/blogauth/internal/repository"
	"github.com/blogauth/blogauth/internal/tokens"
)

// PasswordResetService runs the emailed password reset flow
type PasswordResetService struct {
	users     CredentialStore
	tokens    *tokens.Manager
	limiter   *ratelimit.Limiter
	hasher    *auth.Hasher
	sender    email.Sender
	audit     *audit.Recorder
	appName   string
	baseURL   string
	minLength int
	log       *logger.Logger
}

// NewPasswordResetService creates a PasswordResetService. baseURL is the
// public site root used to build links.
func NewPasswordResetService(
	users CredentialStore,
	tokenMgr *tokens.Manager,
	limiter *ratelimit.Limiter,
	hasher *auth.Hasher,
	sender email.Sender,
	recorder *audit.Recorder,
	appName, baseURL string,
	minLength int,
	log *logger.Logger,
) *PasswordResetService {
	return &PasswordResetService{
		users:     users,
		tokens:    tokenMgr,
		limiter:   limiter,
		hasher:    hasher,
		sender:    sender,
		audit:     recorder,
		appName:   appName,
		baseURL:   ensureTrailingSlash(baseURL),
		minLength: minLength,
		log:       log.WithComponent("password_reset"),
	}
}

// RequestReset emails a reset link if the address belongs to an account.
// The result is the same whether or not it does.
func (s *PasswordResetService) RequestReset(ctx context.Context, emailAddr string, meta audit.Meta) error {
	emailAddr = strings.TrimSpace(emailAddr)
	if emailAddr == "" {
		return nil
	}

	user, err := s.users.FindByEmail(ctx, emailAddr)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Debug().Msg("password reset requested for unknown address")
		return nil
	}
	if err != nil {
		return storageFailure(s.log, "find user by email", err)
	}

	raw, _, err := s.tokens.Issue(ctx, user.Username, nil)
	if err != nil {
		return storageFailure(s.log, "issue reset token", err)
	}

	link := s.baseURL + "reset-password/" + raw
	msg := email.PasswordResetMessage(user.Email, user.Username, link, s.appName, s.tokens.TTL())
	if err := s.sender.Send(ctx, msg); err != nil {
		// the token stays valid; the user can ask again
		s.log.Error().Err(err).Str("username", user.Username).Msg("failed to send password reset email")
	}

	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventPasswordResetRequested,
		Username: user.Username,
		Status:   200,
		Details:  "password reset link issued",
		Meta:     meta,
	})
	return nil
}

// InspectReset reports whether a reset link can still be used
func (s *PasswordResetService) InspectReset(ctx context.Context, raw string) error {
	_, err := s.tokens.Validate(ctx, raw)
	return tokenError(s.log, err)
}

// CompleteReset consumes the token and sets the new password. It also lifts
// any login lockout on the account and clears the must-change flag.
func (s *PasswordResetService) CompleteReset(ctx context.Context, raw, newPassword, confirm string, meta audit.Meta) error {
	if err := checkNewPassword(newPassword, confirm, s.minLength); err != nil {
		return err
	}
	// validate first so a bad token does not cost a hash
	if _, err := s.tokens.Validate(ctx, raw); err != nil {
		return tokenError(s.log, err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	token, err := s.tokens.Consume(ctx, raw)
	if err != nil {
		return tokenError(s.log, err)
	}

	if err := s.users.ReplacePassword(ctx, token.Username, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return spentTokenFailure(ctx, s.log, s.audit, model.EventPasswordResetFailed, token.Username, "replace password", err, meta)
	}

	if _, err := s.limiter.ResetAccount(ctx, token.Username); err != nil {
		s.log.Warn().Err(err).Str("username", token.Username).Msg("failed to clear lockout after reset")
	}

	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventPasswordResetCompleted,
		Username: token.Username,
		Status:   200,
		Details:  "password changed via reset link",
		Meta:     meta,
	})
	return nil
}

// tokenError passes token errors through and hides storage detail
func tokenError(log *logger.Logger, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tokens.ErrTokenNotFound),
		errors.Is(err, tokens.ErrTokenExpired),
		errors.Is(err, tokens.ErrTokenAlreadyUsed):
		return err
	default:
		return storageFailure(log, "token lookup", err)
	}
}

func ensureTrailingSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
