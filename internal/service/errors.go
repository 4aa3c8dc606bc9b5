package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/logger"
)

// Service errors. Token errors live in the tokens package.
var (
	ErrInvalidCredentials    = errors.New("invalid username or password")
	ErrRateLimited           = errors.New("too many failed attempts")
	ErrInvalidSecondFactor   = errors.New("invalid verification code")
	ErrNoPendingSecondFactor = errors.New("no second factor is pending for this session")
	ErrStorageFailure        = errors.New("storage failure")
	ErrNotAuthenticated      = errors.New("authentication required")
	ErrForbidden             = errors.New("insufficient privileges")
	ErrUserNotFound          = errors.New("user not found")
	ErrUsernameTaken         = errors.New("username or email already registered")
	ErrPasswordTooWeak       = errors.New("password does not meet requirements")
	ErrTwoFactorNotEnabled   = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorEnabled      = errors.New("two-factor authentication is already enabled")
	ErrNoEnrollmentPending   = errors.New("no two-factor enrollment in progress")
	// ErrResetIncomplete means a reset link was spent but the account change
	// could not be written. The user needs a new link.
	ErrResetIncomplete = errors.New("reset link was used but the change was not saved")
)

// RateLimitedError carries how long the caller must wait.
// errors.Is(err, ErrRateLimited) matches it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

// Is reports whether target is ErrRateLimited
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the wait up to whole seconds
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// storageFailure logs the underlying error and returns an opaque one
func storageFailure(log *logger.Logger, op string, err error) error {
	log.Error().Err(err).Str("op", op).Msg("storage operation failed")
	return fmt.Errorf("%w: %s", ErrStorageFailure, op)
}

// spentTokenFailure handles a failed account write after its single-use
// token was consumed. Tokens are consumed before the write so two requests
// with one link cannot both apply it.
func spentTokenFailure(ctx context.Context, log *logger.Logger, rec *audit.Recorder, eventType, username, op string, err error, meta audit.Meta) error {
	log.Error().Err(err).Str("op", op).Str("username", username).Msg("reset token consumed but account change failed")
	_ = rec.Record(ctx, audit.Event{
		Type:     eventType,
		Username: username,
		Status:   503,
		Details:  op + " failed after the link was used",
		Meta:     meta,
	})
	return fmt.Errorf("%w: %w", ErrResetIncomplete, ErrStorageFailure)
}

// checkNewPassword applies the complexity rules to a new password and its
// confirmation. The result wraps both ErrPasswordTooWeak and the
// *auth.ComplexityError listing the failed rules.
func checkNewPassword(password, confirm string, minLength int) error {
	if err := auth.ValidatePasswordChange(password, confirm, minLength); err != nil {
		return fmt.Errorf("%w: %w", ErrPasswordTooWeak, err)
	}
	return nil
}
