package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/email"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/repository"
	"github.com/blogauth/blogauth/internal/tokens"
)

// TwoFactorResetService lets an admin ask a user, by email, to confirm that
// their two-factor authentication be removed.
type TwoFactorResetService struct {
	users   CredentialStore
	tokens  *tokens.Manager
	sender  email.Sender
	audit   *audit.Recorder
	appName string
	baseURL string
	log     *logger.Logger
}

// NewTwoFactorResetService creates a TwoFactorResetService
func NewTwoFactorResetService(
	users CredentialStore,
	tokenMgr *tokens.Manager,
	sender email.Sender,
	recorder *audit.Recorder,
	appName, baseURL string,
	log *logger.Logger,
) *TwoFactorResetService {
	return &TwoFactorResetService{
		users:   users,
		tokens:  tokenMgr,
		sender:  sender,
		audit:   recorder,
		appName: appName,
		baseURL: ensureTrailingSlash(baseURL),
		log:     log.WithComponent("twofa_reset"),
	}
}

// TwoFactorResetInfo describes a pending reset for the confirmation page
type TwoFactorResetInfo struct {
	Username string `json:"username"`
	IssuedBy string `json:"issuedBy"`
}

// Issue creates a reset token for target and emails the confirmation link.
// The email failing is logged; the token remains valid.
func (s *TwoFactorResetService) Issue(ctx context.Context, admin *model.Session, target string, meta audit.Meta) error {
	if !admin.IsAdmin() {
		return ErrForbidden
	}

	user, err := s.users.FindByUsername(ctx, strings.TrimSpace(target))
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return storageFailure(s.log, "find user", err)
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	issuer := admin.Username
	raw, _, err := s.tokens.Issue(ctx, user.Username, &issuer)
	if err != nil {
		return storageFailure(s.log, "issue 2fa reset token", err)
	}

	link := s.baseURL + "confirm-2fa-reset/" + raw
	msg := email.TwoFactorResetMessage(user.Email, user.Username, admin.Username, link, s.appName, s.tokens.TTL())
	if err := s.sender.Send(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("username", user.Username).Msg("failed to send 2FA reset email")
	}

	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventTwoFactorResetIssued,
		Username: admin.Username,
		Status:   200,
		Details:  fmt.Sprintf("sent 2FA reset email to %s", user.Username),
		Meta:     meta,
	})
	return nil
}

// Inspect validates a link without consuming it
func (s *TwoFactorResetService) Inspect(ctx context.Context, raw string) (*TwoFactorResetInfo, error) {
	token, err := s.tokens.Validate(ctx, raw)
	if err != nil {
		return nil, tokenError(s.log, err)
	}
	info := &TwoFactorResetInfo{Username: token.Username}
	if token.IssuedBy != nil {
		info.IssuedBy = *token.IssuedBy
	}
	return info, nil
}

// Confirm consumes the token and clears the secret, backup codes and
// enabled flag of its owner.
func (s *TwoFactorResetService) Confirm(ctx context.Context, raw string, meta audit.Meta) error {
	token, err := s.tokens.Consume(ctx, raw)
	if err != nil {
		return tokenError(s.log, err)
	}

	if err := s.users.UpdateTwoFactor(ctx, token.Username, nil, false, nil); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return spentTokenFailure(ctx, s.log, s.audit, model.EventTwoFactorResetFailed, token.Username, "clear two-factor state", err, meta)
	}

	issuer := ""
	if token.IssuedBy != nil {
		issuer = *token.IssuedBy
	}
	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventTwoFactorResetConfirm,
		Username: token.Username,
		Status:   200,
		Details:  fmt.Sprintf("2FA disabled at request of %s", issuer),
		Meta:     meta,
	})
	return nil
}

// Cancel declines the reset. The token is spent either way.
func (s *TwoFactorResetService) Cancel(ctx context.Context, raw string, meta audit.Meta) error {
	token, err := s.tokens.Consume(ctx, raw)
	if err != nil {
		return tokenError(s.log, err)
	}
	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventTwoFactorResetCancel,
		Username: token.Username,
		Status:   200,
		Details:  "user declined 2FA reset",
		Meta:     meta,
	})
	return nil
}
