package service

import (
	"context"
	"errors"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/repository"
	"github.com/blogauth/blogauth/internal/session"
	"github.com/blogauth/blogauth/internal/twofactor"
)

// MFAService manages a signed-in user's own two-factor settings
type MFAService struct {
	users           CredentialStore
	sessions        session.Store
	totp            *twofactor.Engine
	hasher          *auth.Hasher
	audit           *audit.Recorder
	backupCodeCount int
	sessionTTL      config.SessionConfig
	log             *logger.Logger
}

// NewMFAService creates a new MFAService
func NewMFAService(
	users CredentialStore,
	sessions session.Store,
	totp *twofactor.Engine,
	hasher *auth.Hasher,
	recorder *audit.Recorder,
	cfg *config.Config,
	log *logger.Logger,
) *MFAService {
	count := cfg.MFA.BackupCodeCount
	if count <= 0 {
		count = 10
	}
	return &MFAService{
		users:           users,
		sessions:        sessions,
		totp:            totp,
		hasher:          hasher,
		audit:           recorder,
		backupCodeCount: count,
		sessionTTL:      cfg.Session,
		log:             log.WithComponent("mfa_service"),
	}
}

// MFAStatus summarises a user's second factor
type MFAStatus struct {
	Enabled              bool `json:"enabled"`
	BackupCodesRemaining int  `json:"backupCodesRemaining"`
}

// Status returns the second factor state of the session's user
func (s *MFAService) Status(ctx context.Context, sess *model.Session) (*MFAStatus, error) {
	user, err := s.currentUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &MFAStatus{
		Enabled:              user.RequiresSecondFactor(),
		BackupCodesRemaining: len(user.BackupCodes),
	}, nil
}

// BeginEnrollment generates a secret and stages it in the session until the
// user proves possession with ConfirmEnrollment.
func (s *MFAService) BeginEnrollment(ctx context.Context, sess *model.Session) (*model.TOTPEnrollment, error) {
	user, err := s.currentUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	uri, err := s.totp.ProvisioningURI(user.Username, secret)
	if err != nil {
		return nil, err
	}
	qr, err := s.totp.QRCode(uri)
	if err != nil {
		return nil, err
	}

	sess.StagedTOTPSecret = secret
	if err := s.sessions.Save(ctx, sess, s.sessionTTL.TTL); err != nil {
		return nil, storageFailure(s.log, "save session", err)
	}

	return &model.TOTPEnrollment{Secret: secret, ProvisioningURI: uri, QRCode: qr}, nil
}

// ConfirmEnrollment enables 2FA once code matches the staged secret and
// returns the plaintext backup codes. They are not retrievable later.
func (s *MFAService) ConfirmEnrollment(ctx context.Context, sess *model.Session, code string, meta audit.Meta) (*model.BackupCodesResponse, error) {
	user, err := s.currentUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}
	secret := sess.StagedTOTPSecret
	if secret == "" {
		return nil, ErrNoEnrollmentPending
	}
	if !s.totp.VerifyToken(secret, code) {
		return nil, ErrInvalidSecondFactor
	}

	codes, err := twofactor.GenerateBackupCodes(s.backupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateTwoFactor(ctx, user.Username, &secret, true, twofactor.HashBackupCodes(codes)); err != nil {
		return nil, storageFailure(s.log, "enable two-factor", err)
	}

	sess.StagedTOTPSecret = ""
	if err := s.sessions.Save(ctx, sess, s.sessionTTL.TTL); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear staged secret from session")
	}

	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventTwoFactorEnabled,
		Username: user.Username,
		Status:   200,
		Meta:     meta,
	})
	return &model.BackupCodesResponse{Codes: codes}, nil
}

// Disable turns 2FA off after re-checking the account password
func (s *MFAService) Disable(ctx context.Context, sess *model.Session, password string, meta audit.Meta) error {
	user, err := s.currentUser(ctx, sess)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}
	if ok, _ := s.hasher.Verify(password, user.PasswordHash); !ok {
		return ErrInvalidCredentials
	}

	if err := s.users.UpdateTwoFactor(ctx, user.Username, nil, false, nil); err != nil {
		return storageFailure(s.log, "disable two-factor", err)
	}

	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventTwoFactorDisabled,
		Username: user.Username,
		Status:   200,
		Details:  "disabled by account owner",
		Meta:     meta,
	})
	return nil
}

// RegenerateBackupCodes replaces every backup code after a valid TOTP code
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, sess *model.Session, code string, meta audit.Meta) (*model.BackupCodesResponse, error) {
	user, err := s.currentUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !user.RequiresSecondFactor() {
		return nil, ErrTwoFactorNotEnabled
	}
	if !s.totp.VerifyToken(*user.TOTPSecret, code) {
		return nil, ErrInvalidSecondFactor
	}

	codes, err := twofactor.GenerateBackupCodes(s.backupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateTwoFactor(ctx, user.Username, user.TOTPSecret, true, twofactor.HashBackupCodes(codes)); err != nil {
		return nil, storageFailure(s.log, "replace backup codes", err)
	}

	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventBackupCodesRegenerated,
		Username: user.Username,
		Status:   200,
		Meta:     meta,
	})
	return &model.BackupCodesResponse{Codes: codes}, nil
}

func (s *MFAService) currentUser(ctx context.Context, sess *model.Session) (*model.User, error) {
	return lookupSessionUser(ctx, s.users, s.log, sess)
}

// lookupSessionUser loads the account behind an authenticated session
func lookupSessionUser(ctx context.Context, users CredentialStore, log *logger.Logger, sess *model.Session) (*model.User, error) {
	if !sess.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	user, err := users.FindByUsername(ctx, sess.Username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, storageFailure(log, "find user", err)
	}
	return user, nil
}
