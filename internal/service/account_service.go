package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/ratelimit"
	"github.com/blogauth/blogauth/internal/repository"
	"github.com/blogauth/blogauth/internal/session"
)

var ErrPasswordChangeNotRequired = errors.New("password change is not required")

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// AccountService handles account creation, password changes and admin
// account actions.
type AccountService struct {
	users     CredentialStore
	sessions  session.Store
	limiter   *ratelimit.Limiter
	hasher    *auth.Hasher
	audit     *audit.Recorder
	minLength int
	cfg       config.SessionConfig
	log       *logger.Logger
}

// NewAccountService creates a new AccountService
func NewAccountService(
	users CredentialStore,
	sessions session.Store,
	limiter *ratelimit.Limiter,
	hasher *auth.Hasher,
	recorder *audit.Recorder,
	cfg *config.Config,
	log *logger.Logger,
) *AccountService {
	return &AccountService{
		users:     users,
		sessions:  sessions,
		limiter:   limiter,
		hasher:    hasher,
		audit:     recorder,
		minLength: cfg.Security.Password.MinLength,
		cfg:       cfg.Session,
		log:       log.WithComponent("account_service"),
	}
}

// CreateUserRequest describes a new account
type CreateUserRequest struct {
	Username           string
	Email              string
	Password           string
	Role               model.Role
	MustChangePassword bool
}

// CreateUser registers an account with two-factor auth disabled
func (s *AccountService) CreateUser(ctx context.Context, req CreateUserRequest) (*model.User, error) {
	username := strings.TrimSpace(req.Username)
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("invalid username: use 3-32 letters, digits, '.', '_' or '-'")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, fmt.Errorf("invalid email format")
	}
	role := req.Role
	if role == "" {
		role = model.RoleUser
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if err := checkNewPassword(req.Password, req.Password, s.minLength); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &model.User{
		ID:                 generateID("usr"),
		Username:           username,
		Email:              strings.ToLower(addr.Address),
		PasswordHash:       hash,
		Role:               role,
		MustChangePassword: req.MustChangePassword,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrUsernameTaken
		}
		return nil, storageFailure(s.log, "create user", err)
	}

	s.log.Info().Str("username", user.Username).Str("role", string(role)).Msg("account created")
	return user, nil
}

// ChangePassword replaces the password after checking the current one
func (s *AccountService) ChangePassword(ctx context.Context, sess *model.Session, current, next, confirm string, meta audit.Meta) error {
	user, err := lookupSessionUser(ctx, s.users, s.log, sess)
	if err != nil {
		return err
	}
	if ok, _ := s.hasher.Verify(current, user.PasswordHash); !ok {
		return ErrInvalidCredentials
	}
	if err := checkNewPassword(next, confirm, s.minLength); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.ReplacePassword(ctx, user.Username, hash); err != nil {
		return storageFailure(s.log, "replace password", err)
	}
	if err := s.clearSessionFlag(ctx, sess); err != nil {
		return err
	}

	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventPasswordChanged,
		Username: user.Username,
		Status:   200,
		Meta:     meta,
	})
	return nil
}

// ForceChangePassword completes an admin-mandated rotation. It only applies
// while the account is flagged; the flag is cleared with the new hash.
func (s *AccountService) ForceChangePassword(ctx context.Context, sess *model.Session, next, confirm string, meta audit.Meta) error {
	user, err := lookupSessionUser(ctx, s.users, s.log, sess)
	if err != nil {
		return err
	}
	if !user.MustChangePassword {
		if sess.MustChangePassword {
			_ = s.clearSessionFlag(ctx, sess)
		}
		return ErrPasswordChangeNotRequired
	}
	if err := checkNewPassword(next, confirm, s.minLength); err != nil {
		return err
	}
	if ok, _ := s.hasher.Verify(next, user.PasswordHash); ok {
		return fmt.Errorf("%w: new password must differ from the current one", ErrPasswordTooWeak)
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.ReplacePassword(ctx, user.Username, hash); err != nil {
		return storageFailure(s.log, "replace password", err)
	}
	if err := s.clearSessionFlag(ctx, sess); err != nil {
		return err
	}

	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventForcedPasswordChange,
		Username: user.Username,
		Status:   200,
		Details:  "mandatory password change completed",
		Meta:     meta,
	})
	return nil
}

// RequirePasswordChange flags an account for rotation at next login (admin)
func (s *AccountService) RequirePasswordChange(ctx context.Context, admin *model.Session, username string, meta audit.Meta) error {
	if !admin.IsAdmin() {
		return ErrForbidden
	}
	if err := s.users.SetMustChangePassword(ctx, username, true); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return storageFailure(s.log, "set must_change_password", err)
	}
	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventAdminAction,
		Username: admin.Username,
		Status:   200,
		Details:  fmt.Sprintf("required password change for %s", username),
		Meta:     meta,
	})
	return nil
}

// UnlockAccount clears login lockouts for username (admin)
func (s *AccountService) UnlockAccount(ctx context.Context, admin *model.Session, username string, meta audit.Meta) (int64, error) {
	if !admin.IsAdmin() {
		return 0, ErrForbidden
	}
	return s.ResetLockout(ctx, admin.Username, username, meta)
}

// ResetLockout clears lockouts on behalf of actor, for tools without a session
func (s *AccountService) ResetLockout(ctx context.Context, actor, username string, meta audit.Meta) (int64, error) {
	if _, err := s.users.FindByUsername(ctx, username); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, storageFailure(s.log, "find user", err)
	}
	n, err := s.limiter.ResetAccount(ctx, username)
	if err != nil {
		return 0, storageFailure(s.log, "reset lockout", err)
	}
	_ = s.audit.Record(ctx, audit.Event{
		Type:     model.EventLockoutReset,
		Username: actor,
		Status:   200,
		Details:  fmt.Sprintf("cleared %d failed attempts for %s", n, username),
		Meta:     meta,
	})
	return n, nil
}

func (s *AccountService) clearSessionFlag(ctx context.Context, sess *model.Session) error {
	if !sess.MustChangePassword {
		return nil
	}
	sess.MustChangePassword = false
	if err := s.sessions.Save(ctx, sess, s.cfg.TTL); err != nil {
		return storageFailure(s.log, "save session", err)
	}
	return nil
}
