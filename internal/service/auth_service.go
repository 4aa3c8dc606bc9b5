package service

import (
	"context"
	"errors"
	"net/url"
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
	"github.com/blogauth/blogauth/internal/twofactor"
)

const (
	ForceChangePasswordPath = "/force-change-password"
	VerifySecondFactorPath  = "/verify-2fa"
)

// AuthService drives the login state machine:
// AwaitingCredentials -> AwaitingSecondFactor -> Authenticated.
type AuthService struct {
	users    CredentialStore
	sessions session.Store
	limiter  *ratelimit.Limiter
	totp     *twofactor.Engine
	hasher   *auth.Hasher
	audit    *audit.Recorder
	cfg      config.SessionConfig
	log      *logger.Logger
	now      func() time.Time
}

// NewAuthService creates a new AuthService
func NewAuthService(
	users CredentialStore,
	sessions session.Store,
	limiter *ratelimit.Limiter,
	totp *twofactor.Engine,
	hasher *auth.Hasher,
	recorder *audit.Recorder,
	cfg config.SessionConfig,
	log *logger.Logger,
) *AuthService {
	return &AuthService{
		users:    users,
		sessions: sessions,
		limiter:  limiter,
		totp:     totp,
		hasher:   hasher,
		audit:    recorder,
		cfg:      cfg,
		log:      log.WithComponent("auth_service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// LoginRequest carries submitted credentials
type LoginRequest struct {
	Username string
	Password string
	// Next is where the client wants to land after login
	Next string
	Meta audit.Meta
}

// SecondFactorRequest carries a TOTP code or a backup code
type SecondFactorRequest struct {
	Code string
	Mode model.SecondFactorMode
	Next string
	Meta audit.Meta
}

// LoginResult is the session state after a login step
type LoginResult struct {
	Session            *model.Session   `json:"-"`
	State              model.LoginState `json:"state"`
	Username           string           `json:"username,omitempty"`
	Role               model.Role       `json:"role,omitempty"`
	MustChangePassword bool             `json:"mustChangePassword"`
	RedirectTo         string           `json:"redirectTo"`
}

// BeginLogin checks a username and password. current is the caller's
// existing session, if any; it is replaced by a fresh one on success.
//
// Admission is checked before any password work. A rejected attempt, an
// unknown user and a wrong password all return ErrInvalidCredentials
// except when the limiter denies, which returns *RateLimitedError.
func (s *AuthService) BeginLogin(ctx context.Context, current *model.Session, req LoginRequest) (*LoginResult, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	identifier := s.limiter.Identifier(req.Meta.ClientIP, req.Meta.UserAgent, username)
	decision, err := s.limiter.CheckAdmission(ctx, identifier)
	if err != nil {
		return nil, storageFailure(s.log, "check admission", err)
	}
	if !decision.Allowed {
		s.record(ctx, audit.Event{
			Type:     model.EventRateLimitTriggered,
			Username: username,
			Status:   429,
			Details:  "login blocked: too many failed attempts",
			Meta:     req.Meta,
		})
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	user, err := s.users.FindByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		s.hasher.VerifyDecoy(req.Password)
		if err := s.limiter.RecordAttempt(ctx, identifier, false); err != nil {
			return nil, storageFailure(s.log, "record attempt", err)
		}
		s.record(ctx, audit.Event{
			Type:     model.EventUserLoginFailure,
			Username: username,
			Status:   401,
			Details:  "unknown username",
			Meta:     req.Meta,
		})
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, storageFailure(s.log, "find user", err)
	}

	ok, err := s.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Str("username", user.Username).Msg("stored password hash is unreadable")
		ok = false
	}
	if !ok {
		if err := s.limiter.RecordAttempt(ctx, identifier, false); err != nil {
			return nil, storageFailure(s.log, "record attempt", err)
		}
		s.record(ctx, audit.Event{
			Type:     audit.LoginEventType(user.Role, false),
			Username: user.Username,
			Status:   401,
			Details:  "invalid password",
			Meta:     req.Meta,
		})
		return nil, ErrInvalidCredentials
	}

	if err := s.limiter.RecordAttempt(ctx, identifier, true); err != nil {
		return nil, storageFailure(s.log, "record attempt", err)
	}

	sess, err := s.rotate(ctx, current)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if user.RequiresSecondFactor() {
		sess.AwaitSecondFactor(user.Username, now)
		if err := s.sessions.Save(ctx, sess, s.cfg.PendingTTL); err != nil {
			return nil, storageFailure(s.log, "save session", err)
		}
		s.record(ctx, audit.Event{
			Type:     model.EventTwoFactorChallenge,
			Username: user.Username,
			Status:   200,
			Details:  "password verified, awaiting second factor",
			Meta:     req.Meta,
		})
		return &LoginResult{
			Session:    sess,
			State:      sess.State,
			RedirectTo: VerifySecondFactorPath + "?next=" + url.QueryEscape(safeRedirect(req.Next)),
		}, nil
	}

	return s.complete(ctx, sess, user, "password", req.Next, req.Meta)
}

// VerifySecondFactor completes a login that is awaiting its second factor.
// On failure the session is left unchanged and may retry until the
// second-factor limiter denies it.
func (s *AuthService) VerifySecondFactor(ctx context.Context, sess *model.Session, req SecondFactorRequest) (*LoginResult, error) {
	if sess == nil || sess.State != model.StateAwaitingSecondFactor || sess.PendingUsername == "" {
		return nil, ErrNoPendingSecondFactor
	}
	if sess.PendingSince != nil && s.cfg.PendingTTL > 0 && s.now().Sub(*sess.PendingSince) > s.cfg.PendingTTL {
		s.discard(ctx, sess)
		return nil, ErrNoPendingSecondFactor
	}
	username := sess.PendingUsername

	identifier := s.limiter.SecondFactorIdentifier(username)
	decision, err := s.limiter.CheckAdmission(ctx, identifier)
	if err != nil {
		return nil, storageFailure(s.log, "check admission", err)
	}
	if !decision.Allowed {
		s.record(ctx, audit.Event{
			Type:     model.EventRateLimitTriggered,
			Username: username,
			Status:   429,
			Details:  "second factor blocked: too many failed attempts",
			Meta:     req.Meta,
		})
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	user, err := s.users.FindByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Warn().Str("username", username).Msg("pending second factor for missing account")
		s.discard(ctx, sess)
		return nil, ErrNoPendingSecondFactor
	}
	if err != nil {
		return nil, storageFailure(s.log, "find user", err)
	}
	if !user.RequiresSecondFactor() {
		// 2FA was reset while the challenge was open; start over
		s.discard(ctx, sess)
		return nil, ErrNoPendingSecondFactor
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, ErrInvalidSecondFactor
	}

	factor := "totp"
	var verified bool
	switch req.Mode {
	case model.SecondFactorBackup:
		factor = "backup_code"
		ok, remaining := twofactor.VerifyBackupCode(user.BackupCodes, code)
		if ok {
			err := s.users.UpdateBackupCodes(ctx, user.Username, user.BackupCodes, remaining)
			switch {
			case err == nil:
				verified = true
			case errors.Is(err, repository.ErrConflict):
				// the same code was spent by a concurrent request
				verified = false
			default:
				return nil, storageFailure(s.log, "update backup codes", err)
			}
		}
	default:
		verified = s.totp.VerifyToken(*user.TOTPSecret, code)
	}

	if !verified {
		if err := s.limiter.RecordAttempt(ctx, identifier, false); err != nil {
			return nil, storageFailure(s.log, "record attempt", err)
		}
		s.record(ctx, audit.Event{
			Type:     model.EventTwoFactorFailure,
			Username: user.Username,
			Status:   401,
			Details:  "invalid " + factor,
			Meta:     req.Meta,
		})
		return nil, ErrInvalidSecondFactor
	}

	if err := s.limiter.RecordAttempt(ctx, identifier, true); err != nil {
		return nil, storageFailure(s.log, "record attempt", err)
	}
	s.record(ctx, audit.Event{
		Type:     model.EventTwoFactorSuccess,
		Username: user.Username,
		Status:   200,
		Details:  "factor=" + factor,
		Meta:     req.Meta,
	})

	next, err := s.rotate(ctx, sess)
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, next, user, factor, req.Next, req.Meta)
}

// Logout destroys the session
func (s *AuthService) Logout(ctx context.Context, sess *model.Session, meta audit.Meta) error {
	if sess == nil {
		return nil
	}
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		return storageFailure(s.log, "delete session", err)
	}
	if sess.IsAuthenticated() {
		s.record(ctx, audit.Event{Type: model.EventLogout, Username: sess.Username, Status: 200, Meta: meta})
	}
	return nil
}

// complete marks the session authenticated and saves it
func (s *AuthService) complete(ctx context.Context, sess *model.Session, user *model.User, factor, next string, meta audit.Meta) (*LoginResult, error) {
	sess.Authenticate(user.Username, user.Role, user.MustChangePassword, s.now())
	if err := s.sessions.Save(ctx, sess, s.cfg.TTL); err != nil {
		return nil, storageFailure(s.log, "save session", err)
	}

	s.record(ctx, audit.Event{
		Type:     audit.LoginEventType(user.Role, true),
		Username: user.Username,
		Status:   200,
		Details:  "login completed via " + factor,
		Meta:     meta,
	})

	redirect := safeRedirect(next)
	if user.MustChangePassword {
		redirect = ForceChangePasswordPath
	}
	return &LoginResult{
		Session:            sess,
		State:              sess.State,
		Username:           user.Username,
		Role:               user.Role,
		MustChangePassword: user.MustChangePassword,
		RedirectTo:         redirect,
	}, nil
}

// rotate issues a new session id and drops the old session, so ids seen
// before login are never authenticated.
func (s *AuthService) rotate(ctx context.Context, current *model.Session) (*model.Session, error) {
	if current != nil && current.ID != "" {
		if err := s.sessions.Delete(ctx, current.ID); err != nil {
			return nil, storageFailure(s.log, "delete session", err)
		}
	}
	id, err := session.NewID()
	if err != nil {
		return nil, err
	}
	return model.NewAnonymousSession(id), nil
}

func (s *AuthService) discard(ctx context.Context, sess *model.Session) {
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		s.log.Warn().Err(err).Msg("failed to discard session")
	}
}

// record writes an audit event; failures are logged by the recorder
func (s *AuthService) record(ctx context.Context, ev audit.Event) {
	_ = s.audit.Record(ctx, ev)
}

// safeRedirect keeps only same-site absolute paths
func safeRedirect(next string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") ||
		strings.HasPrefix(next, "/\\") || strings.ContainsAny(next, "\r\n") {
		return "/"
	}
	return next
}
