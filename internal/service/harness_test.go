package service

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/email"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/ratelimit"
	"github.com/blogauth/blogauth/internal/repository"
	"github.com/blogauth/blogauth/internal/session"
	"github.com/blogauth/blogauth/internal/tokens"
	"github.com/blogauth/blogauth/internal/twofactor"
	"github.com/stretchr/testify/require"
)

const testPassword = "Correct-Horse-42"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// outbox records sent mail
type outbox struct {
	mu   sync.Mutex
	msgs []email.Message
	err  error
}

func (o *outbox) Send(ctx context.Context, msg email.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) last(t *testing.T) email.Message {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.msgs, "no mail sent")
	return o.msgs[len(o.msgs)-1]
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

var linkToken = regexp.MustCompile(`/(?:reset-password|confirm-2fa-reset)/([A-Za-z0-9_-]+)`)

func tokenFromMail(t *testing.T, msg email.Message) string {
	t.Helper()
	m := linkToken.FindStringSubmatch(msg.TextBody)
	require.Len(t, m, 2, "no token link in %q", msg.TextBody)
	return m[1]
}

func testLimitConfig() config.RateLimitingConfig {
	return config.RateLimitingConfig{
		Enabled:       true,
		MaxAttempts:   5,
		LockoutWindow: 15 * time.Minute,
		Scope:         ratelimit.ScopeFingerprint,
	}
}

type harness struct {
	cfg      *config.Config
	clock    *clock
	users    *repository.MemoryUserRepository
	sessions *session.MemoryStore
	attempts *ratelimit.MemoryAttemptStore
	sink     *audit.MemorySink
	mail     *outbox
	hasher   *auth.Hasher
	totp     *twofactor.Engine
	limiter  *ratelimit.Limiter

	resetTokens *tokens.Manager
	twofaTokens *tokens.Manager

	auth     *AuthService
	accounts *AccountService
	mfa      *MFAService
	resets   *PasswordResetService
	twofa    *TwoFactorResetService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.App.Name = "FlaskBlog"
	cfg.App.BaseURL = "https://blog.example.com"
	cfg.Security.Password.MinLength = 8
	cfg.Security.RateLimiting = testLimitConfig()
	cfg.MFA.TOTP = config.TOTPConfig{Issuer: "FlaskBlog", Digits: 6, Period: 30, Skew: 1}
	cfg.MFA.BackupCodeCount = 10
	cfg.Session = config.SessionConfig{TTL: time.Hour, PendingTTL: 5 * time.Minute}

	log := logger.Nop()
	c := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}

	hasher, err := auth.NewHasher(auth.NewParams(1024, 1, 1))
	require.NoError(t, err)

	h := &harness{
		cfg:      cfg,
		clock:    c,
		users:    repository.NewMemoryUserRepository(),
		sessions: session.NewMemoryStore(),
		attempts: ratelimit.NewMemoryAttemptStore(),
		sink:     &audit.MemorySink{},
		mail:     &outbox{},
		hasher:   hasher,
		totp:     twofactor.NewEngine(cfg.MFA.TOTP).WithClock(c.Now),
	}
	h.limiter = ratelimit.New(h.attempts, cfg.Security.RateLimiting, log).WithClock(c.Now)
	h.resetTokens = tokens.NewManager(tokens.NewMemoryStore(), model.PurposePasswordReset, 15*time.Minute, log).WithClock(c.Now)
	h.twofaTokens = tokens.NewManager(tokens.NewMemoryStore(), model.PurposeTwoFactorReset, 24*time.Hour, log).WithClock(c.Now)

	recorder := audit.NewRecorder(h.sink, log)
	h.auth = NewAuthService(h.users, h.sessions, h.limiter, h.totp, hasher, recorder, cfg.Session, log).WithClock(c.Now)
	h.accounts = NewAccountService(h.users, h.sessions, h.limiter, hasher, recorder, cfg, log)
	h.mfa = NewMFAService(h.users, h.sessions, h.totp, hasher, recorder, cfg, log)
	h.resets = NewPasswordResetService(h.users, h.resetTokens, h.limiter, hasher, h.mail, recorder,
		cfg.App.Name, cfg.App.BaseURL, cfg.Security.Password.MinLength, log)
	h.twofa = NewTwoFactorResetService(h.users, h.twofaTokens, h.mail, recorder, cfg.App.Name, cfg.App.BaseURL, log)
	return h
}

// addUser stores an account with testPassword
func (h *harness) addUser(t *testing.T, username string, role model.Role) *model.User {
	t.Helper()
	hash, err := h.hasher.Hash(testPassword)
	require.NoError(t, err)
	u := &model.User{
		ID:           "usr_" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    h.clock.Now(),
		UpdatedAt:    h.clock.Now(),
	}
	h.users.Put(u)
	return u
}

// enableTwoFactor turns on 2FA for username and returns the secret and
// plaintext backup codes.
func (h *harness) enableTwoFactor(t *testing.T, username string) (string, []string) {
	t.Helper()
	secret, err := h.totp.GenerateSecret()
	require.NoError(t, err)
	codes, err := twofactor.GenerateBackupCodes(3)
	require.NoError(t, err)
	require.NoError(t, h.users.UpdateTwoFactor(context.Background(), username, &secret, true, twofactor.HashBackupCodes(codes)))
	return secret, codes
}

func (h *harness) currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := h.totp.CodeAt(secret, h.clock.Now())
	require.NoError(t, err)
	return code
}

func testMeta() audit.Meta {
	return audit.Meta{ClientIP: "203.0.113.7", UserAgent: "Mozilla/5.0 (test)", Path: "/login", Method: "POST"}
}

func (h *harness) login(t *testing.T, username, password string) (*LoginResult, error) {
	t.Helper()
	return h.auth.BeginLogin(context.Background(), nil, LoginRequest{
		Username: username,
		Password: password,
		Meta:     testMeta(),
	})
}

// signIn logs in an account without 2FA and returns its session
func (h *harness) signIn(t *testing.T, username string) *model.Session {
	t.Helper()
	res, err := h.login(t, username, testPassword)
	require.NoError(t, err)
	require.Equal(t, model.StateAuthenticated, res.State)
	return res.Session
}
