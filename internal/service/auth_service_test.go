package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/session"
	"github.com/stretchr/testify/require"
)

func TestLoginWithoutSecondFactor(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)

	res, err := h.auth.BeginLogin(context.Background(), nil, LoginRequest{
		Username: "Alice",
		Password: testPassword,
		Next:     "/posts/new",
		Meta:     testMeta(),
	})
	require.NoError(t, err)
	require.Equal(t, model.StateAuthenticated, res.State)
	require.Equal(t, "alice", res.Username)
	require.Equal(t, "/posts/new", res.RedirectTo)

	stored, err := h.sessions.Load(context.Background(), res.Session.ID)
	require.NoError(t, err)
	require.True(t, stored.IsAuthenticated())
	require.Equal(t, []string{model.EventUserLoginSuccess}, h.sink.Types())
}

func TestAdminLoginIsAuditedSeparately(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "root", model.RoleAdmin)

	_, err := h.login(t, "root", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	res, err := h.login(t, "root", testPassword)
	require.NoError(t, err)
	require.True(t, res.Session.IsAdmin())

	require.Equal(t, []string{model.EventAdminLoginFailure, model.EventAdminLoginSuccess}, h.sink.Types())
}

func TestLoginRotatesSession(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	ctx := context.Background()

	old := model.NewAnonymousSession("pre-login-id")
	require.NoError(t, h.sessions.Save(ctx, old, time.Hour))

	res, err := h.auth.BeginLogin(ctx, old, LoginRequest{Username: "alice", Password: testPassword, Meta: testMeta()})
	require.NoError(t, err)
	require.NotEqual(t, old.ID, res.Session.ID)

	_, err = h.sessions.Load(ctx, old.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "Nope-Nope-1"},
		{"unknown user", "mallory", testPassword},
		{"empty password", "alice", ""},
		{"empty username", "", testPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.login(t, tt.username, tt.password)
			require.ErrorIs(t, err, ErrInvalidCredentials)
			require.Nil(t, res)
		})
	}
}

func TestLoginWithTOTP(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	secret, _ := h.enableTwoFactor(t, "alice")
	ctx := context.Background()

	res, err := h.auth.BeginLogin(ctx, nil, LoginRequest{
		Username: "alice",
		Password: testPassword,
		Next:     "/dashboard",
		Meta:     testMeta(),
	})
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingSecondFactor, res.State)
	require.Equal(t, "/verify-2fa?next=%2Fdashboard", res.RedirectTo)
	require.Empty(t, res.Username)
	require.False(t, res.Session.IsAuthenticated())
	pending := res.Session

	_, err = h.auth.VerifySecondFactor(ctx, pending, SecondFactorRequest{Code: wrongCode(h.currentCode(t, secret)), Meta: testMeta()})
	require.ErrorIs(t, err, ErrInvalidSecondFactor)

	done, err := h.auth.VerifySecondFactor(ctx, pending, SecondFactorRequest{
		Code: h.currentCode(t, secret),
		Next: "/dashboard",
		Meta: testMeta(),
	})
	require.NoError(t, err)
	require.Equal(t, model.StateAuthenticated, done.State)
	require.Equal(t, "/dashboard", done.RedirectTo)
	require.NotEqual(t, pending.ID, done.Session.ID)

	_, err = h.sessions.Load(ctx, pending.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	require.Contains(t, h.sink.Types(), model.EventTwoFactorSuccess)
}

func TestVerifySecondFactorRequiresPendingSession(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	ctx := context.Background()

	_, err := h.auth.VerifySecondFactor(ctx, nil, SecondFactorRequest{Code: "123456"})
	require.ErrorIs(t, err, ErrNoPendingSecondFactor)

	_, err = h.auth.VerifySecondFactor(ctx, model.NewAnonymousSession("x"), SecondFactorRequest{Code: "123456"})
	require.ErrorIs(t, err, ErrNoPendingSecondFactor)

	authed := h.signIn(t, "alice")
	_, err = h.auth.VerifySecondFactor(ctx, authed, SecondFactorRequest{Code: "123456"})
	require.ErrorIs(t, err, ErrNoPendingSecondFactor)
}

func TestPendingSecondFactorExpires(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	secret, _ := h.enableTwoFactor(t, "alice")

	res, err := h.login(t, "alice", testPassword)
	require.NoError(t, err)

	h.clock.Advance(6 * time.Minute)
	_, err = h.auth.VerifySecondFactor(context.Background(), res.Session, SecondFactorRequest{
		Code: h.currentCode(t, secret),
	})
	require.ErrorIs(t, err, ErrNoPendingSecondFactor)
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	_, codes := h.enableTwoFactor(t, "alice")
	ctx := context.Background()

	spend := func() error {
		res, err := h.login(t, "alice", testPassword)
		require.NoError(t, err)
		_, err = h.auth.VerifySecondFactor(ctx, res.Session, SecondFactorRequest{
			Code: codes[1],
			Mode: model.SecondFactorBackup,
			Meta: testMeta(),
		})
		return err
	}

	require.NoError(t, spend())
	require.ErrorIs(t, spend(), ErrInvalidSecondFactor)

	u, err := h.users.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, u.BackupCodes, 2)
}

func TestBackupCodeConcurrentSpend(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	_, codes := h.enableTwoFactor(t, "alice")
	ctx := context.Background()

	// stays below the second-factor limit so losers cannot lock out the winner
	const n = 4
	pending := make([]*model.Session, n)
	for i := range pending {
		res, err := h.login(t, "alice", testPassword)
		require.NoError(t, err)
		pending[i] = res.Session
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok int
	for _, p := range pending {
		wg.Add(1)
		go func(p *model.Session) {
			defer wg.Done()
			_, err := h.auth.VerifySecondFactor(ctx, p, SecondFactorRequest{Code: codes[0], Mode: model.SecondFactorBackup})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, 1, ok)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)

	for i := 0; i < 5; i++ {
		_, err := h.login(t, "alice", "Wrong-Pass-1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
		h.clock.Advance(time.Second)
	}

	// correct password is refused while locked out
	_, err := h.login(t, "alice", testPassword)
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	require.Greater(t, rl.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, rl.RetryAfter, 15*time.Minute)
	require.Contains(t, h.sink.Types(), model.EventRateLimitTriggered)

	h.clock.Advance(15 * time.Minute)
	_, err = h.login(t, "alice", testPassword)
	require.NoError(t, err)
}

func TestSuccessfulLoginClearsFailures(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)

	for i := 0; i < 4; i++ {
		_, err := h.login(t, "alice", "Wrong-Pass-1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	h.signIn(t, "alice")

	for i := 0; i < 4; i++ {
		_, err := h.login(t, "alice", "Wrong-Pass-1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	h.signIn(t, "alice")
}

func TestSecondFactorFailuresAreLimited(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	secret, _ := h.enableTwoFactor(t, "alice")
	ctx := context.Background()

	res, err := h.login(t, "alice", testPassword)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := h.auth.VerifySecondFactor(ctx, res.Session, SecondFactorRequest{Code: "ABCDEF"})
		require.ErrorIs(t, err, ErrInvalidSecondFactor)
	}
	_, err = h.auth.VerifySecondFactor(ctx, res.Session, SecondFactorRequest{Code: h.currentCode(t, secret)})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestStorageFailureNeverAuthenticates(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	h.users.Err = errors.New("connection refused")

	res, err := h.login(t, "alice", testPassword)
	require.ErrorIs(t, err, ErrStorageFailure)
	require.NotErrorIs(t, err, ErrInvalidCredentials)
	require.Nil(t, res)

	count, _, err := h.attempts.FailuresSince(context.Background(), h.limiter.Identifier("203.0.113.7", "Mozilla/5.0 (test)", "alice"), time.Time{})
	require.NoError(t, err)
	require.Zero(t, count)
	require.NotContains(t, h.sink.Types(), model.EventUserLoginSuccess)
}

func TestMustChangePasswordRedirect(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	require.NoError(t, h.users.SetMustChangePassword(context.Background(), "alice", true))

	res, err := h.auth.BeginLogin(context.Background(), nil, LoginRequest{
		Username: "alice",
		Password: testPassword,
		Next:     "/posts",
		Meta:     testMeta(),
	})
	require.NoError(t, err)
	require.True(t, res.MustChangePassword)
	require.True(t, res.Session.MustChangePassword)
	require.Equal(t, ForceChangePasswordPath, res.RedirectTo)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice", model.RoleUser)
	sess := h.signIn(t, "alice")
	ctx := context.Background()

	require.NoError(t, h.auth.Logout(ctx, sess, testMeta()))
	_, err := h.sessions.Load(ctx, sess.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	require.Contains(t, h.sink.Types(), model.EventLogout)
}

func TestSafeRedirect(t *testing.T) {
	tests := map[string]string{
		"":                     "/",
		"/posts/1":             "/posts/1",
		"https://evil.example": "/",
		"//evil.example":       "/",
		"/\\evil.example":      "/",
		"/ok\r\nSet-Cookie: x": "/",
		"relative/path":        "/",
	}
	for in, want := range tests {
		require.Equal(t, want, safeRedirect(in), "input %q", in)
	}
}

// wrongCode returns a code differing from code in every digit
func wrongCode(code string) string {
	b := []byte(code)
	for i := range b {
		b[i] = '0' + (b[i]-'0'+5)%10
	}
	return string(b)
}
