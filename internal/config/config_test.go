package config

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BLOGAUTH_SESSION_SIGNING_KEY", testSigningKey)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 12, cfg.Security.Password.MinLength)
	require.True(t, cfg.Security.RateLimiting.Enabled)
	require.Equal(t, 5, cfg.Security.RateLimiting.MaxAttempts)
	require.Equal(t, 15*time.Minute, cfg.Security.RateLimiting.LockoutWindow)
	require.Equal(t, "fingerprint", cfg.Security.RateLimiting.Scope)
	require.Equal(t, "postgres", cfg.Security.RateLimiting.Backend)
	require.Equal(t, 15*time.Minute, cfg.Security.Tokens.PasswordResetTTL)
	require.Equal(t, 24*time.Hour, cfg.Security.Tokens.TwoFactorResetTTL)
	require.Equal(t, 6, cfg.MFA.TOTP.Digits)
	require.Equal(t, 10, cfg.MFA.BackupCodeCount)
	require.Equal(t, 5*time.Minute, cfg.Session.PendingTTL)
	require.Equal(t, "log", cfg.Email.Provider)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BLOGAUTH_SESSION_SIGNING_KEY", testSigningKey)
	t.Setenv("BLOGAUTH_SECURITY_RATE_LIMITING_SCOPE", "account")
	t.Setenv("BLOGAUTH_SECURITY_RATE_LIMITING_MAX_ATTEMPTS", "3")
	t.Setenv("BLOGAUTH_SECURITY_TOKENS_PASSWORD_RESET_TTL", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "account", cfg.Security.RateLimiting.Scope)
	require.Equal(t, 3, cfg.Security.RateLimiting.MaxAttempts)
	require.Equal(t, 30*time.Minute, cfg.Security.Tokens.PasswordResetTTL)
}

func TestLoadRequiresSigningKey(t *testing.T) {
	t.Setenv("BLOGAUTH_SESSION_SIGNING_KEY", "")

	_, err := Load()
	require.ErrorContains(t, err, "signing_key")
}

func validConfig() *Config {
	c := &Config{}
	c.Security.RateLimiting = RateLimitingConfig{
		Enabled:       true,
		MaxAttempts:   5,
		LockoutWindow: 15 * time.Minute,
		Scope:         "fingerprint",
		Backend:       "postgres",
	}
	c.Security.Tokens = TokenConfig{PasswordResetTTL: 15 * time.Minute, TwoFactorResetTTL: 24 * time.Hour}
	c.Session.SigningKey = testSigningKey
	return c
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero attempts", mutate: func(c *Config) { c.Security.RateLimiting.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "zero window", mutate: func(c *Config) { c.Security.RateLimiting.LockoutWindow = 0 }, wantErr: "lockout_window"},
		{name: "disabled limiter ignores limits", mutate: func(c *Config) {
			c.Security.RateLimiting.Enabled = false
			c.Security.RateLimiting.MaxAttempts = 0
		}},
		{name: "unknown scope", mutate: func(c *Config) { c.Security.RateLimiting.Scope = "ip" }, wantErr: "scope"},
		{name: "unknown backend", mutate: func(c *Config) { c.Security.RateLimiting.Backend = "sqlite" }, wantErr: "backend"},
		{name: "zero token ttl", mutate: func(c *Config) { c.Security.Tokens.TwoFactorResetTTL = 0 }, wantErr: "lifetimes"},
		{name: "trusted proxies", mutate: func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1", "2001:db8::/32"} }},
		{name: "bad trusted proxy", mutate: func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/40"} }, wantErr: "trusted_proxies"},
		{name: "short signing key", mutate: func(c *Config) { c.Session.SigningKey = strings.Repeat("k", 31) }, wantErr: "signing_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestTrustedProxyNets(t *testing.T) {
	nets, err := ServerConfig{TrustedProxies: []string{"192.0.2.1", " 10.0.0.0/8 ", ""}}.TrustedProxyNets()
	require.NoError(t, err)
	require.Len(t, nets, 2)
	require.True(t, nets[0].Contains(net.ParseIP("192.0.2.1")))
	require.False(t, nets[0].Contains(net.ParseIP("192.0.2.2")))
	require.True(t, nets[1].Contains(net.ParseIP("10.20.30.40")))

	_, err = ServerConfig{TrustedProxies: []string{"proxy.internal"}}.TrustedProxyNets()
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, Name: "blog", User: "u", Password: "p", SSLMode: "disable"}
	dsn := c.DSN()
	require.Contains(t, dsn, "host=db")
	require.Contains(t, dsn, "dbname=blog")
}
