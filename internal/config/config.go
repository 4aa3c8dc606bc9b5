package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Security    SecurityConfig    `mapstructure:"security"`
	MFA         MFAConfig         `mapstructure:"mfa"`
	Session     SessionConfig     `mapstructure:"session"`
	Email       EmailConfig       `mapstructure:"email"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// AppConfig holds settings about the hosting blog
type AppConfig struct {
	Name string `mapstructure:"name"`
	// BaseURL is used to build links in outgoing mail, e.g. "https://blog.example.com/"
	BaseURL string `mapstructure:"base_url"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustedProxies lists the addresses or CIDR ranges of reverse proxies
	// whose X-Forwarded-For and X-Real-IP headers are believed
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	TLS             struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// TrustedProxyNets parses TrustedProxies. A bare address is a single-host range.
func (c ServerConfig) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Password     PasswordConfig     `mapstructure:"password"`
	Tokens       TokenConfig        `mapstructure:"tokens"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	HTTPLimit    HTTPLimitConfig    `mapstructure:"http_limit"`
}

// PasswordConfig holds password hashing and complexity configuration
type PasswordConfig struct {
	MinLength         int    `mapstructure:"min_length"`
	Argon2Memory      uint32 `mapstructure:"argon2_memory"`
	Argon2Iterations  uint32 `mapstructure:"argon2_iterations"`
	Argon2Parallelism uint8  `mapstructure:"argon2_parallelism"`
}

// TokenConfig holds lifetimes of single-use reset tokens
type TokenConfig struct {
	PasswordResetTTL  time.Duration `mapstructure:"password_reset_ttl"`
	TwoFactorResetTTL time.Duration `mapstructure:"twofa_reset_ttl"`
	// Retention is how long expired or used tokens are kept before cleanup
	Retention time.Duration `mapstructure:"retention"`
}

// RateLimitingConfig holds login lockout configuration
type RateLimitingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	LockoutWindow time.Duration `mapstructure:"lockout_window"`
	// Scope selects how attempt identifiers are derived: "fingerprint"
	// (client IP + user agent + username) or "account" (client IP + username)
	Scope            string        `mapstructure:"scope"`
	AttemptRetention time.Duration `mapstructure:"attempt_retention"`
	// Backend is where attempts are stored: "postgres" or "redis"
	Backend string `mapstructure:"backend"`
}

// HTTPLimitConfig holds the coarse per-IP request limit applied to auth routes
type HTTPLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// MFAConfig holds second factor configuration
type MFAConfig struct {
	TOTP            TOTPConfig `mapstructure:"totp"`
	BackupCodeCount int        `mapstructure:"backup_code_count"`
}

// TOTPConfig holds TOTP configuration
type TOTPConfig struct {
	Issuer string `mapstructure:"issuer"`
	Digits int    `mapstructure:"digits"`
	Period int    `mapstructure:"period"`
	// Skew is the number of periods accepted on either side of the current one
	Skew int `mapstructure:"skew"`
}

// SessionConfig holds server-side session and cookie configuration
type SessionConfig struct {
	CookieName string        `mapstructure:"cookie_name"`
	TTL        time.Duration `mapstructure:"ttl"`
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
	SigningKey string        `mapstructure:"signing_key"`
	Secure     bool          `mapstructure:"secure"`
	SameSite   string        `mapstructure:"same_site"`
}

// EmailConfig holds email sending configuration
type EmailConfig struct {
	// Provider is the email provider to use: "gmail" or "log"
	Provider string `mapstructure:"provider"`
	// Gmail holds Gmail-specific configuration
	Gmail GmailEmailConfig `mapstructure:"gmail"`
}

// GmailEmailConfig holds Gmail API configuration
type GmailEmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID for OAuth2 token-based auth (alternative to service account)
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	// SenderAddress is the "From" email address
	SenderAddress string `mapstructure:"sender_address"`
	SenderName    string `mapstructure:"sender_name"`
}

// MaintenanceConfig controls the background cleanup loop
type MaintenanceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/blogauth")

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("BLOGAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the auth core cannot run with
func (c *Config) Validate() error {
	rl := c.Security.RateLimiting
	if rl.Enabled && rl.MaxAttempts <= 0 {
		return fmt.Errorf("security.rate_limiting.max_attempts must be positive")
	}
	if rl.Enabled && rl.LockoutWindow <= 0 {
		return fmt.Errorf("security.rate_limiting.lockout_window must be positive")
	}
	switch rl.Scope {
	case "fingerprint", "account":
	default:
		return fmt.Errorf("unknown security.rate_limiting.scope %q", rl.Scope)
	}
	switch rl.Backend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("unknown security.rate_limiting.backend %q", rl.Backend)
	}
	if c.Security.Tokens.PasswordResetTTL <= 0 || c.Security.Tokens.TwoFactorResetTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if _, err := c.Server.TrustedProxyNets(); err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}
	if len(c.Session.SigningKey) < 32 {
		return fmt.Errorf("session.signing_key must be at least 32 bytes")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "FlaskBlog")
	v.SetDefault("app.base_url", "http://localhost:8080/")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "blogauth")
	v.SetDefault("database.user", "blogauth")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Security defaults
	v.SetDefault("security.password.min_length", 12)
	v.SetDefault("security.password.argon2_memory", 65536)
	v.SetDefault("security.password.argon2_iterations", 3)
	v.SetDefault("security.password.argon2_parallelism", 4)

	v.SetDefault("security.tokens.password_reset_ttl", "15m")
	v.SetDefault("security.tokens.twofa_reset_ttl", "24h")
	v.SetDefault("security.tokens.retention", "24h")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.max_attempts", 5)
	v.SetDefault("security.rate_limiting.lockout_window", "15m")
	v.SetDefault("security.rate_limiting.scope", "fingerprint")
	v.SetDefault("security.rate_limiting.attempt_retention", "168h")
	v.SetDefault("security.rate_limiting.backend", "postgres")

	v.SetDefault("security.http_limit.enabled", true)
	v.SetDefault("security.http_limit.limit", 60)
	v.SetDefault("security.http_limit.window", "1m")

	// MFA defaults
	v.SetDefault("mfa.totp.issuer", "FlaskBlog")
	v.SetDefault("mfa.totp.digits", 6)
	v.SetDefault("mfa.totp.period", 30)
	v.SetDefault("mfa.totp.skew", 1)
	v.SetDefault("mfa.backup_code_count", 10)

	// Session defaults
	v.SetDefault("session.cookie_name", "blog_session")
	v.SetDefault("session.ttl", "720h")
	v.SetDefault("session.pending_ttl", "5m")
	v.SetDefault("session.signing_key", "")
	v.SetDefault("session.secure", false)
	v.SetDefault("session.same_site", "lax")

	// Email defaults
	v.SetDefault("email.provider", "log")
	v.SetDefault("email.gmail.sender_address", "")
	v.SetDefault("email.gmail.sender_name", "FlaskBlog")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.interval", "1h")
}
