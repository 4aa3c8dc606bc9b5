// Package ratelimit decides whether a login attempt may proceed, based on
// recent failures for an attempt identifier.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/logger"
)

// Identifier scopes
const (
	ScopeFingerprint = "fingerprint"
	ScopeAccount     = "account"
)

// userAgentPrefix bounds how much of the user agent feeds the fingerprint
const userAgentPrefix = 100

// AttemptStore records attempts and answers window queries
type AttemptStore interface {
	// FailuresSince returns the number of failures strictly after since and
	// the oldest of them.
	FailuresSince(ctx context.Context, identifier string, since time.Time) (int, time.Time, error)
	// Record appends an attempt; a success also clears the identifier's failures.
	Record(ctx context.Context, identifier string, success bool, at time.Time) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ClearFailuresWithSuffix removes failures of every identifier ending in suffix.
	ClearFailuresWithSuffix(ctx context.Context, suffix string) (int64, error)
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Failures   int
}

// Limiter enforces max failures per identifier within a sliding window
type Limiter struct {
	store   AttemptStore
	enabled bool
	max     int
	window  time.Duration
	scope   string
	log     *logger.Logger
	now     func() time.Time
}

// New creates a Limiter from the rate limiting config section
func New(store AttemptStore, cfg config.RateLimitingConfig, log *logger.Logger) *Limiter {
	scope := cfg.Scope
	if scope == "" {
		scope = ScopeFingerprint
	}
	return &Limiter{
		store:   store,
		enabled: cfg.Enabled,
		max:     cfg.MaxAttempts,
		window:  cfg.LockoutWindow,
		scope:   scope,
		log:     log.WithComponent("ratelimit"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Identifier derives the attempt identifier for a login. With the
// fingerprint scope it is a hash of the client IP and user agent; with the
// account scope it is the client IP. A non-empty username is appended as
// ":<username>" in lower case.
func (l *Limiter) Identifier(clientIP, userAgent, username string) string {
	var base string
	switch l.scope {
	case ScopeAccount:
		base = clientIP
	default:
		base = fingerprint(clientIP, userAgent)
	}
	if username == "" {
		return base
	}
	return base + ":" + strings.ToLower(username)
}

// SecondFactorIdentifier scopes failures of the TOTP/backup step to the
// pending account, independent of the client.
func (l *Limiter) SecondFactorIdentifier(username string) string {
	return "2fa:" + strings.ToLower(username)
}

func fingerprint(clientIP, userAgent string) string {
	if len(userAgent) > userAgentPrefix {
		userAgent = userAgent[:userAgentPrefix]
	}
	sum := sha256.Sum256([]byte(clientIP + "|" + userAgent))
	return hex.EncodeToString(sum[:8])
}

// CheckAdmission reports whether identifier may attempt to authenticate now.
// It never records anything.
func (l *Limiter) CheckAdmission(ctx context.Context, identifier string) (Decision, error) {
	if !l.enabled {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	count, earliest, err := l.store.FailuresSince(ctx, identifier, now.Add(-l.window))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read login attempts: %w", err)
	}

	d := decide(count, earliest, now, l.max, l.window)
	if !d.Allowed {
		l.log.Warn().
			Str("identifier", identifier).
			Int("failures", count).
			Dur("retry_after", d.RetryAfter).
			Msg("login attempt rejected by rate limiter")
	}
	return d, nil
}

// decide is the pure admission rule: deny while max or more failures lie in
// the window, until the oldest of them leaves it.
func decide(count int, earliest, now time.Time, max int, window time.Duration) Decision {
	if count < max {
		return Decision{Allowed: true, Failures: count}
	}
	retry := earliest.Add(window).Sub(now)
	if retry <= 0 {
		return Decision{Allowed: true, Failures: count}
	}
	return Decision{Allowed: false, RetryAfter: retry, Failures: count}
}

// RecordAttempt stores the outcome of an attempt. Recording a success resets
// the identifier's failure count.
func (l *Limiter) RecordAttempt(ctx context.Context, identifier string, success bool) error {
	if !l.enabled {
		return nil
	}
	if err := l.store.Record(ctx, identifier, success, l.now()); err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// ResetAccount lifts lockouts for username across all client identifiers,
// including its second-factor identifier.
func (l *Limiter) ResetAccount(ctx context.Context, username string) (int64, error) {
	if username == "" {
		return 0, fmt.Errorf("username is required")
	}
	n, err := l.store.ClearFailuresWithSuffix(ctx, ":"+strings.ToLower(username))
	if err != nil {
		return 0, fmt.Errorf("failed to reset lockout: %w", err)
	}
	l.log.Info().Str("username", username).Int64("cleared", n).Msg("account lockout reset")
	return n, nil
}

// Cleanup prunes attempts older than retention
func (l *Limiter) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := l.store.DeleteBefore(ctx, l.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune login attempts: %w", err)
	}
	return n, nil
}
