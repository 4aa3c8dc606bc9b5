package service

import (
	"context"
	"time"

	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/ratelimit"
	"github.com/blogauth/blogauth/internal/tokens"
)

// Maintenance prunes expired tokens and old login attempts
type Maintenance struct {
	managers         []*tokens.Manager
	limiter          *ratelimit.Limiter
	tokenRetention   time.Duration
	attemptRetention time.Duration
	log              *logger.Logger
}

// NewMaintenance creates a Maintenance job over the given token managers
func NewMaintenance(limiter *ratelimit.Limiter, tokenRetention, attemptRetention time.Duration, log *logger.Logger, managers ...*tokens.Manager) *Maintenance {
	return &Maintenance{
		managers:         managers,
		limiter:          limiter,
		tokenRetention:   tokenRetention,
		attemptRetention: attemptRetention,
		log:              log.WithComponent("maintenance"),
	}
}

// MaintenanceReport counts what one run removed
type MaintenanceReport struct {
	TokensRemoved   int64
	AttemptsRemoved int64
}

// RunOnce performs a single cleanup pass. Every step runs even if an
// earlier one fails; the first error is returned.
func (m *Maintenance) RunOnce(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	var firstErr error

	for _, mgr := range m.managers {
		n, err := mgr.CleanupExpired(ctx, m.tokenRetention)
		if err != nil {
			m.log.Error().Err(err).Str("purpose", string(mgr.Purpose())).Msg("token cleanup failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report.TokensRemoved += n
	}

	n, err := m.limiter.Cleanup(ctx, m.attemptRetention)
	if err != nil {
		m.log.Error().Err(err).Msg("login attempt cleanup failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	report.AttemptsRemoved = n

	m.log.Info().
		Int64("tokens_removed", report.TokensRemoved).
		Int64("attempts_removed", report.AttemptsRemoved).
		Msg("maintenance pass finished")
	return report, firstErr
}

// Start runs RunOnce every interval until ctx is cancelled. It blocks.
func (m *Maintenance) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.RunOnce(ctx)
		}
	}
}
