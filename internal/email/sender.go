package email

import (
	"context"
	"fmt"

	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/logger"
)

// Sender delivers account mail (reset links). Delivery failures are
// reported to the caller, which treats them as non-fatal.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message represents an email message to be sent.
type Message struct {
	To       string // recipient email address
	Subject  string
	HTMLBody string
	TextBody string // plain-text fallback body
}

// LogSender writes a line per message instead of delivering it. Bodies carry
// bearer links and are never logged.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("email")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email suppressed (log provider)")
	return nil
}

// NewSender builds the sender selected by cfg.Provider
func NewSender(ctx context.Context, cfg config.EmailConfig, log *logger.Logger) (Sender, error) {
	switch cfg.Provider {
	case "", "log":
		return NewLogSender(log), nil
	case "gmail":
		return NewGmailSender(ctx, cfg.Gmail)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}
