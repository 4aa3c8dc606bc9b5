// Package audit writes the security audit trail.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/google/uuid"
)

// Sink appends entries durably. Entries are never updated or deleted.
type Sink interface {
	Append(ctx context.Context, entry *model.SecurityAuditEntry) error
}

// Meta is the request context an event happened in
type Meta struct {
	ClientIP  string
	UserAgent string
	Path      string
	Method    string
}

// Event describes one security event
type Event struct {
	Type     string
	Username string
	Status   int
	Details  string
	Meta     Meta
}

// Recorder fills in ids and timestamps, appends to the sink and mirrors each
// entry into the structured log.
type Recorder struct {
	sink Sink
	log  *logger.Logger
	now  func() time.Time
}

// NewRecorder creates a Recorder
func NewRecorder(sink Sink, log *logger.Logger) *Recorder {
	return &Recorder{
		sink: sink,
		log:  log.WithComponent("audit"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Record appends an event. A sink failure is logged and returned.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	entry := &model.SecurityAuditEntry{
		ID:        "aud_" + uuid.New().String(),
		EventType: ev.Type,
		IPAddress: clean(ev.Meta.ClientIP, maxIPLen),
		UserAgent: clean(ev.Meta.UserAgent, maxUserAgentLen),
		Path:      clean(ev.Meta.Path, maxPathLen),
		Method:    clean(ev.Meta.Method, maxMethodLen),
		Status:    ev.Status,
		Details:   clean(ev.Details, maxDetailsLen),
		CreatedAt: r.now(),
	}
	username := clean(ev.Username, maxUsernameLen)
	if username != "" {
		entry.Username = &username
	}

	r.log.SecurityEvent(ev.Type, username, entry.IPAddress, entry.Details)

	if err := r.sink.Append(ctx, entry); err != nil {
		r.log.Error().Err(err).Str("event_type", ev.Type).Msg("failed to persist audit entry")
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// LoginEventType picks the login event for the account's role and outcome
func LoginEventType(role model.Role, success bool) string {
	switch {
	case role == model.RoleAdmin && success:
		return model.EventAdminLoginSuccess
	case role == model.RoleAdmin:
		return model.EventAdminLoginFailure
	case success:
		return model.EventUserLoginSuccess
	default:
		return model.EventUserLoginFailure
	}
}

// Byte limits for request-derived audit fields
const (
	maxIPLen        = 64
	maxUserAgentLen = 512
	maxPathLen      = 512
	maxMethodLen    = 16
	maxDetailsLen   = 1024
	maxUsernameLen  = 255
)

// clean replaces invalid UTF-8 and truncates to at most n bytes without
// splitting a rune. Postgres rejects invalid UTF-8 in TEXT columns.
func clean(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
