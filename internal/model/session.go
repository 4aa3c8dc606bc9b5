package model

import (
	"errors"
	"time"
)

// LoginState is the position of a browser session in the login flow
type LoginState string

const (
	StateAwaitingCredentials  LoginState = "awaiting_credentials"
	StateAwaitingSecondFactor LoginState = "awaiting_second_factor"
	StateAuthenticated        LoginState = "authenticated"
)

// ErrInvalidSessionState is returned for a session whose fields do not
// match its state.
var ErrInvalidSessionState = errors.New("invalid session state")

// Session is the server-side state behind a session cookie.
//
// PendingUsername is set only while awaiting the second factor; Username
// and Role are set only once authenticated. A session never carries both.
type Session struct {
	ID              string     `json:"id"`
	State           LoginState `json:"state"`
	PendingUsername string     `json:"pendingUsername,omitempty"`
	PendingSince    *time.Time `json:"pendingSince,omitempty"`
	Username        string     `json:"username,omitempty"`
	Role            Role       `json:"role,omitempty"`
	AuthenticatedAt *time.Time `json:"authenticatedAt,omitempty"`
	// MustChangePassword mirrors the account flag at login time
	MustChangePassword bool `json:"mustChangePassword,omitempty"`
	// StagedTOTPSecret holds a secret during enrollment until it is confirmed
	StagedTOTPSecret string `json:"stagedTotpSecret,omitempty"`
}

// NewAnonymousSession returns a session awaiting credentials
func NewAnonymousSession(id string) *Session {
	return &Session{ID: id, State: StateAwaitingCredentials}
}

// AwaitSecondFactor moves the session into the pending second factor state
func (s *Session) AwaitSecondFactor(username string, now time.Time) {
	s.State = StateAwaitingSecondFactor
	s.PendingUsername = username
	s.PendingSince = &now
	s.Username = ""
	s.Role = ""
	s.AuthenticatedAt = nil
}

// Authenticate records the verified identity and drops any pending marker
func (s *Session) Authenticate(username string, role Role, mustChange bool, now time.Time) {
	s.State = StateAuthenticated
	s.Username = username
	s.Role = role
	s.MustChangePassword = mustChange
	s.AuthenticatedAt = &now
	s.PendingUsername = ""
	s.PendingSince = nil
}

// IsAuthenticated reports whether the session carries a verified identity
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.State == StateAuthenticated && s.Username != ""
}

// IsAdmin reports whether the session is an authenticated admin
func (s *Session) IsAdmin() bool {
	return s.IsAuthenticated() && s.Role == RoleAdmin
}

// Validate checks the state/field invariants of a loaded session
func (s *Session) Validate() error {
	switch s.State {
	case StateAwaitingCredentials:
		if s.PendingUsername != "" || s.Username != "" {
			return ErrInvalidSessionState
		}
	case StateAwaitingSecondFactor:
		if s.PendingUsername == "" || s.Username != "" {
			return ErrInvalidSessionState
		}
	case StateAuthenticated:
		if s.Username == "" || s.PendingUsername != "" || !s.Role.Valid() {
			return ErrInvalidSessionState
		}
	default:
		return ErrInvalidSessionState
	}
	return nil
}
