package model

import (
	"time"
)

// TokenPurpose distinguishes the kinds of single-use reset tokens. A token
// issued for one purpose never validates for another.
type TokenPurpose string

const (
	PurposePasswordReset  TokenPurpose = "password_reset"
	PurposeTwoFactorReset TokenPurpose = "twofa_reset"
)

// Valid reports whether p is a known purpose
func (p TokenPurpose) Valid() bool {
	return p == PurposePasswordReset || p == PurposeTwoFactorReset
}

// ResetToken is a stored single-use token. Only the SHA-256 hash of the
// bearer value is persisted.
type ResetToken struct {
	ID        string       `json:"id"`
	Purpose   TokenPurpose `json:"purpose"`
	Username  string       `json:"username"`
	TokenHash string       `json:"-"`
	// IssuedBy is the admin who requested a TwoFactorReset, nil otherwise
	IssuedBy  *string    `json:"issuedBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
}

// IsExpired reports whether now is strictly after the expiry instant
func (t *ResetToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsUsed checks if the token has been consumed
func (t *ResetToken) IsUsed() bool {
	return t.Used
}

// LoginAttempt is one recorded authentication attempt for a rate-limit identifier
type LoginAttempt struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	AttemptedAt time.Time `json:"attemptedAt"`
	Success     bool      `json:"success"`
}
