package model

import (
	"time"
)

// Role is the privilege level of an account
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents an account with its credential and second factor state
type User struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"` // never expose password hash
	Role               Role      `json:"role"`
	TwoFactorEnabled   bool      `json:"twoFactorEnabled"`
	TOTPSecret         *string   `json:"-"`
	BackupCodes        []string  `json:"-"` // hashes of the remaining recovery codes
	MustChangePassword bool      `json:"mustChangePassword"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the account holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// RequiresSecondFactor reports whether login must pass through the TOTP step.
// An enabled flag without a stored secret is treated as disabled.
func (u *User) RequiresSecondFactor() bool {
	return u.TwoFactorEnabled && u.TOTPSecret != nil && *u.TOTPSecret != ""
}
