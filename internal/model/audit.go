package model

import "time"

// SecurityAuditEntry is an append-only record of a security-relevant event
type SecurityAuditEntry struct {
	ID        string    `json:"id"`
	EventType string    `json:"eventType"`
	Username  *string   `json:"username,omitempty"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	Status    int       `json:"status"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

// Audit event types
const (
	EventUserLoginSuccess       = "user_login_success"
	EventUserLoginFailure       = "user_login_failure"
	EventAdminLoginSuccess      = "admin_login_success"
	EventAdminLoginFailure      = "admin_login_failure"
	EventTwoFactorChallenge     = "twofa_challenge"
	EventTwoFactorSuccess       = "twofa_success"
	EventTwoFactorFailure       = "twofa_failure"
	EventRateLimitTriggered     = "rate_limit_triggered"
	EventPasswordResetRequested = "password_reset_requested"
	EventPasswordResetCompleted = "password_reset_completed"
	EventPasswordResetFailed    = "password_reset_failed"
	EventTwoFactorResetIssued   = "twofa_reset_issued"
	EventTwoFactorResetConfirm  = "twofa_reset_confirmed"
	EventTwoFactorResetCancel   = "twofa_reset_cancelled"
	EventTwoFactorResetFailed   = "twofa_reset_failed"
	EventTwoFactorEnabled       = "twofa_enabled"
	EventTwoFactorDisabled      = "twofa_disabled"
	EventBackupCodesRegenerated = "backup_codes_regenerated"
	EventPasswordChanged        = "password_changed"
	EventForcedPasswordChange   = "forced_password_change"
	EventAdminAction            = "admin_action"
	EventLockoutReset           = "lockout_reset"
	EventLogout                 = "logout"
)
