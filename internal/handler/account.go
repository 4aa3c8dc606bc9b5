package handler

import (
	"net/http"

	"github.com/blogauth/blogauth/internal/middleware"
)

// --- Password Handlers ---

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// ChangePassword handles POST /account/password
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	sess := middleware.SessionFrom(r.Context())
	if err := h.svc.Accounts.ChangePassword(r.Context(), sess, req.CurrentPassword, req.NewPassword, req.ConfirmPassword, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed"})
}

type forceChangePasswordRequest struct {
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// ForceChangePassword handles POST /account/force-change-password
func (h *Handler) ForceChangePassword(w http.ResponseWriter, r *http.Request) {
	var req forceChangePasswordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	sess := middleware.SessionFrom(r.Context())
	if err := h.svc.Accounts.ForceChangePassword(r.Context(), sess, req.NewPassword, req.ConfirmPassword, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed", "redirectTo": "/"})
}

// --- Two-Factor Handlers ---

// TwoFactorStatus handles GET /account/2fa
func (h *Handler) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.MFA.Status(r.Context(), middleware.SessionFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TwoFactorSetup handles POST /account/2fa/setup
func (h *Handler) TwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.svc.MFA.BeginEnrollment(r.Context(), middleware.SessionFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

type codeRequest struct {
	Code string `json:"code"`
}

// TwoFactorEnable handles POST /account/2fa/enable
func (h *Handler) TwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := readJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Verification code is required")
		return
	}

	codes, err := h.svc.MFA.ConfirmEnrollment(r.Context(), middleware.SessionFrom(r.Context()), req.Code, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, codes)
}

type disableTwoFactorRequest struct {
	Password string `json:"password"`
}

// TwoFactorDisable handles POST /account/2fa/disable
func (h *Handler) TwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req disableTwoFactorRequest
	if err := readJSON(r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Password is required")
		return
	}

	if err := h.svc.MFA.Disable(r.Context(), middleware.SessionFrom(r.Context()), req.Password, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Two-factor authentication disabled"})
}

// BackupCodesRegenerate handles POST /account/2fa/backup-codes
func (h *Handler) BackupCodesRegenerate(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := readJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Verification code is required")
		return
	}

	codes, err := h.svc.MFA.RegenerateBackupCodes(r.Context(), middleware.SessionFrom(r.Context()), req.Code, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, codes)
}
