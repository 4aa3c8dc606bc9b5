package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/blogauth/blogauth/internal/middleware"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/service"
)

// --- Login Handlers ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Next     string `json:"next,omitempty"`
}

// Login handles POST /auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Username and password are required")
		return
	}

	res, err := h.svc.Auth.BeginLogin(r.Context(), middleware.SessionFrom(r.Context()), service.LoginRequest{
		Username: req.Username,
		Password: req.Password,
		Next:     req.Next,
		Meta:     requestMeta(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeLoginResult(w, r, res)
}

type verifySecondFactorRequest struct {
	Code string `json:"code"`
	// Mode is "totp" (default) or "backup"
	Mode string `json:"mode,omitempty"`
	Next string `json:"next,omitempty"`
}

// VerifySecondFactor handles POST /auth/verify-2fa
func (h *Handler) VerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	var req verifySecondFactorRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	mode := model.SecondFactorTOTP
	if strings.EqualFold(req.Mode, string(model.SecondFactorBackup)) {
		mode = model.SecondFactorBackup
	}

	res, err := h.svc.Auth.VerifySecondFactor(r.Context(), middleware.SessionFrom(r.Context()), service.SecondFactorRequest{
		Code: req.Code,
		Mode: mode,
		Next: req.Next,
		Meta: requestMeta(r),
	})
	if err != nil {
		if errors.Is(err, service.ErrNoPendingSecondFactor) {
			h.cookies.Clear(w)
		}
		h.writeServiceError(w, r, err)
		return
	}

	h.writeLoginResult(w, r, res)
}

func (h *Handler) writeLoginResult(w http.ResponseWriter, r *http.Request, res *service.LoginResult) {
	if err := h.cookies.Write(w, res.Session.ID); err != nil {
		h.log.Error().Err(err).Msg("failed to sign session cookie")
		writeError(w, http.StatusInternalServerError, "internal_error", "Login failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Logout handles POST /auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if sess.ID != "" {
		if err := h.svc.Auth.Logout(r.Context(), sess, requestMeta(r)); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	h.cookies.Clear(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out successfully"})
}

// --- Password Reset Handlers ---

type passwordResetRequestPayload struct {
	Email string `json:"email"`
}

// PasswordResetRequest handles POST /auth/password/reset-request. The
// response does not depend on whether the address is registered.
func (h *Handler) PasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequestPayload
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	if err := h.svc.Resets.RequestReset(r.Context(), req.Email, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "If an account exists for that email, a reset link has been sent.",
	})
}

type passwordResetPayload struct {
	Token           string `json:"token"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// PasswordResetInspect handles GET /auth/password/reset/{token}
func (h *Handler) PasswordResetInspect(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Resets.InspectReset(r.Context(), r.PathValue("token")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// PasswordReset handles POST /auth/password/reset
func (h *Handler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetPayload
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Token is required")
		return
	}

	if err := h.svc.Resets.CompleteReset(r.Context(), req.Token, req.NewPassword, req.ConfirmPassword, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Your password has been reset. You can now sign in.",
		"redirectTo": middleware.LoginPath,
	})
}

// --- 2FA Reset Confirmation Handlers ---

// TwoFactorResetInspect handles GET /auth/2fa-reset/{token}
func (h *Handler) TwoFactorResetInspect(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.TwoFAResets.Inspect(r.Context(), r.PathValue("token"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type twoFactorResetDecision struct {
	// Action is "confirm" or "cancel"
	Action string `json:"action"`
}

// TwoFactorResetDecide handles POST /auth/2fa-reset/{token}
func (h *Handler) TwoFactorResetDecide(w http.ResponseWriter, r *http.Request) {
	var req twoFactorResetDecision
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	raw := r.PathValue("token")
	var err error
	var message string
	switch req.Action {
	case "confirm":
		err = h.svc.TwoFAResets.Confirm(r.Context(), raw, requestMeta(r))
		message = "Two-factor authentication has been disabled."
	case "cancel":
		err = h.svc.TwoFAResets.Cancel(r.Context(), raw, requestMeta(r))
		message = "The reset request was cancelled. Your two-factor settings are unchanged."
	default:
		writeError(w, http.StatusBadRequest, "validation_error", `Action must be "confirm" or "cancel"`)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}
