package handler

import (
	"net/http"

	"github.com/blogauth/blogauth/internal/middleware"
)

// AdminUnlockAccount handles POST /admin/users/{username}/unlock
func (h *Handler) AdminUnlockAccount(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("username")
	if target == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Username is required")
		return
	}

	cleared, err := h.svc.Accounts.UnlockAccount(r.Context(), middleware.SessionFrom(r.Context()), target, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Account unlocked successfully",
		"username": target,
		"cleared":  cleared,
	})
}

// AdminTwoFactorReset handles POST /admin/users/{username}/2fa-reset
func (h *Handler) AdminTwoFactorReset(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("username")
	if target == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Username is required")
		return
	}

	if err := h.svc.TwoFAResets.Issue(r.Context(), middleware.SessionFrom(r.Context()), target, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":  "A confirmation email was sent to the user",
		"username": target,
	})
}

// AdminRequirePasswordChange handles POST /admin/users/{username}/require-password-change
func (h *Handler) AdminRequirePasswordChange(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("username")
	if target == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Username is required")
		return
	}

	if err := h.svc.Accounts.RequirePasswordChange(r.Context(), middleware.SessionFrom(r.Context()), target, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "The user must change their password at next login",
		"username": target,
	})
}
