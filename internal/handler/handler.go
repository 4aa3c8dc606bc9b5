package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/middleware"
	"github.com/blogauth/blogauth/internal/service"
	"github.com/blogauth/blogauth/internal/session"
	"github.com/blogauth/blogauth/internal/tokens"
)

// HealthChecker is a dependency that can report its own health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Services bundles the business services the handlers call
type Services struct {
	Auth        *service.AuthService
	Accounts    *service.AccountService
	MFA         *service.MFAService
	Resets      *service.PasswordResetService
	TwoFAResets *service.TwoFactorResetService
}

// Handler holds all HTTP handlers
type Handler struct {
	db      HealthChecker
	rdb     HealthChecker
	log     *logger.Logger
	cfg     *config.Config
	svc     Services
	cookies *session.CookieCodec
}

// New creates a new Handler instance
func New(db, rdb HealthChecker, log *logger.Logger, cfg *config.Config, svc Services, cookies *session.CookieCodec) *Handler {
	return &Handler{
		db:      db,
		rdb:     rdb,
		log:     log.WithComponent("handler"),
		cfg:     cfg,
		svc:     svc,
		cookies: cookies,
	}
}

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, nil, status, code, message, nil)
}

func writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	if r != nil {
		if reqID := middleware.GetRequestID(r.Context()); reqID != "" {
			body["request_id"] = reqID
		}
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// requestMeta captures the request context recorded with audit events
func requestMeta(r *http.Request) audit.Meta {
	return audit.Meta{
		ClientIP:  middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		Path:      middleware.RedactPath(r.URL.Path),
		Method:    r.Method,
	}
}

// writeServiceError maps service and token errors onto HTTP responses.
// Anything unrecognised is a 500 without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *service.RateLimitedError
	var ce *auth.ComplexityError

	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", itoa(rl.RetryAfterSeconds()))
		writeErrorWithDetails(w, r, http.StatusTooManyRequests, "rate_limited",
			"Too many failed attempts. Please try again later.",
			map[string]interface{}{"retryAfter": rl.RetryAfterSeconds()})
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "The username or password is incorrect.")
	case errors.Is(err, service.ErrInvalidSecondFactor):
		writeError(w, http.StatusUnauthorized, "invalid_code", "The verification code is incorrect.")
	case errors.Is(err, service.ErrNoPendingSecondFactor):
		writeErrorWithDetails(w, r, http.StatusBadRequest, "no_pending_verification",
			"No verification is in progress. Please sign in again.",
			map[string]interface{}{"redirectTo": middleware.LoginPath})
	case errors.Is(err, service.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "Administrator access required")
	case errors.Is(err, service.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", "No such user")
	case errors.Is(err, service.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "username_taken", "That username or email is already registered")
	case errors.Is(err, service.ErrPasswordTooWeak):
		details := map[string]interface{}{}
		if errors.As(err, &ce) {
			details["failed"] = ce.Failed
			details["minLength"] = ce.MinLength
		}
		writeErrorWithDetails(w, r, http.StatusBadRequest, "password_too_weak", err.Error(), details)
	case errors.Is(err, service.ErrPasswordChangeNotRequired):
		writeError(w, http.StatusConflict, "password_change_not_required", "No password change is pending")
	case errors.Is(err, service.ErrTwoFactorNotEnabled):
		writeError(w, http.StatusConflict, "twofa_not_enabled", "Two-factor authentication is not enabled")
	case errors.Is(err, service.ErrTwoFactorEnabled):
		writeError(w, http.StatusConflict, "twofa_already_enabled", "Two-factor authentication is already enabled")
	case errors.Is(err, service.ErrNoEnrollmentPending):
		writeError(w, http.StatusBadRequest, "no_enrollment", "Start two-factor setup first")
	case errors.Is(err, service.ErrResetIncomplete):
		writeError(w, http.StatusServiceUnavailable, "reset_incomplete",
			"This link was used but the change could not be saved. Please request a new link.")
	case errors.Is(err, tokens.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "invalid_token", "This link is invalid.")
	case errors.Is(err, tokens.ErrTokenExpired):
		writeError(w, http.StatusGone, "token_expired", "This link has expired.")
	case errors.Is(err, tokens.ErrTokenAlreadyUsed):
		writeError(w, http.StatusGone, "token_used", "This link has already been used.")
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeErrorWithDetails(w, r, http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again.", nil)
	}
}
