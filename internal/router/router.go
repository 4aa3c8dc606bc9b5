package router

import (
	"net/http"

	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/handler"
	"github.com/blogauth/blogauth/internal/middleware"
	"github.com/blogauth/blogauth/internal/service"
)

// ForceChangePasswordRoute is the only account route open to a session
// that must rotate its password.
const ForceChangePasswordRoute = "/account/force-change-password"

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	// Public authentication routes, behind the coarse per-IP limit
	authLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "auth",
		Limit:  cfg.Security.HTTPLimit.Limit,
		Window: cfg.Security.HTTPLimit.Window,
		KeyFn:  middleware.IPKey,
	})

	mux.Handle("POST /auth/login", authLimit(http.HandlerFunc(h.Login)))
	mux.Handle("POST /auth/verify-2fa", authLimit(http.HandlerFunc(h.VerifySecondFactor)))
	mux.HandleFunc("POST /auth/logout", h.Logout)

	mux.Handle("POST /auth/password/reset-request", authLimit(http.HandlerFunc(h.PasswordResetRequest)))
	mux.Handle("GET /auth/password/reset/{token}", authLimit(http.HandlerFunc(h.PasswordResetInspect)))
	mux.Handle("POST /auth/password/reset", authLimit(http.HandlerFunc(h.PasswordReset)))

	mux.Handle("GET /auth/2fa-reset/{token}", authLimit(http.HandlerFunc(h.TwoFactorResetInspect)))
	mux.Handle("POST /auth/2fa-reset/{token}", authLimit(http.HandlerFunc(h.TwoFactorResetDecide)))

	// Account routes (require login)
	login := mw.RequireLogin
	mux.Handle("POST /account/password", login(http.HandlerFunc(h.ChangePassword)))
	mux.Handle("POST "+ForceChangePasswordRoute, login(http.HandlerFunc(h.ForceChangePassword)))
	mux.Handle("GET /account/2fa", login(http.HandlerFunc(h.TwoFactorStatus)))
	mux.Handle("POST /account/2fa/setup", login(http.HandlerFunc(h.TwoFactorSetup)))
	mux.Handle("POST /account/2fa/enable", login(http.HandlerFunc(h.TwoFactorEnable)))
	mux.Handle("POST /account/2fa/disable", login(http.HandlerFunc(h.TwoFactorDisable)))
	mux.Handle("POST /account/2fa/backup-codes", login(http.HandlerFunc(h.BackupCodesRegenerate)))

	// Admin routes
	admin := mw.RequireAdmin
	mux.Handle("POST /admin/users/{username}/unlock", admin(http.HandlerFunc(h.AdminUnlockAccount)))
	mux.Handle("POST /admin/users/{username}/2fa-reset", admin(http.HandlerFunc(h.AdminTwoFactorReset)))
	mux.Handle("POST /admin/users/{username}/require-password-change", admin(http.HandlerFunc(h.AdminRequirePasswordChange)))

	// Apply middleware stack
	var handler http.Handler = mux

	// Flagged accounts may only rotate their password or leave
	handler = mw.ForcePasswordChange(service.ForceChangePasswordPath,
		ForceChangePasswordRoute, "/auth/logout", "/health", "/ready")(handler)

	handler = mw.Session(handler)

	// Request logging
	handler = mw.Logger(handler)

	// Timing
	handler = mw.Timing(handler)

	// Client address, from forwarding headers only behind a trusted proxy
	handler = mw.RealIP(handler)

	// Request ID
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
