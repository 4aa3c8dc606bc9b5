package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/session"
)

// LoginPath is where unauthenticated browsers are sent
const LoginPath = "/login"

// Session loads the server-side session named by the session cookie. A
// missing, forged or expired cookie yields an anonymous session without an
// id; nothing is stored until login.
func (m *Middleware) Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := model.NewAnonymousSession("")

		id, err := m.cookies.Read(r)
		if err == nil {
			loaded, err := m.sessions.Load(r.Context(), id)
			switch {
			case err == nil:
				sess = loaded
			case errors.Is(err, session.ErrSessionNotFound):
				m.cookies.Clear(w)
			default:
				m.log.Error().Err(err).Msg("failed to load session")
				writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Please try again shortly", nil)
				return
			}
		} else if !errors.Is(err, http.ErrNoCookie) {
			m.log.Debug().Err(err).Msg("discarding invalid session cookie")
			m.cookies.Clear(w)
		}

		ctx := context.WithValue(r.Context(), SessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFrom returns the request's session. It is never nil behind the
// Session middleware.
func SessionFrom(ctx context.Context) *model.Session {
	if sess, ok := ctx.Value(SessionKey).(*model.Session); ok && sess != nil {
		return sess
	}
	return model.NewAnonymousSession("")
}

// RequireLogin rejects requests without an authenticated session
func (m *Middleware) RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !SessionFrom(r.Context()).IsAuthenticated() {
			loginRequired(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests unless the session is an authenticated admin
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := SessionFrom(r.Context())
		if !sess.IsAuthenticated() {
			loginRequired(w, r)
			return
		}
		if !sess.IsAdmin() {
			m.log.SecurityEvent(model.EventAdminAction, sess.Username, ClientIP(r), "denied admin route "+r.URL.Path)
			writeError(w, http.StatusForbidden, "forbidden", "Administrator access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ForcePasswordChange holds an account flagged for rotation on the change
// form. Paths with one of the allowed prefixes still pass.
func (m *Middleware) ForcePasswordChange(changePath string, allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFrom(r.Context())
			if !sess.IsAuthenticated() || !sess.MustChangePassword || r.URL.Path == changePath {
				next.ServeHTTP(w, r)
				return
			}
			for _, prefix := range allowed {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "password_change_required", "You must change your password before continuing", map[string]interface{}{
				"redirectTo": changePath,
			})
		})
	}
}

func loginRequired(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", map[string]interface{}{
		"redirectTo": LoginPath + "?next=" + url.QueryEscape(r.URL.RequestURI()),
	})
}
