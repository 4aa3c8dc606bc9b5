package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/session"
	"github.com/stretchr/testify/require"
)

func newTestMiddleware(t *testing.T) (*Middleware, *session.MemoryStore, *session.CookieCodec) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Session = config.SessionConfig{
		CookieName: "blog_session",
		TTL:        time.Hour,
		SigningKey: "0123456789abcdef0123456789abcdef",
	}
	store := session.NewMemoryStore()
	codec := session.NewCookieCodec(cfg.Session)
	return New(nil, store, codec, logger.Nop(), cfg), store, codec
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "peer", remote: "192.0.2.5:5123", want: "192.0.2.5"},
		{name: "no port", remote: "192.0.2.5", want: "192.0.2.5"},
		{
			name:    "headers from untrusted peer are ignored",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9", "X-Real-IP": "198.51.100.3"},
			remote:  "192.0.2.5:5123",
			want:    "192.0.2.5",
		},
		{
			name:    "trusted proxy",
			trusted: []string{"10.0.0.0/8"},
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9"},
			remote:  "10.0.0.2:80",
			want:    "203.0.113.9",
		},
		{
			name:    "client-supplied hops left of the proxy are ignored",
			trusted: []string{"10.0.0.0/8"},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.77, 203.0.113.9"},
			remote:  "10.0.0.2:80",
			want:    "203.0.113.9",
		},
		{
			name:    "chain of trusted proxies",
			trusted: []string{"10.0.0.0/8", "172.16.0.1"},
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9, 172.16.0.1, 10.0.0.7"},
			remote:  "10.0.0.2:80",
			want:    "203.0.113.9",
		},
		{
			name:    "garbage hop stops the walk",
			trusted: []string{"10.0.0.0/8"},
			headers: map[string]string{"X-Forwarded-For": "not-an-ip"},
			remote:  "10.0.0.2:80",
			want:    "10.0.0.2",
		},
		{
			name:    "real ip from trusted proxy",
			trusted: []string{"10.0.0.2"},
			headers: map[string]string{"X-Real-IP": "198.51.100.3"},
			remote:  "10.0.0.2:80",
			want:    "198.51.100.3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw, _, _ := newTestMiddleware(t)
			nets, err := config.ServerConfig{TrustedProxies: tt.trusted}.TrustedProxyNets()
			require.NoError(t, err)
			mw.trustedProxies = nets

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			var got string
			mw.RealIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			})).ServeHTTP(httptest.NewRecorder(), r)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestClientIPWithoutRealIPUsesPeer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.5:5123"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	require.Equal(t, "192.0.2.5", ClientIP(r))
}

func TestRequestIDIsPropagated(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)
	var seen string
	h := mw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "abc-123", seen)
}

func TestLoggerRedactsTokens(t *testing.T) {
	var buf bytes.Buffer
	mw, _, _ := newTestMiddleware(t)
	mw.log = logger.NewWithWriter(&buf, "info", "json")

	h := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/auth/password/reset/s3cr3t-token", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/auth/2fa-reset/other-token", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/account/2fa", nil))

	out := buf.String()
	require.NotContains(t, out, "s3cr3t-token")
	require.NotContains(t, out, "other-token")
	require.Contains(t, out, `"path":"/auth/password/reset/[redacted]"`)
	require.Contains(t, out, `"path":"/account/2fa"`)
	require.Contains(t, out, `"status":404`)
}

func TestRecover(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)
	h := mw.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal_error")
}

func TestSessionLoadsAuthenticatedSession(t *testing.T) {
	mw, store, codec := newTestMiddleware(t)

	sess := model.NewAnonymousSession("sid-1")
	sess.Authenticate("alice", model.RoleUser, false, time.Now())
	require.NoError(t, store.Save(context.Background(), sess, time.Hour))
	value, err := codec.Encode("sid-1")
	require.NoError(t, err)

	var got *model.Session
	h := mw.Session(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SessionFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "blog_session", Value: value})
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, got.IsAuthenticated())
	require.Equal(t, "alice", got.Username)

	// unknown session id: anonymous, cookie cleared
	value, err = codec.Encode("gone")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "blog_session", Value: value})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.False(t, got.IsAuthenticated())
	require.Len(t, rec.Result().Cookies(), 1)
	require.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func withSession(sess *model.Session, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), SessionKey, sess)))
	})
}

func TestGuards(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	user := model.NewAnonymousSession("u")
	user.Authenticate("alice", model.RoleUser, false, time.Now())
	admin := model.NewAnonymousSession("a")
	admin.Authenticate("root", model.RoleAdmin, false, time.Now())
	pending := model.NewAnonymousSession("p")
	pending.AwaitSecondFactor("alice", time.Now())

	tests := []struct {
		name  string
		guard func(http.Handler) http.Handler
		sess  *model.Session
		want  int
	}{
		{"login/anonymous", mw.RequireLogin, model.NewAnonymousSession(""), http.StatusUnauthorized},
		{"login/pending", mw.RequireLogin, pending, http.StatusUnauthorized},
		{"login/user", mw.RequireLogin, user, http.StatusNoContent},
		{"admin/anonymous", mw.RequireAdmin, model.NewAnonymousSession(""), http.StatusUnauthorized},
		{"admin/user", mw.RequireAdmin, user, http.StatusForbidden},
		{"admin/admin", mw.RequireAdmin, admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			withSession(tt.sess, tt.guard(ok)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/x", nil))
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestForcePasswordChange(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	gate := mw.ForcePasswordChange("/account/force-change-password", "/auth/logout")

	flagged := model.NewAnonymousSession("f")
	flagged.Authenticate("alice", model.RoleUser, true, time.Now())

	for path, want := range map[string]int{
		"/account/2fa":                   http.StatusForbidden,
		"/account/force-change-password": http.StatusNoContent,
		"/auth/logout":                   http.StatusNoContent,
	} {
		rec := httptest.NewRecorder()
		withSession(flagged, gate(ok)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		require.Equal(t, want, rec.Code, path)
	}
}
