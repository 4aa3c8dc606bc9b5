package middleware

import (
	"net/http"
	"strings"
	"time"
)

// tokenPathPrefixes are routes whose last segment is a raw bearer token
var tokenPathPrefixes = []string{"/auth/password/reset/", "/auth/2fa-reset/"}

// RedactPath hides bearer tokens carried in the URL path. Anything that
// logs or audits a path goes through it.
func RedactPath(path string) string {
	for _, prefix := range tokenPathPrefixes {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + "[redacted]"
		}
	}
	return path
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logger logs HTTP requests
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		log := m.log
		if id := GetRequestID(r.Context()); id != "" {
			log = log.WithRequestID(id)
		}
		log.HTTPRequest(r.Method, RedactPath(r.URL.Path), wrapped.statusCode, time.Since(start), ClientIP(r))
	})
}
