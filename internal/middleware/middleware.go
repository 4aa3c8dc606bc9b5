package middleware

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/database"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/session"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	rdb      *database.Redis
	sessions session.Store
	cookies  *session.CookieCodec
	log      *logger.Logger
	cfg      *config.Config

	trustedProxies []*net.IPNet
}

// New creates a new Middleware instance. rdb may be nil when the HTTP rate
// limit is disabled.
func New(rdb *database.Redis, sessions session.Store, cookies *session.CookieCodec, log *logger.Logger, cfg *config.Config) *Middleware {
	trusted, err := cfg.Server.TrustedProxyNets()
	if err != nil {
		// Validate rejects this at load; trust nobody if it slips through
		log.Error().Err(err).Msg("ignoring trusted proxies")
		trusted = nil
	}
	return &Middleware{
		rdb:            rdb,
		sessions:       sessions,
		cookies:        cookies,
		log:            log,
		cfg:            cfg,
		trustedProxies: trusted,
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]interface{}) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}
