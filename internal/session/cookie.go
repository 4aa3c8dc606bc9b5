package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blogauth/blogauth/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCookie = errors.New("invalid session cookie")

const cookieIssuer = "blogauth"

type cookieClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// CookieCodec signs session ids into cookie values (HS256 JWT) so forged or
// altered ids are rejected before the store is consulted.
type CookieCodec struct {
	key      []byte
	name     string
	ttl      time.Duration
	secure   bool
	sameSite http.SameSite
	now      func() time.Time
}

// NewCookieCodec creates a codec from the session config
func NewCookieCodec(cfg config.SessionConfig) *CookieCodec {
	return &CookieCodec{
		key:      []byte(cfg.SigningKey),
		name:     cfg.CookieName,
		ttl:      cfg.TTL,
		secure:   cfg.Secure,
		sameSite: parseSameSite(cfg.SameSite),
		now:      time.Now,
	}
}

// Name returns the cookie name
func (c *CookieCodec) Name() string {
	return c.name
}

// Encode signs a session id
func (c *CookieCodec) Encode(sessionID string) (string, error) {
	now := c.now()
	claims := cookieClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cookieIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		SessionID: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}
	return signed, nil
}

// Decode verifies a cookie value and returns the session id
func (c *CookieCodec) Decode(value string) (string, error) {
	var claims cookieClaims
	token, err := jwt.ParseWithClaims(value, &claims, func(token *jwt.Token) (interface{}, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cookieIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid || claims.SessionID == "" {
		return "", ErrInvalidCookie
	}
	return claims.SessionID, nil
}

// Read extracts and verifies the session id from a request. A request
// without the cookie returns http.ErrNoCookie.
func (c *CookieCodec) Read(r *http.Request) (string, error) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return "", err
	}
	return c.Decode(cookie.Value)
}

// Write sets the session cookie on a response
func (c *CookieCodec) Write(w http.ResponseWriter, sessionID string) error {
	value, err := c.Encode(sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(c.ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	})
	return nil
}

// Clear expires the session cookie
func (c *CookieCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	})
}

func parseSameSite(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
