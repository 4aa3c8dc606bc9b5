// Package twofactor implements TOTP enrollment and verification plus
// single-use backup recovery codes.
package twofactor

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blogauth/blogauth/internal/config"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

var ErrInvalidSecret = errors.New("invalid TOTP secret")

const (
	secretSize      = 20 // 160 bits
	backupCodeBytes = 4
	qrCodeSize      = 256
)

// Engine generates and checks TOTP codes with fixed parameters
type Engine struct {
	issuer string
	digits otp.Digits
	period uint
	skew   uint
	now    func() time.Time
}

// NewEngine creates an Engine from the TOTP config section
func NewEngine(cfg config.TOTPConfig) *Engine {
	e := &Engine{
		issuer: cfg.Issuer,
		digits: otp.DigitsSix,
		period: 30,
		skew:   1,
		now:    time.Now,
	}
	if cfg.Digits == 8 {
		e.digits = otp.DigitsEight
	}
	if cfg.Period > 0 {
		e.period = uint(cfg.Period)
	}
	if cfg.Skew >= 0 {
		e.skew = uint(cfg.Skew)
	}
	return e
}

// WithClock replaces the time source, for tests
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// GenerateSecret returns a new random base32 secret
func (e *Engine) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: "enroll",
		Period:      e.period,
		SecretSize:  secretSize,
		Digits:      e.digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return key.Secret(), nil
}

// ProvisioningURI returns the otpauth:// URI an authenticator app enrolls from
func (e *Engine) ProvisioningURI(username, secret string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: username,
		Period:      e.period,
		Secret:      raw,
		Digits:      e.digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build provisioning URI: %w", err)
	}
	return key.URL(), nil
}

// QRCode renders a provisioning URI as a PNG data URI
func (e *Engine) QRCode(uri string) (string, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// VerifyToken checks candidate against the code for the current period and
// skew periods either side. Malformed input never verifies.
func (e *Engine) VerifyToken(secret, candidate string) bool {
	return e.VerifyTokenAt(secret, candidate, e.now())
}

// VerifyTokenAt is VerifyToken at instant t
func (e *Engine) VerifyTokenAt(secret, candidate string, t time.Time) bool {
	candidate = strings.TrimSpace(candidate)
	if len(candidate) != e.digits.Length() || !isDigits(candidate) {
		return false
	}
	if _, err := decodeSecret(secret); err != nil {
		return false
	}
	ok, err := totp.ValidateCustom(candidate, secret, t.UTC(), totp.ValidateOpts{
		Period:    e.period,
		Skew:      e.skew,
		Digits:    e.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// CodeAt returns the code for secret at instant t
func (e *Engine) CodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t.UTC(), totp.ValidateOpts{
		Period:    e.period,
		Digits:    e.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// GenerateBackupCodes returns n codes shaped XXXX-XXXX (upper-case hex)
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	buf := make([]byte, backupCodeBytes)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		h := strings.ToUpper(hex.EncodeToString(buf))
		codes[i] = h[:4] + "-" + h[4:]
	}
	return codes, nil
}

// HashBackupCode returns the stored form of a backup code
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

// HashBackupCodes hashes a whole set
func HashBackupCodes(codes []string) []string {
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = HashBackupCode(c)
	}
	return hashes
}

// VerifyBackupCode checks candidate against the stored hashes. On a match
// it returns true and the set without that code; otherwise false and the
// set unchanged. The input slice is never modified.
func VerifyBackupCode(stored []string, candidate string) (bool, []string) {
	if normalizeBackupCode(candidate) == "" {
		return false, stored
	}
	want := []byte(HashBackupCode(candidate))

	match := -1
	for i, h := range stored {
		// scan the whole set so timing does not reveal the position
		if subtle.ConstantTimeCompare([]byte(h), want) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return false, stored
	}

	remaining := make([]string, 0, len(stored)-1)
	remaining = append(remaining, stored[:match]...)
	remaining = append(remaining, stored[match+1:]...)
	return true, remaining
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimSpace(secret))
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, ErrInvalidSecret
	}
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidSecret
	}
	return raw, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
