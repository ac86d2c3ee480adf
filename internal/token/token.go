// Package token inspects bearer tokens before a dial so expiry problems
// show up in the log instead of as an opaque handshake rejection. The
// gateway remains the authority; nothing here verifies a signature.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Info is the advisory view of a bearer token.
type Info struct {
	Subject   string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Inspect parses claims without verifying the signature. Opaque
// (non-JWT) tokens return nil, nil — they are fine to send as-is.
func Inspect(raw string) (*Info, error) {
	if raw == "" {
		return nil, nil
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, nil //nolint:nilerr // not a JWT, treat as opaque
	}

	info := &Info{}
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// ExpiryWarning returns a human-readable warning when the token is
// expired or expires within the window, and "" otherwise.
func ExpiryWarning(raw string, window time.Duration, now time.Time) string {
	info, _ := Inspect(raw)
	if info == nil || info.ExpiresAt.IsZero() {
		return ""
	}
	if info.ExpiresAt.Before(now) {
		return "gateway token is expired"
	}
	if info.ExpiresAt.Before(now.Add(window)) {
		return "gateway token expires in " + info.ExpiresAt.Sub(now).Round(time.Minute).String()
	}
	return ""
}
