// Package token manages session/refresh token records: issuance paired with
// an access JWT, and the fingerprint-aware cleanup that runs on password
// changes.
package token

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the token record does not exist.
	ErrNotFound = errors.New("token: not found")
)

// Token is a persisted session/refresh token record. Tokens are never hard
// deleted; revocation sets Revoked and natural expiry is driven by ExpiresAt.
type Token struct {
	ID                    string
	UserID                string
	TokenHash             string
	IssuedAt              time.Time
	ExpiresAt             time.Time
	Revoked               bool
	DeviceFingerprintHash string // optional, empty when the client sent none
}

// Active reports whether the token is usable at the given instant.
func (t Token) Active(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}
