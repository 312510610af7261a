package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// ErrInvalidToken indicates an access token failed validation.
var ErrInvalidToken = errors.New("token: invalid token")

// Claims represents JWT claims used across the service.
type Claims struct {
	jwt.RegisteredClaims
}

// Session is the pair returned to the authentication flow: a short-lived
// access JWT and the plaintext refresh token whose hash was persisted.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshTokenID   string
	RefreshExpiresAt time.Time
}

// Issuer mints HS256 access tokens and persists the paired refresh token
// record, including the device fingerprint hash the cleanup engine relies on.
type Issuer struct {
	secret     []byte
	issuer     string
	store      Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer.
func NewIssuer(secret, issuerName string, store Store, opts ...IssuerOption) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: signing secret is not configured")
	}
	i := &Issuer{
		secret:     []byte(secret),
		issuer:     issuerName,
		store:      store,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue creates an access JWT and a persisted refresh token for the user.
// fingerprintHash may be empty when the client supplied no fingerprint.
func (i *Issuer) Issue(ctx context.Context, q Querier, userID, fingerprintHash string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, errors.New("token: userID is required")
	}

	now := i.now().UTC()
	accessExp := now.Add(i.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Session{}, err
	}
	plaintext := hex.EncodeToString(raw)

	record := Token{
		UserID:                userID,
		TokenHash:             HashValue(plaintext),
		IssuedAt:              now,
		ExpiresAt:             now.Add(i.refreshTTL),
		DeviceFingerprintHash: fingerprintHash,
	}
	if err := i.store.Create(ctx, q, &record); err != nil {
		return Session{}, err
	}

	return Session{
		AccessToken:      signed,
		AccessExpiresAt:  accessExp,
		RefreshToken:     plaintext,
		RefreshTokenID:   record.ID,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// ParseAndValidate verifies the access token signature and required claims.
func (i *Issuer) ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != i.issuer || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashValue is the storage hash for refresh tokens: plaintexts never touch
// the database.
func HashValue(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
