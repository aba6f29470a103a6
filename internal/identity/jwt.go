// Package identity mints and verifies the HS256 bearer tokens that carry a
// subject's id, flags and authorized tables.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// DefaultTokenTTL is the lifetime of minted tokens.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrMissingToken is returned when no credential was presented
	ErrMissingToken = errors.New("authentication token required")
	// ErrInvalidToken wraps every parse or signature failure
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Claims is the token payload. Tables is a comma-separated list.
type Claims struct {
	Name      string `json:"name,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
	Publisher bool   `json:"publisher,omitempty"`
	Tables    string `json:"tables,omitempty"`
	jwt.RegisteredClaims
}

// AuthSubject converts the claims into an authorization subject.
func (c *Claims) AuthSubject() authz.Subject {
	return authz.NewSubject(c.RegisteredClaims.Subject, authz.Flags{Admin: c.Admin, Publisher: c.Publisher}, authz.ParseTables(c.Tables))
}

// TokenRequest describes the token to mint.
type TokenRequest struct {
	Subject   string
	Name      string
	Admin     bool
	Publisher bool
	Tables    []string
	// TTL overrides the authenticator's token lifetime.
	TTL time.Duration
}

// JWTAuth handles token creation and validation
type JWTAuth struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a JWTAuth.
type Option func(*JWTAuth)

// WithTTL sets the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(j *JWTAuth) {
		if ttl > 0 {
			j.ttl = ttl
		}
	}
}

// WithClock overrides the clock used for issued-at and expiry.
func WithClock(now func() time.Time) Option {
	return func(j *JWTAuth) { j.now = now }
}

// NewJWTAuth creates a new JWT authentication handler
func NewJWTAuth(secretKey string, opts ...Option) *JWTAuth {
	j := &JWTAuth{
		secretKey: []byte(secretKey),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// GenerateToken signs a token for req and returns it with its expiry.
func (j *JWTAuth) GenerateToken(req TokenRequest) (string, time.Time, error) {
	if req.Subject == "" {
		return "", time.Time{}, errors.New("subject cannot be empty")
	}

	ttl := j.ttl
	if req.TTL > 0 {
		ttl = req.TTL
	}
	now := j.now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Name:      req.Name,
		Admin:     req.Admin,
		Publisher: req.Publisher,
		Tables:    strings.Join(req.Tables, ","),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a token and returns its claims. A "Bearer " prefix
// is accepted.
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithTimeFunc(j.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify implements dispatcher.IdentityVerifier.
func (j *JWTAuth) Verify(_ context.Context, credential string) (authz.Subject, error) {
	claims, err := j.ValidateToken(credential)
	if err != nil {
		return authz.Subject{}, err
	}
	return claims.AuthSubject(), nil
}

var _ dispatcher.IdentityVerifier = (*JWTAuth)(nil)
