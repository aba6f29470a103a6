package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_RoundTrip(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, expiresAt, err := auth.GenerateToken(TokenRequest{
		Subject:   "user-1",
		Name:      "Ada",
		Publisher: true,
		Tables:    []string{"pages", "users"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), expiresAt, time.Minute)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.RegisteredClaims.Subject)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "pages,users", claims.Tables)
	assert.False(t, claims.Admin)
	assert.True(t, claims.Publisher)

	subject, err := auth.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", subject.ID())
	assert.True(t, subject.IsPublisher())
	assert.Equal(t, []string{"pages", "users"}, subject.Tables())
}

func TestJWTAuth_AdminWithoutTables(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, _, err := auth.GenerateToken(TokenRequest{Subject: "root", Admin: true})
	require.NoError(t, err)

	subject, err := auth.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, subject.IsAdmin())
	assert.Empty(t, subject.Tables())
}

func TestJWTAuth_EmptySubject(t *testing.T) {
	_, _, err := NewJWTAuth("s").GenerateToken(TokenRequest{})
	assert.Error(t, err)
}

func TestJWTAuth_Rejections(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	other := NewJWTAuth("other-secret")
	foreign, _, err := other.GenerateToken(TokenRequest{Subject: "mallory"})
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	expired, _, err := NewJWTAuth("test-secret", WithClock(func() time.Time { return past })).
		GenerateToken(TokenRequest{Subject: "late"})
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrMissingToken},
		{"bearer only", "Bearer ", ErrMissingToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"unsigned", none, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.ValidateToken(tt.token)
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = auth.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJWTAuth_TTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	auth := NewJWTAuth("s", WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	_, exp, err := auth.GenerateToken(TokenRequest{Subject: "a"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	_, exp, err = auth.GenerateToken(TokenRequest{Subject: "a", TTL: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), exp)
}

func TestClaims_AuthSubject(t *testing.T) {
	claims := &Claims{
		Admin:            true,
		Tables:           "pages, users",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"},
	}

	subject := claims.AuthSubject()
	assert.Equal(t, "ops", subject.ID())
	assert.True(t, subject.IsAdmin())
	assert.False(t, subject.IsPublisher())
	assert.Equal(t, []string{"pages", "users"}, subject.Tables())
}
