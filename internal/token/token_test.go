package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-minimum-32-characters-long")

func TestNewCodec(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		c, err := NewCodec(nil)
		require.ErrorIs(t, err, ErrMissingSecret)
		require.Nil(t, c)
	})

	t.Run("defaults", func(t *testing.T) {
		c, err := NewCodec(testSecret)
		require.NoError(t, err)
		require.Equal(t, DefaultTTL, c.TTL())
	})

	t.Run("custom ttl", func(t *testing.T) {
		c, err := NewCodec(testSecret, WithTTL(5*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 5*time.Minute, c.TTL())
	})
}

func TestIssueVerify(t *testing.T) {
	c, err := NewCodec(testSecret)
	require.NoError(t, err)

	tok, err := c.Issue("user-1", "a@x.com")
	require.NoError(t, err)
	require.Len(t, strings.Split(tok, "."), 3)

	claims, err := c.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "a@x.com", claims.Email)
	require.Equal(t, DefaultIssuer, claims.Issuer)
	require.Equal(t, time.Hour, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestIssue_uniqueTokens(t *testing.T) {
	now := time.Now()
	c, err := NewCodec(testSecret, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	first, err := c.Issue("user-1", "a@x.com")
	require.NoError(t, err)
	second, err := c.Issue("user-1", "a@x.com")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestIssue_missingUserID(t *testing.T) {
	c, err := NewCodec(testSecret)
	require.NoError(t, err)

	_, err = c.Issue("", "a@x.com")
	require.Error(t, err)
}

func TestVerify_expiry(t *testing.T) {
	issuedAt := time.Now()
	clock := issuedAt

	c, err := NewCodec(testSecret, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	tok, err := c.Issue("user-1", "a@x.com")
	require.NoError(t, err)

	clock = issuedAt.Add(59 * time.Minute)
	claims, err := c.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)

	clock = issuedAt.Add(61 * time.Minute)
	claims, err = c.Verify(tok)
	require.ErrorIs(t, err, ErrExpired)
	require.Nil(t, claims)
}

func TestVerify_rejects(t *testing.T) {
	c, err := NewCodec(testSecret)
	require.NoError(t, err)

	other, err := NewCodec([]byte("another-secret-key-minimum-32-characters"))
	require.NoError(t, err)

	foreign, err := other.Issue("user-1", "a@x.com")
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(testSecret)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           "user-1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultIssuer},
	}).SignedString(testSecret)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: foreign},
		{name: "alg none", token: noneToken},
		{name: "wrong issuer", token: wrongIssuer},
		{name: "missing expiry", token: noExpiry},
		{name: "missing user id", token: noUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := c.Verify(tt.token)
			require.ErrorIs(t, err, ErrInvalidToken)
			require.Nil(t, claims)
		})
	}
}
