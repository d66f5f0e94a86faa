package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTTL is the lifetime of a session token.
	DefaultTTL = time.Hour

	// DefaultIssuer is written to the iss claim and required on verification.
	DefaultIssuer = "gatehouse"
)

var (
	ErrMissingSecret = errors.New("token signing secret is not set")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpired       = errors.New("token expired")
)

// Claims are the contents of a session token.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Codec issues and verifies HS256 session tokens with a single shared secret.
// It is safe for concurrent use once constructed.
type Codec struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

type Option func(*Codec)

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		c.issuer = issuer
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec. An empty secret is a configuration error and the
// caller is expected to abort startup.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}

	c := &Codec{
		secret: secret,
		ttl:    DefaultTTL,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// TTL returns the lifetime given to every issued token.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue signs a token for the given user which expires after the codec TTL.
func (c *Codec) Issue(userID, email string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := c.now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Verify checks the signature, issuer and expiry of a token and returns its claims.
// Expired tokens return ErrExpired, everything else ErrInvalidToken.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			log.Debug().Str("user", claims.Email).Msg("Session token expired")
			return nil, ErrExpired
		}
		log.Debug().Err(err).Msg("Session token rejected")
		return nil, ErrInvalidToken
	}

	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
