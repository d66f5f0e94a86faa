// Package guard decides whether a browser request may reach a protected page.
package guard

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/gatehouse/internal/telemetry"
	"github.com/wolfeidau/gatehouse/internal/token"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonOK      Reason = "ok"
	ReasonMissing Reason = "missing"
	ReasonInvalid Reason = "invalid"
	ReasonExpired Reason = "expired"
)

// Decision is the outcome of checking a request.
type Decision struct {
	Allowed bool
	Reason  Reason
	Claims  *token.Claims
}

// Verifier is satisfied by *token.Codec.
type Verifier interface {
	Verify(tokenString string) (*token.Claims, error)
}

type contextKey string

const claimsContextKey contextKey = "claims"

// Guard verifies the session token carried by a page request.
type Guard struct {
	verifier   Verifier
	loginPath  string
	cookieName string
	queryToken bool
}

type Option func(*Guard)

func WithLoginPath(path string) Option {
	return func(g *Guard) {
		g.loginPath = path
	}
}

func WithCookieName(name string) Option {
	return func(g *Guard) {
		g.cookieName = name
	}
}

// WithQueryToken also accepts the token from the "token" query parameter.
// This lets anyone holding a token authenticate by URL, so it is for local
// testing only.
func WithQueryToken(enabled bool) Option {
	return func(g *Guard) {
		g.queryToken = enabled
	}
}

func New(verifier Verifier, opts ...Option) *Guard {
	g := &Guard{
		verifier:   verifier,
		loginPath:  "/login",
		cookieName: "token",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check looks for a token in the session cookie, then the query string when
// enabled, and verifies it. Presence alone never allows a request.
func (g *Guard) Check(r *http.Request) Decision {
	raw := g.tokenFromRequest(r)
	if raw == "" {
		return Decision{Reason: ReasonMissing}
	}

	claims, err := g.verifier.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return Decision{Reason: ReasonExpired}
		}
		return Decision{Reason: ReasonInvalid}
	}

	return Decision{Allowed: true, Reason: ReasonOK, Claims: claims}
}

// Middleware protects next. Denied requests are redirected to the login page,
// with an error_code when a token was presented but rejected.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := g.Check(r)
		telemetry.GetMetrics().GuardDecisions.Add(r.Context(), 1,
			metric.WithAttributes(attribute.String("reason", string(decision.Reason))))

		logger := zerolog.Ctx(r.Context())

		if !decision.Allowed {
			logger.Debug().
				Str("path", r.URL.Path).
				Str("reason", string(decision.Reason)).
				Msg("Page access denied, redirecting to login")

			http.Redirect(w, r, g.redirectURL(decision.Reason), http.StatusFound)
			return
		}

		logger.Debug().
			Str("user", decision.Claims.Email).
			Str("path", r.URL.Path).
			Msg("Session validated, allowing access")

		ctx := context.WithValue(r.Context(), claimsContextKey, decision.Claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the claims of the session that passed the guard.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return claims, ok
}

func (g *Guard) tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(g.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if g.queryToken {
		return r.URL.Query().Get("token")
	}
	return ""
}

func (g *Guard) redirectURL(reason Reason) string {
	if reason == ReasonMissing {
		return g.loginPath
	}
	return g.loginPath + "?" + url.Values{"error_code": {string(reason)}}.Encode()
}
