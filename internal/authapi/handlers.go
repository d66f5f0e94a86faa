// Package authapi implements the JSON endpoints under /api/auth.
package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/gatehouse/internal/identity"
	"github.com/wolfeidau/gatehouse/internal/telemetry"
	"github.com/wolfeidau/gatehouse/internal/token"
)

const maxBodyBytes = 64 * 1024

// Handler serves register, login, logout and me. It keeps no state between
// requests; the provider and codec are shared read-only.
type Handler struct {
	provider     identity.Provider
	codec        *token.Codec
	cookieName   string
	secureCookie bool
	metrics      *telemetry.Metrics
}

type Option func(*Handler)

func WithCookieName(name string) Option {
	return func(h *Handler) {
		h.cookieName = name
	}
}

// WithSecureCookie marks the session cookie Secure, set in production.
func WithSecureCookie(secure bool) Option {
	return func(h *Handler) {
		h.secureCookie = secure
	}
}

func NewHandler(provider identity.Provider, codec *token.Codec, opts ...Option) *Handler {
	h := &Handler{
		provider:   provider,
		codec:      codec,
		cookieName: DefaultCookieName,
		metrics:    telemetry.GetMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router to be mounted at /api/auth.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Get("/me", h.Me)
	return r
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type authResponse struct {
	Message string         `json:"message"`
	Token   string         `json:"token"`
	User    *identity.User `json:"user"`
}

type userResponse struct {
	User *identity.User `json:"user"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	creds, ok := readCredentials(w, r)
	if !ok {
		telemetry.Outcome(ctx, h.metrics.RegisterTotal, "bad_request")
		return
	}

	user, err := h.provider.Register(ctx, creds.Email, creds.Password, creds.Name)
	if err != nil {
		var pe *identity.ProviderError
		if errors.As(err, &pe) {
			logger.Info().Str("user", creds.Email).Str("reason", pe.Message).Msg("Registration rejected by provider")
			telemetry.Outcome(ctx, h.metrics.RegisterTotal, "rejected")
			writeError(w, providerRejected(pe.Message))
			return
		}
		logger.Error().Err(err).Msg("Registration failed")
		telemetry.Outcome(ctx, h.metrics.RegisterTotal, "error")
		writeError(w, errInternal)
		return
	}

	tok, ok := h.issue(w, r, user)
	if !ok {
		return
	}

	logger.Info().Str("user", user.Email).Msg("User registered successfully")
	telemetry.Outcome(ctx, h.metrics.RegisterTotal, "success")

	writeJSON(w, http.StatusCreated, authResponse{
		Message: "User registered successfully",
		Token:   tok,
		User:    user,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	creds, ok := readCredentials(w, r)
	if !ok {
		telemetry.Outcome(ctx, h.metrics.LoginTotal, "bad_request")
		return
	}

	user, err := h.provider.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		var pe *identity.ProviderError
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			logger.Info().Str("user", creds.Email).Msg("Login rejected")
			telemetry.Outcome(ctx, h.metrics.LoginTotal, "invalid_credentials")
			writeError(w, invalidCredentials("Invalid login credentials"))
		case errors.As(err, &pe):
			logger.Info().Str("user", creds.Email).Str("reason", pe.Message).Msg("Login rejected by provider")
			telemetry.Outcome(ctx, h.metrics.LoginTotal, "invalid_credentials")
			writeError(w, invalidCredentials(pe.Message))
		default:
			logger.Error().Err(err).Msg("Login failed")
			telemetry.Outcome(ctx, h.metrics.LoginTotal, "error")
			writeError(w, errInternal)
		}
		return
	}

	tok, ok := h.issue(w, r, user)
	if !ok {
		return
	}

	logger.Info().Str("user", user.Email).Msg("User logged in successfully")
	telemetry.Outcome(ctx, h.metrics.LoginTotal, "success")

	writeJSON(w, http.StatusOK, authResponse{
		Message: "Login successful",
		Token:   tok,
		User:    user,
	})
}

// Logout clears the session cookie before anything else; the cookie is ours
// whatever the provider says. A verified bearer token also ends the user's
// provider sessions.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	h.clearSessionCookie(w)

	raw, ok := bearerToken(r)
	if !ok {
		telemetry.Outcome(ctx, h.metrics.LogoutTotal, "anonymous")
		writeJSON(w, http.StatusOK, messageResponse{Message: "Logout successful"})
		return
	}

	claims, err := h.codec.Verify(raw)
	if err != nil {
		logger.Debug().Err(err).Msg("Logout with unusable token, provider not called")
		telemetry.Outcome(ctx, h.metrics.LogoutTotal, "anonymous")
		writeJSON(w, http.StatusOK, messageResponse{Message: "Logout successful"})
		return
	}

	if err := h.provider.Logout(ctx, claims.UserID); err != nil && !errors.Is(err, identity.ErrUserNotFound) {
		logger.Warn().Err(err).Str("user", claims.Email).Msg("Provider logout failed")
		telemetry.Outcome(ctx, h.metrics.LogoutTotal, "provider_error")

		msg := "Logout failed"
		var pe *identity.ProviderError
		if errors.As(err, &pe) {
			msg = pe.Message
		}
		writeError(w, providerRejected(msg))
		return
	}

	logger.Info().Str("user", claims.Email).Msg("User logged out successfully")
	telemetry.Outcome(ctx, h.metrics.LogoutTotal, "success")

	writeJSON(w, http.StatusOK, messageResponse{Message: "Logout successful"})
}

// Me only accepts the bearer header; the session cookie is for page guarding.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	raw, ok := bearerToken(r)
	if !ok {
		writeError(w, errUnauthorized)
		return
	}

	claims, err := h.codec.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			writeError(w, errTokenExpired)
			return
		}
		writeError(w, errInvalidToken)
		return
	}

	user, err := h.provider.GetUser(ctx, claims.UserID)
	if err != nil {
		var pe *identity.ProviderError
		if errors.Is(err, identity.ErrUserNotFound) || errors.As(err, &pe) {
			logger.Debug().Err(err).Str("user_id", claims.UserID).Msg("Provider has no user for token")
			writeError(w, errUnauthorized)
			return
		}
		logger.Error().Err(err).Msg("Get user failed")
		writeError(w, errInternal)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{User: user})
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, user *identity.User) (string, bool) {
	tok, err := h.codec.Issue(user.ID, user.Email)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to issue session token")
		writeError(w, errInternal)
		return "", false
	}

	h.metrics.TokensIssued.Add(r.Context(), 1)
	h.setSessionCookie(w, tok)
	return tok, true
}

// readCredentials accepts JSON or form bodies and writes the 400 itself.
func readCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var creds credentials

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			writeError(w, errInvalidRequest)
			return creds, false
		}
		creds.Email = r.PostFormValue("email")
		creds.Password = r.PostFormValue("password")
		creds.Name = r.PostFormValue("name")
	default:
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, errInvalidRequest)
			return creds, false
		}
	}

	creds.Email = strings.TrimSpace(creds.Email)
	if creds.Email == "" || creds.Password == "" {
		writeError(w, errMissingFields)
		return creds, false
	}

	return creds, true
}

func bearerToken(r *http.Request) (string, bool) {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	tok = strings.TrimSpace(tok)
	if !ok || tok == "" {
		return "", false
	}
	return tok, true
}
