package http

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"

	"filippo.io/csrf"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// ExtractClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (for proxied requests), then X-Real-IP, finally RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if before, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(before)
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// strip the port
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// ClientIPMiddleware adds the client IP to the request logger so auth events
// can be traced back to a caller.
func ClientIPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractClientIP(r)

			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("client_ip", ip)
			})

			next.ServeHTTP(w, r)
		})
	}
}

// Recoverer turns a panic in a handler into a JSON 500 response.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("path", r.URL.Path).
				Msg("Recovered from panic")

			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "Internal server error",
				"code":  "INTERNAL_ERROR",
			})
		}()

		next.ServeHTTP(w, r)
	})
}

// IsAPIRoute returns true if the path is an API route that needs CORS instead of CSRF.
func IsAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// ProtectionConfig configures SplitProtection.
type ProtectionConfig struct {
	CORSOrigins []string
}

// SplitProtection wraps the API routes with CORS and every other route
// (the HTML pages) with cross-origin request protection.
func SplitProtection(cfg ProtectionConfig) (func(http.Handler) http.Handler, error) {
	protection := csrf.New()
	for _, origin := range cfg.CORSOrigins {
		if origin == "*" {
			continue
		}
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, err
		}
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true, // the session cookie rides along with API calls
	})

	return func(next http.Handler) http.Handler {
		withCORS := corsMiddleware.Handler(next)
		withCSRF := protection.Handler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsAPIRoute(r.URL.Path) {
				withCORS.ServeHTTP(w, r)
				return
			}
			withCSRF.ServeHTTP(w, r)
		})
	}, nil
}
