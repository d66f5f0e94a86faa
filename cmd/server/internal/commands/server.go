package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/gatehouse/internal/authapi"
	"github.com/wolfeidau/gatehouse/internal/guard"
	httpmiddleware "github.com/wolfeidau/gatehouse/internal/http"
	"github.com/wolfeidau/gatehouse/internal/identity"
	"github.com/wolfeidau/gatehouse/internal/logger"
	"github.com/wolfeidau/gatehouse/internal/telemetry"
	"github.com/wolfeidau/gatehouse/internal/token"
	"github.com/wolfeidau/gatehouse/internal/web"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	environmentProduction = "production"

	minProductionSecretBytes = 32
	shutdownTimeout          = 10 * time.Second
)

type ServerCmd struct {
	// Server configuration
	Listen      string `help:"HTTP server listen address" default:":3000" env:"GATEHOUSE_LISTEN"`
	Environment string `help:"deployment environment" default:"development" enum:"development,production" env:"GATEHOUSE_ENVIRONMENT"`

	// Identity provider configuration
	Provider        string        `help:"identity provider (gotrue, memory or stub)" default:"gotrue" enum:"gotrue,memory,stub" env:"GATEHOUSE_PROVIDER"`
	ProviderURL     string        `help:"identity provider base URL" default:"" env:"GATEHOUSE_PROVIDER_URL"`
	ProviderKey     string        `help:"identity provider service key" default:"" env:"GATEHOUSE_PROVIDER_KEY"`
	ProviderTimeout time.Duration `help:"timeout for each identity provider call" default:"10s" env:"GATEHOUSE_PROVIDER_TIMEOUT"`
	ProviderWait    time.Duration `help:"how long to wait for the identity provider at startup, 0 to skip" default:"30s" env:"GATEHOUSE_PROVIDER_WAIT"`

	// Session tokens
	TokenFlags      `embed:""`
	CookieName      string `help:"session cookie name, shared by the API and the page guard" default:"token" env:"GATEHOUSE_COOKIE_NAME"`
	AllowQueryToken bool   `help:"accept ?token= on guarded pages (development only)" default:"false" env:"GATEHOUSE_ALLOW_QUERY_TOKEN"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:3000" env:"GATEHOUSE_CORS_ORIGINS"`

	Tracing bool `help:"enable tracing" default:"false" env:"GATEHOUSE_TRACING"`
}

func (c *ServerCmd) production() bool {
	return c.Environment == environmentProduction
}

// Validate is called by kong after flags are resolved.
func (c *ServerCmd) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT secret is required (--jwt-secret or GATEHOUSE_JWT_SECRET)")
	}
	if c.CookieName == "" {
		return errors.New("session cookie name must not be empty (--cookie-name or GATEHOUSE_COOKIE_NAME)")
	}

	kind := identity.Kind(c.Provider)

	if c.production() {
		if len(c.JWTSecret) < minProductionSecretBytes {
			return fmt.Errorf("JWT secret must be at least %d bytes in production", minProductionSecretBytes)
		}
		if kind.DevelopmentOnly() {
			return fmt.Errorf("identity provider %q is not allowed in production", c.Provider)
		}
		if c.AllowQueryToken {
			return errors.New("query string tokens are not allowed in production (--allow-query-token)")
		}
	}

	if kind == identity.KindGoTrue {
		if c.ProviderURL == "" {
			return errors.New("identity provider URL is required (--provider-url or GATEHOUSE_PROVIDER_URL)")
		}
		if c.ProviderKey == "" {
			return errors.New("identity provider key is required (--provider-key or GATEHOUSE_PROVIDER_KEY)")
		}
	}

	return nil
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zerolog.DefaultContextLogger = &log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", globals.Version).
		Str("environment", c.Environment).
		Bool("debug", globals.Debug).
		Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "gatehouse", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	codec, err := c.Codec()
	if err != nil {
		return err
	}

	provider, err := c.newProvider(ctx, log)
	if err != nil {
		return err
	}

	handler, err := c.newHandler(log, provider, codec)
	if err != nil {
		return err
	}

	srv := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Str("provider", c.Provider).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (c *ServerCmd) newProvider(ctx context.Context, log zerolog.Logger) (identity.Provider, error) {
	kind := identity.Kind(c.Provider)

	if kind.DevelopmentOnly() {
		log.Warn().
			Str("provider", c.Provider).
			Msg("Using a development identity provider, accounts are not real. This must never run in production!")
	}

	switch kind {
	case identity.KindMemory:
		return identity.Instrument(identity.NewMemory()), nil
	case identity.KindStub:
		return identity.Instrument(identity.Stub{}), nil
	case identity.KindGoTrue:
		gt, err := identity.NewGoTrue(identity.GoTrueConfig{
			URL:     c.ProviderURL,
			APIKey:  c.ProviderKey,
			Timeout: c.ProviderTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create identity provider: %w", err)
		}

		if c.ProviderWait > 0 {
			if err := gt.WaitReady(ctx, c.ProviderWait); err != nil {
				return nil, fmt.Errorf("identity provider not ready: %w", err)
			}
		}

		log.Info().Str("url", c.ProviderURL).Msg("Identity provider ready")
		return identity.Instrument(gt), nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", c.Provider)
	}
}

// newHandler assembles the router: request logging and recovery wrap
// everything, the API gets CORS and the pages get CSRF protection.
func (c *ServerCmd) newHandler(log zerolog.Logger, provider identity.Provider, codec *token.Codec) (http.Handler, error) {
	protection, err := httpmiddleware.SplitProtection(httpmiddleware.ProtectionConfig{
		CORSOrigins: c.CORSOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure request protection: %w", err)
	}

	// the API sets the cookie the guard reads, so both take the same name
	g := guard.New(codec,
		guard.WithCookieName(c.CookieName),
		guard.WithQueryToken(c.AllowQueryToken),
	)
	if c.AllowQueryToken {
		log.Warn().Msg("Query string tokens are accepted on guarded pages. This should only be used in development!")
	}

	site, err := web.New(web.Config{Minify: c.production()}, g)
	if err != nil {
		return nil, err
	}

	api := authapi.NewHandler(provider, codec,
		authapi.WithCookieName(c.CookieName),
		authapi.WithSecureCookie(c.production()),
	)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		logger.RequestLogger(log),
		httpmiddleware.ClientIPMiddleware(),
		httpmiddleware.Recoverer,
		protection,
	)

	r.Mount("/api/auth", api.Routes())
	site.Register(r)

	if c.Tracing {
		return otelhttp.NewHandler(r, "gatehouse"), nil
	}
	return r, nil
}
