// Package web serves the login, signup and home pages along with their
// stylesheet and the browser session helper.
package web

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/gatehouse/internal/guard"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

type Config struct {
	// Whether to minify scripts and stylesheets
	Minify bool
}

func DefaultConfig() Config {
	return Config{
		Minify: true,
	}
}

// Site renders the pages. The home page is only reachable through the guard.
type Site struct {
	pipeline *Pipeline
	tmpl     *template.Template
	guard    *guard.Guard
}

func New(config Config, g *guard.Guard) (*Site, error) {
	if g == nil {
		return nil, errors.New("guard is required")
	}

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}

	pipeline := NewPipeline(config)
	if err := pipeline.Build(static); err != nil {
		return nil, fmt.Errorf("failed to build assets: %w", err)
	}

	tmpl, err := template.New("site").Funcs(template.FuncMap{
		"asset": pipeline.URL,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	return &Site{
		pipeline: pipeline,
		tmpl:     tmpl,
		guard:    g,
	}, nil
}

// Register adds the page and asset routes to r. Any path nobody claims is
// redirected home.
func (s *Site) Register(r chi.Router) {
	r.Get("/login", s.page("login.html", "Login", loginContext))
	r.Get("/signup", s.page("signup.html", "Sign Up", nil))
	r.With(s.guard.Middleware).Get("/", s.page("index.html", "Welcome", homeContext))
	r.Get("/index.html", redirectHome)

	r.Handle("/css/*", s.pipeline)
	r.Handle("/js/*", s.pipeline)

	r.NotFound(redirectHome)
}

type pageData struct {
	Title   string
	Notice  string
	Scripts []string
	Context any
}

type contextFunc func(r *http.Request) (notice string, context any)

func (s *Site) page(name, title string, fn contextFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := pageData{
			Title:   title,
			Scripts: []string{s.pipeline.URL("/js/auth.js")},
		}
		if fn != nil {
			data.Notice, data.Context = fn(r)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("template", name).Msg("Failed to render template")
		}
	}
}

func loginContext(r *http.Request) (string, any) {
	switch guard.Reason(r.URL.Query().Get("error_code")) {
	case guard.ReasonExpired:
		return "Your session has expired, please log in again", nil
	case guard.ReasonInvalid:
		return "Your session is no longer valid, please log in again", nil
	default:
		return "", nil
	}
}

func homeContext(r *http.Request) (string, any) {
	claims, _ := guard.ClaimsFromContext(r.Context())
	return "", claims
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}
