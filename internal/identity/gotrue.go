package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout bounds every call made to the provider.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

var _ Provider = (*GoTrue)(nil)

// GoTrueConfig configures a client for a GoTrue compatible auth service such
// as Supabase Auth.
type GoTrueConfig struct {
	// URL is the project URL, the client talks to URL + "/auth/v1".
	URL string
	// APIKey is sent as the apikey header on every request and as the bearer
	// token on admin calls, so it needs to be a service key.
	APIKey  string
	Timeout time.Duration
	// Transport is the base round tripper, defaults to an otelhttp wrapped
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// GoTrue talks to the provider over HTTP. It holds no per-user state.
type GoTrue struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewGoTrue validates the configuration and creates the client. A bad
// configuration is returned as an error; there is no fallback.
func NewGoTrue(cfg GoTrueConfig) (*GoTrue, error) {
	if cfg.URL == "" {
		return nil, errors.New("identity provider URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("identity provider key is required")
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid identity provider URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid identity provider URL %q", cfg.URL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base := cfg.Transport
	if base == nil {
		base = otelhttp.NewTransport(http.DefaultTransport)
	}

	baseURL := strings.TrimSuffix(u.String(), "/") + "/auth/v1"

	return &GoTrue{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client: &http.Client{
			Transport: &apiKeyTransport{key: cfg.APIKey, base: base},
			Timeout:   cfg.Timeout,
		},
	}, nil
}

type signupRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

type gotrueUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u *gotrueUser) toUser() *User {
	name, _ := u.UserMetadata["name"].(string)
	return &User{ID: u.ID, Email: u.Email, Name: name}
}

// signupResponse covers both shapes returned by /signup: a bare user when
// email confirmation is pending and a session with a nested user otherwise.
type signupResponse struct {
	gotrueUser
	User *gotrueUser `json:"user"`
}

// gotrueError covers the current {code, error_code, msg} body and the older
// OAuth style {error, error_description} body.
type gotrueError struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorCode        string `json:"error_code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (g *GoTrue) Register(ctx context.Context, email, password, name string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := signupRequest{Email: email, Password: password}
	if name != "" {
		req.Data = map[string]any{"name": name}
	}

	var resp signupResponse
	if err := g.do(ctx, http.MethodPost, "/signup", "", req, &resp); err != nil {
		return nil, err
	}

	switch {
	case resp.User != nil && resp.User.ID != "":
		return resp.User.toUser(), nil
	case resp.ID != "":
		return resp.gotrueUser.toUser(), nil
	default:
		return nil, errors.New("identity provider returned no user")
	}
}

type passwordGrantRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login exchanges the credentials at the password grant endpoint, then uses
// the provider access token once to read the user record. The provider token
// is not kept.
func (g *GoTrue) Login(ctx context.Context, email, password string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var tr tokenResponse
	err := g.do(ctx, http.MethodPost, "/token?grant_type=password", "", passwordGrantRequest{Email: email, Password: password}, &tr)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.invalidCredentials() {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if tr.AccessToken == "" {
		return nil, errors.New("identity provider returned no access token")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newProviderError(resp.StatusCode, body)
	}

	var u gotrueUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	return u.toUser(), nil
}

// Logout is local only. GoTrue can end sessions only with the user's own
// provider token, which is dropped after login, so the session cookie and
// the token's expiry are what end a session.
func (g *GoTrue) Logout(ctx context.Context, userID string) error {
	return nil
}

func (g *GoTrue) GetUser(ctx context.Context, userID string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var u gotrueUser
	err := g.do(ctx, http.MethodGet, "/admin/users/"+url.PathEscape(userID), g.apiKey, nil, &u)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Status == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if u.ID == "" {
		return nil, ErrUserNotFound
	}

	return u.toUser(), nil
}

// WaitReady polls the provider health endpoint with exponential backoff until
// it answers or maxWait has elapsed. Only used at startup.
func (g *GoTrue) WaitReady(ctx context.Context, maxWait time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		err := g.do(reqCtx, http.MethodGet, "/health", "", nil, nil)
		if err == nil {
			return struct{}{}, nil
		}

		var pe *ProviderError
		if errors.As(err, &pe) && pe.Status < http.StatusInternalServerError && pe.Status != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Identity provider not ready")
		}),
	)
	if err != nil {
		return fmt.Errorf("identity provider not ready: %w", err)
	}

	return nil
}

func (g *GoTrue) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read identity provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newProviderError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode identity provider response: %w", err)
	}

	return nil
}

func newProviderError(status int, body []byte) *ProviderError {
	var ge gotrueError
	_ = json.Unmarshal(body, &ge)

	msg := firstNonEmpty(ge.Msg, ge.Message, ge.ErrorDescription, ge.Error)
	if msg == "" {
		msg = http.StatusText(status)
	}

	return &ProviderError{Status: status, Code: firstNonEmpty(ge.ErrorCode, ge.Error), Message: msg}
}

// invalidCredentials reports whether the token endpoint rejected the email
// and password themselves, as opposed to refusing an otherwise valid login.
func (e *ProviderError) invalidCredentials() bool {
	switch e.Code {
	case "invalid_credentials":
		return true
	case "invalid_grant":
		// older servers use invalid_grant for unconfirmed emails too
		return e.Message == "Invalid login credentials"
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// apiKeyTransport adds the provider apikey header to every request.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("apikey", t.key)
	return t.base.RoundTrip(r)
}
