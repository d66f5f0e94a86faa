package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAPIKey      = "service-key"
	testAccessToken = "provider-access-token"
)

// fakeGoTrue implements the subset of the GoTrue API the client uses.
type fakeGoTrue struct {
	healthFailures atomic.Int32
	requests       atomic.Int32
}

func (f *fakeGoTrue) handler() http.Handler {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	user := map[string]any{
		"id":            "user-123",
		"email":         "a@x.com",
		"user_metadata": map[string]any{"name": "A"},
	}

	mux.HandleFunc("POST /auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		var req signupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"msg": err.Error()})
			return
		}

		if req.Email == "taken@x.com" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"msg": "User already registered"})
			return
		}
		if req.Email == "session@x.com" {
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "x", "user": user})
			return
		}
		writeJSON(w, http.StatusOK, user)
	})

	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "password" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error_code": "validation_failed", "msg": "unsupported_grant_type"})
			return
		}

		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error_code": "bad_json", "msg": "Could not parse request body as JSON"})
			return
		}

		switch {
		case req.Email == "a@x.com" && req.Password == "pw1234":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": testAccessToken,
				"token_type":   "bearer",
				"expires_in":   3600,
				"user":         user,
			})
		case req.Email == "unconfirmed@x.com":
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error_code": "email_not_confirmed", "msg": "Email not confirmed"})
		case req.Email == "legacy@x.com":
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Invalid login credentials"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials"})
		}
	})

	mux.HandleFunc("GET /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"msg": "invalid JWT"})
			return
		}
		writeJSON(w, http.StatusOK, user)
	})

	mux.HandleFunc("GET /auth/v1/admin/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
			writeJSON(w, http.StatusForbidden, map[string]any{"msg": "User not allowed"})
			return
		}
		if r.PathValue("id") != "user-123" {
			writeJSON(w, http.StatusNotFound, map[string]any{"msg": "User not found"})
			return
		}
		writeJSON(w, http.StatusOK, user)
	})

	mux.HandleFunc("GET /auth/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if f.healthFailures.Load() > 0 {
			f.healthFailures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": "GoTrue"})
	})

	// every request must carry the apikey header
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if r.Header.Get("apikey") != testAPIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No API key found in request"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func newTestGoTrue(t *testing.T) (*GoTrue, *fakeGoTrue) {
	t.Helper()

	fake := &fakeGoTrue{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	g, err := NewGoTrue(GoTrueConfig{
		URL:       srv.URL,
		APIKey:    testAPIKey,
		Timeout:   2 * time.Second,
		Transport: http.DefaultTransport,
	})
	require.NoError(t, err)

	return g, fake
}

func TestNewGoTrue(t *testing.T) {
	tests := []struct {
		name    string
		cfg     GoTrueConfig
		wantErr bool
	}{
		{name: "missing url", cfg: GoTrueConfig{APIKey: "k"}, wantErr: true},
		{name: "missing key", cfg: GoTrueConfig{URL: "https://example.supabase.co"}, wantErr: true},
		{name: "relative url", cfg: GoTrueConfig{URL: "example.supabase.co", APIKey: "k"}, wantErr: true},
		{name: "bad scheme", cfg: GoTrueConfig{URL: "ftp://example.supabase.co", APIKey: "k"}, wantErr: true},
		{name: "valid", cfg: GoTrueConfig{URL: "https://example.supabase.co/", APIKey: "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGoTrue(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				require.Nil(t, g)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "https://example.supabase.co/auth/v1", g.baseURL)
			require.Equal(t, DefaultTimeout, g.timeout)
		})
	}
}

func TestGoTrue_Register(t *testing.T) {
	g, _ := newTestGoTrue(t)
	ctx := context.Background()

	t.Run("bare user response", func(t *testing.T) {
		u, err := g.Register(ctx, "a@x.com", "pw1234", "A")
		require.NoError(t, err)
		require.Equal(t, &User{ID: "user-123", Email: "a@x.com", Name: "A"}, u)
	})

	t.Run("session response", func(t *testing.T) {
		u, err := g.Register(ctx, "session@x.com", "pw1234", "A")
		require.NoError(t, err)
		require.Equal(t, "user-123", u.ID)
	})

	t.Run("provider rejection", func(t *testing.T) {
		u, err := g.Register(ctx, "taken@x.com", "pw1234", "")
		require.Nil(t, u)

		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, http.StatusUnprocessableEntity, pe.Status)
		require.Equal(t, "User already registered", pe.Message)
	})
}

func TestGoTrue_Login(t *testing.T) {
	g, _ := newTestGoTrue(t)
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		u, err := g.Login(ctx, "a@x.com", "pw1234")
		require.NoError(t, err)
		require.Equal(t, "user-123", u.ID)
		require.Equal(t, "A", u.Name)
	})

	t.Run("wrong password", func(t *testing.T) {
		u, err := g.Login(ctx, "a@x.com", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
		require.Nil(t, u)
	})

	t.Run("wrong password on older servers", func(t *testing.T) {
		_, err := g.Login(ctx, "legacy@x.com", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("provider refusal keeps its message", func(t *testing.T) {
		u, err := g.Login(ctx, "unconfirmed@x.com", "pw1234")
		require.Nil(t, u)
		require.NotErrorIs(t, err, ErrInvalidCredentials)

		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, http.StatusBadRequest, pe.Status)
		require.Equal(t, "email_not_confirmed", pe.Code)
		require.Equal(t, "Email not confirmed", pe.Message)
	})
}

func TestGoTrue_LoginSendsJSON(t *testing.T) {
	var contentType string
	var body map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer"}`))
	})
	mux.HandleFunc("GET /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("apikey") != testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"user-123","email":"a@x.com"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	g, err := NewGoTrue(GoTrueConfig{URL: srv.URL, APIKey: testAPIKey, Transport: http.DefaultTransport})
	require.NoError(t, err)

	u, err := g.Login(context.Background(), "a@x.com", "pw1234")
	require.NoError(t, err)
	require.Equal(t, "user-123", u.ID)

	require.Equal(t, "application/json", contentType)
	require.Equal(t, map[string]any{"email": "a@x.com", "password": "pw1234"}, body)
}

func TestGoTrue_GetUser(t *testing.T) {
	g, _ := newTestGoTrue(t)
	ctx := context.Background()

	u, err := g.GetUser(ctx, "user-123")
	require.NoError(t, err)
	require.Equal(t, "a@x.com", u.Email)

	u, err = g.GetUser(ctx, "missing")
	require.ErrorIs(t, err, ErrUserNotFound)
	require.Nil(t, u)
}

func TestGoTrue_Logout(t *testing.T) {
	g, fake := newTestGoTrue(t)

	require.NoError(t, g.Logout(context.Background(), "user-123"))
	require.NoError(t, g.Logout(context.Background(), "missing"))
	require.Zero(t, fake.requests.Load())
}

func TestGoTrue_wrongAPIKey(t *testing.T) {
	fake := &fakeGoTrue{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	g, err := NewGoTrue(GoTrueConfig{URL: srv.URL, APIKey: "wrong", Transport: http.DefaultTransport})
	require.NoError(t, err)

	_, err = g.GetUser(context.Background(), "user-123")
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusUnauthorized, pe.Status)
	require.Equal(t, "No API key found in request", pe.Message)
}

func TestGoTrue_WaitReady(t *testing.T) {
	t.Run("recovers after failures", func(t *testing.T) {
		g, fake := newTestGoTrue(t)
		fake.healthFailures.Store(2)

		err := g.WaitReady(context.Background(), 10*time.Second)
		require.NoError(t, err)
		require.Equal(t, int32(0), fake.healthFailures.Load())
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		g, err := NewGoTrue(GoTrueConfig{URL: url, APIKey: testAPIKey, Transport: http.DefaultTransport, Timeout: 100 * time.Millisecond})
		require.NoError(t, err)

		err = g.WaitReady(context.Background(), 500*time.Millisecond)
		require.Error(t, err)
	})

	t.Run("client error is permanent", func(t *testing.T) {
		fake := &fakeGoTrue{}
		srv := httptest.NewServer(fake.handler())
		defer srv.Close()

		g, err := NewGoTrue(GoTrueConfig{URL: srv.URL, APIKey: "wrong", Transport: http.DefaultTransport})
		require.NoError(t, err)

		started := time.Now()
		err = g.WaitReady(context.Background(), 30*time.Second)
		require.Error(t, err)
		require.Less(t, time.Since(started), 5*time.Second)
	})
}
