package identity

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrUserNotFound       = errors.New("user not found")
)

// User is the identity record owned by the provider. It is only ever held
// for the duration of a request.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Provider is the external service of record for credentials and identity.
type Provider interface {
	Register(ctx context.Context, email, password, name string) (*User, error)
	Login(ctx context.Context, email, password string) (*User, error)
	Logout(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (*User, error)
}

// ProviderError is a request rejected by the provider with a message that is
// safe to show to the user.
type ProviderError struct {
	Status int
	// Code is the provider's machine readable error code, when it sends one.
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider: %s (status %d)", e.Message, e.Status)
}

// Kind selects a Provider implementation.
type Kind string

const (
	KindGoTrue Kind = "gotrue"
	KindMemory Kind = "memory"
	KindStub   Kind = "stub"
)

// DevelopmentOnly reports whether the provider kind is a local stand-in that
// must never serve production traffic.
func (k Kind) DevelopmentOnly() bool {
	return k == KindMemory || k == KindStub
}
