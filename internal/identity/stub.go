package identity

import "context"

var _ Provider = Stub{}

// StubUser is the placeholder returned by every Stub call.
var StubUser = User{
	ID:    "stub-user",
	Email: "stub@example.com",
	Name:  "Stub User",
}

// Stub reports success for every operation. It exists so the pages can be
// worked on without provider credentials; it performs no checks at all.
type Stub struct{}

func (Stub) Register(context.Context, string, string, string) (*User, error) {
	u := StubUser
	return &u, nil
}

func (Stub) Login(context.Context, string, string) (*User, error) {
	u := StubUser
	return &u, nil
}

func (Stub) Logout(context.Context, string) error {
	return nil
}

func (Stub) GetUser(context.Context, string) (*User, error) {
	u := StubUser
	return &u, nil
}
