package identity

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/gatehouse/internal/telemetry"
)

// Instrument wraps a provider so every call is timed and logged at debug level.
func Instrument(p Provider) Provider {
	return &instrumented{next: p}
}

type instrumented struct {
	next Provider
}

func (i *instrumented) Register(ctx context.Context, email, password, name string) (*User, error) {
	started := time.Now()
	u, err := i.next.Register(ctx, email, password, name)
	observe(ctx, "register", started, err)
	return u, err
}

func (i *instrumented) Login(ctx context.Context, email, password string) (*User, error) {
	started := time.Now()
	u, err := i.next.Login(ctx, email, password)
	observe(ctx, "login", started, err)
	return u, err
}

func (i *instrumented) Logout(ctx context.Context, userID string) error {
	started := time.Now()
	err := i.next.Logout(ctx, userID)
	observe(ctx, "logout", started, err)
	return err
}

func (i *instrumented) GetUser(ctx context.Context, userID string) (*User, error) {
	started := time.Now()
	u, err := i.next.GetUser(ctx, userID)
	observe(ctx, "get_user", started, err)
	return u, err
}

func observe(ctx context.Context, operation string, started time.Time, err error) {
	telemetry.ObserveProvider(ctx, operation, started, err)

	zerolog.Ctx(ctx).Debug().
		Str("operation", operation).
		Dur("duration", time.Since(started)).
		AnErr("provider_error", err).
		Msg("identity provider call")
}
