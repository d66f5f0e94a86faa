package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wolfeidau/gatehouse/internal/token"
)

// TokenFlags are shared by the server and the token commands so both sign
// with the same secret.
type TokenFlags struct {
	JWTSecret   string        `help:"HMAC secret used to sign session tokens" default:"" env:"GATEHOUSE_JWT_SECRET"`
	TokenTTL    time.Duration `help:"session token lifetime" default:"1h" env:"GATEHOUSE_TOKEN_TTL"`
	TokenIssuer string        `help:"iss claim written to and required on session tokens" default:"gatehouse" env:"GATEHOUSE_TOKEN_ISSUER"`
}

func (f *TokenFlags) Codec() (*token.Codec, error) {
	codec, err := token.NewCodec([]byte(f.JWTSecret),
		token.WithTTL(f.TokenTTL),
		token.WithIssuer(f.TokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}
	return codec, nil
}

type TokenCmd struct {
	Issue  TokenIssueCmd  `cmd:"" help:"Issue a session token"`
	Verify TokenVerifyCmd `cmd:"" help:"Verify a session token and print its claims"`
}

type TokenIssueCmd struct {
	TokenFlags `embed:""`
	UserID     string `help:"user id carried by the token" required:""`
	Email      string `help:"email carried by the token" required:""`
}

func (t *TokenIssueCmd) Run() error {
	return t.run(os.Stdout)
}

func (t *TokenIssueCmd) run(w io.Writer) error {
	codec, err := t.Codec()
	if err != nil {
		return err
	}

	tok, err := codec.Issue(t.UserID, t.Email)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, tok)
	return err
}

type TokenVerifyCmd struct {
	TokenFlags `embed:""`
	Token      string `arg:"" help:"token to verify"`
}

func (t *TokenVerifyCmd) Run() error {
	return t.run(os.Stdout)
}

func (t *TokenVerifyCmd) run(w io.Writer) error {
	codec, err := t.Codec()
	if err != nil {
		return err
	}

	claims, err := codec.Verify(t.Token)
	if err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(claims)
}
