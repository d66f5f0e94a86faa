package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/gatehouse/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool            `help:"Enable debug mode." env:"GATEHOUSE_DEBUG"`
		Config  kong.ConfigFlag `help:"Load flag values from a YAML file."`
		Version kong.VersionFlag
		Server  commands.ServerCmd `cmd:"" help:"Start the server (pages + auth API)"`
		Token   commands.TokenCmd  `cmd:"" help:"Issue or verify session tokens"`
	}
)

func main() {
	// .env only fills variables that are not already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("gatehouse"),
		kong.Description("Username and password sign-in in front of a hosted identity provider."),
		kong.Vars{
			"version": version,
		},
		kong.Configuration(commands.YAML, "gatehouse.yaml"),
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
