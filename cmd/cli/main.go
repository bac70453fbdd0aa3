package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/nebula-enroll/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Enroll  commands.EnrollCmd `cmd:"" help:"Request a host certificate and nebula config"`
		Debug   bool               `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
