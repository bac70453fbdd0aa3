package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/nebula-enroll/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug     bool `help:"Enable debug mode."`
		Version   kong.VersionFlag
		Serve     commands.ServeCmd     `cmd:"" help:"Start the enrollment server"`
		Migrate   commands.MigrateCmd   `cmd:"" help:"Run database migrations"`
		Seed      commands.SeedCmd      `cmd:"" help:"Load hosts and config templates from a YAML file"`
		Hosts     commands.HostsCmd     `cmd:"" help:"Manage hosts"`
		Templates commands.TemplatesCmd `cmd:"" help:"Manage config templates"`
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
