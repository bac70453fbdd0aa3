package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/seed"
	postgresstore "github.com/wolfeidau/nebula-enroll/internal/store/postgres"
)

type MigrateCmd struct {
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *MigrateCmd) Run(globals *Globals) error {
	return withPostgres(globals, &c.Postgres, func(ctx context.Context, pool *pgxpool.Pool) error {
		if err := postgresstore.RunMigrations(ctx, pool); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		zerolog.Ctx(ctx).Info().Msg("Database migrations completed")
		return nil
	})
}

type SeedCmd struct {
	File     string        `arg:"" help:"YAML seed file" type:"existingfile"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *SeedCmd) Run(globals *Globals) error {
	f, err := seed.Load(c.File)
	if err != nil {
		return err
	}

	return withPostgres(globals, &c.Postgres, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := f.Apply(ctx, postgresstore.NewTrustStore(pool))
		return err
	})
}

type HostsCmd struct {
	Add HostsAddCmd `cmd:"" help:"Provision a host"`
}

type HostsAddCmd struct {
	Hostname      string        `arg:"" help:"host name, used as the certificate name"`
	OverlayIP     string        `help:"overlay IP in CIDR form, e.g. 10.42.0.7/16" required:""`
	Token         string        `help:"enrollment token" required:"" env:"NEBULA_HOST_TOKEN"`
	Template      string        `help:"config template name" default:"default"`
	Tags          []string      `help:"nebula groups for the host"`
	RotationGroup string        `help:"CA rotation group" default:""`
	AllowDownload bool          `help:"allow the host to download its config" default:"true" negatable:""`
	Postgres      PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *HostsAddCmd) Run(globals *Globals) error {
	return withPostgres(globals, &c.Postgres, func(ctx context.Context, pool *pgxpool.Pool) error {
		host := &models.Host{
			Hostname:       c.Hostname,
			OverlayIP:      c.OverlayIP,
			Tags:           c.Tags,
			ConfigTemplate: c.Template,
			Token:          c.Token,
			RotationGroup:  c.RotationGroup,
			AllowDownload:  c.AllowDownload,
			Active:         true,
		}
		if err := postgresstore.NewTrustStore(pool).CreateHost(ctx, host); err != nil {
			return fmt.Errorf("failed to create host: %w", err)
		}

		zerolog.Ctx(ctx).Info().
			Int64("host_id", host.ID).
			Str("hostname", host.Hostname).
			Str("token", models.TokenPrefix(host.Token)).
			Msg("Host created")
		return nil
	})
}

type TemplatesCmd struct {
	Put TemplatesPutCmd `cmd:"" help:"Create or replace a config template"`
}

type TemplatesPutCmd struct {
	Name     string        `arg:"" help:"template name"`
	File     string        `arg:"" help:"template file" type:"existingfile"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *TemplatesPutCmd) Run(globals *Globals) error {
	body, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}

	return withPostgres(globals, &c.Postgres, func(ctx context.Context, pool *pgxpool.Pool) error {
		tmpl := &models.ConfigTemplate{Name: c.Name, Body: string(body)}
		if err := postgresstore.NewTrustStore(pool).PutTemplate(ctx, tmpl); err != nil {
			return fmt.Errorf("failed to store template: %w", err)
		}

		zerolog.Ctx(ctx).Info().Str("name", c.Name).Int64("id", tmpl.ID).Msg("Template stored")
		return nil
	})
}
