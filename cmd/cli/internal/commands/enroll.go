package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/nebula-enroll/internal/client"
	"github.com/wolfeidau/nebula-enroll/internal/logger"
)

type EnrollCmd struct {
	Server     string        `help:"Enrollment server URL" default:"http://localhost:8080" env:"NEBULA_SERVER"`
	Token      string        `help:"Host enrollment token" required:"" env:"NEBULA_HOST_TOKEN"`
	PublicKey  string        `help:"Host public key file (nebula-cert keygen -out-pub)" default:"host.pub" type:"existingfile"`
	Cert       string        `help:"Host certificate file, presented for renewal when present and rewritten on success" default:"host.crt"`
	ConfigOut  string        `help:"Where to write the rendered nebula config" default:"config.yml"`
	Timeout    time.Duration `help:"Timeout for each attempt" default:"1m"`
	MaxElapsed time.Duration `help:"Give up retrying after this long" default:"5m"`
}

func (e *EnrollCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	pub, err := os.ReadFile(e.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}

	req := client.EnrollRequest{
		HostToken: e.Token,
		PublicKey: string(pub),
	}

	existing, err := os.ReadFile(e.Cert)
	switch {
	case err == nil:
		req.HostCert = string(existing)
		log.Debug().Str("path", e.Cert).Msg("presenting existing certificate")
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to read certificate: %w", err)
	}

	cfg := client.DefaultConfig()
	cfg.ServerURL = e.Server
	cfg.Timeout = e.Timeout
	cfg.MaxElapsed = e.MaxElapsed

	resp, err := client.New(cfg).Enroll(ctx, req)
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	if err := validateConfig(ctx, resp.Config); err != nil {
		return err
	}

	if err := writeFile(e.Cert, resp.HostCert); err != nil {
		return err
	}
	if err := writeFile(e.ConfigOut, resp.Config); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Bool("new_certificate", resp.Created).
		Str("cert", e.Cert).
		Str("config", e.ConfigOut).
		Msg("enrollment complete")

	return nil
}

// validateConfig rejects an empty config. Templates carrying a CA block inline
// PEM at column zero, which is not strict YAML, so a parse failure only warns.
func validateConfig(ctx context.Context, config string) error {
	if strings.TrimSpace(config) == "" {
		return errors.New("server returned an empty config")
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(config), &doc); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("rendered config does not parse as YAML")
	}
	return nil
}

// writeFile replaces path atomically with owner-only permissions.
func writeFile(path, data string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
