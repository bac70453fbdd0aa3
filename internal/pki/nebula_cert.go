package pki

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/nebula-enroll/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

var _ CryptoProvider = (*NebulaCert)(nil)

// NebulaCertConfig configures the nebula-cert invocations.
type NebulaCertConfig struct {
	// Binary is the nebula-cert executable name or path.
	// Default: "nebula-cert"
	Binary string

	// Timeout bounds each invocation.
	// Default: 30s
	Timeout time.Duration

	// MaxConcurrent caps concurrent invocations across all requests.
	// Default: 4
	MaxConcurrent int64
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *NebulaCertConfig) ApplyDefaults() {
	if c.Binary == "" {
		c.Binary = "nebula-cert"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
}

// Validate checks that the configuration is valid.
func (c *NebulaCertConfig) Validate() error {
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if c.MaxConcurrent < 1 {
		return errors.New("max concurrent must be at least 1")
	}
	return nil
}

// NebulaCert implements CryptoProvider by shelling out to nebula-cert.
type NebulaCert struct {
	cfg NebulaCertConfig
	sem *semaphore.Weighted
}

// NewNebulaCert creates a provider for the given configuration.
func NewNebulaCert(cfg NebulaCertConfig) (*NebulaCert, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nebula-cert config: %w", err)
	}

	return &NebulaCert{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
	}, nil
}

// GenerateCA runs `nebula-cert ca` writing ca.crt and ca.key into p.OutDir.
func (n *NebulaCert) GenerateCA(ctx context.Context, p CAParams) ([]byte, error) {
	if err := os.MkdirAll(p.OutDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}

	certPath, keyPath := CAFiles(p.OutDir)

	// nebula-cert refuses to overwrite existing files
	for _, path := range []string{certPath, keyPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale CA file: %w", err)
		}
	}

	_, err := n.run(ctx, "ca",
		"-name", p.Name,
		"-duration", formatDuration(p.TTL),
		"-out-crt", certPath,
		"-out-key", keyPath,
	)
	if err != nil {
		return nil, err
	}

	pem, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read generated CA certificate: %w", err)
	}

	return pem, nil
}

// Sign runs `nebula-cert sign` and returns the certificate written to p.OutPath.
func (n *NebulaCert) Sign(ctx context.Context, p SignParams) ([]byte, error) {
	if err := os.Remove(p.OutPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale certificate: %w", err)
	}

	args := []string{"sign",
		"-ca-crt", p.CACertPath,
		"-ca-key", p.CAKeyPath,
		"-in-pub", p.PublicKeyPath,
		"-name", p.Name,
		"-ip", p.OverlayIP,
		"-out-crt", p.OutPath,
	}
	if len(p.Groups) > 0 {
		args = append(args, "-groups", strings.Join(p.Groups, ","))
	}
	if p.Duration > 0 {
		args = append(args, "-duration", formatDuration(p.Duration))
	}

	if _, err := n.run(ctx, args...); err != nil {
		return nil, err
	}

	pem, err := os.ReadFile(p.OutPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signed certificate: %w", err)
	}

	return pem, nil
}

// Verify runs `nebula-cert verify`. A non-zero exit is reported as an invalid
// certificate, anything else that stops the tool from answering is an error.
func (n *NebulaCert) Verify(ctx context.Context, certPath, caPath string) (bool, error) {
	_, err := n.run(ctx, "verify", "-ca", caPath, "-crt", certPath)
	if err != nil {
		if errors.Is(err, ErrToolFailed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// run executes one bounded nebula-cert invocation.
func (n *NebulaCert) run(ctx context.Context, args ...string) ([]byte, error) {
	subcommand := args[0]
	logger := zerolog.Ctx(ctx).With().Str("subcommand", subcommand).Logger()

	if err := n.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for nebula-cert slot: %w", err)
	}
	defer n.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, n.cfg.Binary, args...) // #nosec G204 - binary is operator configured
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	telemetry.GetMetrics().CertToolDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(
			attribute.String("subcommand", subcommand),
			attribute.Bool("success", err == nil),
		))

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logger.Error().Dur("timeout", n.cfg.Timeout).Msg("nebula-cert timed out")
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, subcommand, n.cfg.Timeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s canceled: %w", subcommand, ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug().
				Int("exit_code", exitErr.ExitCode()).
				Str("stderr", strings.TrimSpace(stderr.String())).
				Msg("nebula-cert exited non-zero")
			return nil, fmt.Errorf("%w: %s exited %d: %s", ErrToolFailed, subcommand,
				exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}

		return nil, fmt.Errorf("failed to run %s: %w", filepath.Base(n.cfg.Binary), err)
	}

	logger.Debug().Dur("duration", elapsed).Msg("nebula-cert completed")
	return stdout.Bytes(), nil
}

// formatDuration renders d for the -duration flag, which takes Go duration syntax.
func formatDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	return d.Truncate(time.Second).String()
}
