// Package rotation keeps each rotation group's active CA current.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/nebula-enroll/internal/lock"
	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/pki"
	"github.com/wolfeidau/nebula-enroll/internal/store"
	"github.com/wolfeidau/nebula-enroll/internal/telemetry"
)

// ErrNoActiveCA indicates the group has no active CA and generating one failed.
var ErrNoActiveCA = errors.New("no active CA")

// ErrInvalidGroup indicates a rotation group name unusable as a directory name.
var ErrInvalidGroup = errors.New("invalid rotation group")

var groupPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

const (
	DefaultThreshold     = 90 * 24 * time.Hour
	DefaultCATTL         = 365 * 24 * time.Hour
	DefaultCAName        = "Nebula CA"
	DefaultRotationGroup = "default"
)

// Config holds rotation settings.
type Config struct {
	Threshold    time.Duration // Rotate when the active CA expires within this window
	CATTL        time.Duration
	CAName       string
	CADir        string // Root for per-CA key directories
	DefaultGroup string // Used for hosts without a rotation group
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.CATTL == 0 {
		c.CATTL = DefaultCATTL
	}
	if c.CAName == "" {
		c.CAName = DefaultCAName
	}
	if c.DefaultGroup == "" {
		c.DefaultGroup = DefaultRotationGroup
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CADir == "" {
		return errors.New("CA directory is required")
	}
	if c.Threshold < 0 {
		return errors.New("rotation threshold must not be negative")
	}
	if c.CATTL <= c.Threshold {
		return fmt.Errorf("CA TTL (%s) must exceed the rotation threshold (%s)", c.CATTL, c.Threshold)
	}
	if !groupPattern.MatchString(c.DefaultGroup) {
		return fmt.Errorf("%w: %q", ErrInvalidGroup, c.DefaultGroup)
	}
	return nil
}

// Policy decides when a group's CA must be replaced and installs the
// replacement. The outgoing CA is left in place so it stays a trust anchor
// until it expires.
type Policy struct {
	cfg      Config
	cas      store.CAStore
	provider pki.CryptoProvider
	locks    *lock.KeyedMutex
}

// NewPolicy creates a Policy.
func NewPolicy(cfg Config, cas store.CAStore, provider pki.CryptoProvider) (*Policy, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rotation config: %w", err)
	}

	return &Policy{
		cfg:      cfg,
		cas:      cas,
		provider: provider,
		locks:    lock.NewKeyedMutex(),
	}, nil
}

// Group returns the effective rotation group for a host's configured group.
func (p *Policy) Group(rotationGroup string) string {
	if rotationGroup == "" {
		return p.cfg.DefaultGroup
	}
	return rotationGroup
}

// Ensure returns the group's active CA, generating one when none exists or the
// current one expires within the threshold.
//
// When a replacement fails the current CA is returned and the failure is only
// logged. With no current CA the failure is returned wrapped in ErrNoActiveCA.
func (p *Policy) Ensure(ctx context.Context, rotationGroup string, now time.Time) (*models.CertificateAuthority, error) {
	group := p.Group(rotationGroup)
	if !groupPattern.MatchString(group) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGroup, group)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "rotation.Ensure",
		trace.WithAttributes(attribute.String("rotation_group", group)))
	defer span.End()

	unlock, err := p.locks.Lock(ctx, group)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := zerolog.Ctx(ctx).With().Str("rotation_group", group).Logger()

	current, err := p.cas.FindActiveCA(ctx, group)
	switch {
	case errors.Is(err, store.ErrCANotFound):
		logger.Info().Msg("no active CA, generating")

		ca, genErr := p.rotate(ctx, group, now)
		if genErr != nil {
			span.RecordError(genErr)
			span.SetStatus(codes.Error, "CA generation failed")
			return nil, fmt.Errorf("%w for group %s: %w", ErrNoActiveCA, group, genErr)
		}
		return ca, nil

	case err != nil:
		return nil, fmt.Errorf("failed to find active CA: %w", err)
	}

	if !current.ExpiresWithin(p.cfg.Threshold, now) {
		return current, nil
	}

	logger.Info().
		Int64("ca_id", current.ID).
		Time("expires_at", current.ExpiresAt).
		Msg("active CA near expiry, rotating")

	ca, err := p.rotate(ctx, group, now)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Int64("ca_id", current.ID).Msg("CA rotation failed, keeping current CA")
		return current, nil
	}

	return ca, nil
}

// rotate generates a CA into a fresh key directory and stores it as the
// group's active CA. Nothing is persisted unless generation succeeded, and
// the key directory is removed on failure.
func (p *Policy) rotate(ctx context.Context, group string, now time.Time) (*models.CertificateAuthority, error) {
	metrics := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("rotation_group", group))

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA directory id: %w", err)
	}
	keyDir := filepath.Join(p.cfg.CADir, group, id.String())

	pem, err := p.provider.GenerateCA(ctx, pki.CAParams{
		Name:   p.cfg.CAName,
		TTL:    p.cfg.CATTL,
		OutDir: keyDir,
	})
	if err != nil {
		metrics.CARotationFailuresTotal.Add(ctx, 1, attrs)
		_ = os.RemoveAll(keyDir)
		return nil, fmt.Errorf("failed to generate CA: %w", err)
	}

	ca := &models.CertificateAuthority{
		Certificate:   string(pem),
		Name:          p.cfg.CAName,
		RotationGroup: group,
		KeyDir:        keyDir,
		IssuedAt:      now,
		ExpiresAt:     now.Add(p.cfg.CATTL),
		Active:        true,
	}

	if err := p.cas.InsertCA(ctx, ca); err != nil {
		metrics.CARotationFailuresTotal.Add(ctx, 1, attrs)
		_ = os.RemoveAll(keyDir)
		return nil, fmt.Errorf("failed to store CA: %w", err)
	}

	metrics.CARotationsTotal.Add(ctx, 1, attrs)

	zerolog.Ctx(ctx).Info().
		Str("rotation_group", group).
		Int64("ca_id", ca.ID).
		Time("expires_at", ca.ExpiresAt).
		Msg("CA generated")

	return ca, nil
}
