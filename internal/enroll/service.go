// Package enroll handles a host's configuration request end to end: token
// lookup, CA rotation, certificate issuance and config rendering.
package enroll

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/nebula-enroll/internal/issuer"
	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/render"
	"github.com/wolfeidau/nebula-enroll/internal/rotation"
	"github.com/wolfeidau/nebula-enroll/internal/store"
	"github.com/wolfeidau/nebula-enroll/internal/telemetry"
)

// Request is a host's configuration request.
type Request struct {
	HostToken string
	PublicKey string // Carried in the private_key field on the wire
	HostCert  string // Optional
}

// Result is the host's certificate and rendered configuration.
type Result struct {
	HostCert string
	Config   string
	Created  bool // A new certificate was issued
}

// Service serves configuration requests.
type Service struct {
	hosts    store.HostStore
	policy   *rotation.Policy
	issuer   *issuer.Issuer
	renderer *render.Renderer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service.
func NewService(hosts store.HostStore, policy *rotation.Policy, iss *issuer.Issuer, renderer *render.Renderer, opts ...Option) *Service {
	s := &Service{
		hosts:    hosts,
		policy:   policy,
		issuer:   iss,
		renderer: renderer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure returns the host's certificate and rendered config. Errors are
// *Error values carrying a Kind.
func (s *Service) Configure(ctx context.Context, req Request) (*Result, error) {
	metrics := telemetry.GetMetrics()
	metrics.ConfigRequestsTotal.Add(ctx, 1)

	res, err := s.configure(ctx, req)
	if err != nil {
		metrics.ConfigRequestErrorsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", string(KindOf(err)))))
		return nil, err
	}

	return res, nil
}

func (s *Service) configure(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.HostToken) == "" || strings.TrimSpace(req.PublicKey) == "" {
		return nil, newError(KindValidation, "host_token and private_key are required", nil)
	}

	host, err := s.hosts.FindHostByToken(ctx, req.HostToken)
	if err != nil {
		if errors.Is(err, store.ErrHostNotFound) {
			zerolog.Ctx(ctx).Warn().Str("token", models.TokenPrefix(req.HostToken)).Msg("host not found for token")
			return nil, newError(KindNotFound, "Host not found", err)
		}
		return nil, newError(KindStorage, "failed to look up host", err)
	}

	logger := zerolog.Ctx(ctx).With().
		Int64("host_id", host.ID).
		Str("hostname", host.Hostname).
		Logger()
	ctx = logger.WithContext(ctx)

	if !host.IsActive() {
		logger.Warn().Msg("configuration requested for inactive host")
		return nil, newError(KindForbidden, "host is inactive", nil)
	}

	now := s.now()

	ca, err := s.policy.Ensure(ctx, host.RotationGroup, now)
	if err != nil {
		if errors.Is(err, rotation.ErrNoActiveCA) || errors.Is(err, rotation.ErrInvalidGroup) {
			return nil, newError(KindRotationFailure, "no certificate authority available", err)
		}
		return nil, newError(KindStorage, "failed to load certificate authority", err)
	}

	issued, err := s.issuer.Issue(ctx, issuer.IssueRequest{
		Host:          host,
		PublicKey:     req.PublicKey,
		PresentedCert: req.HostCert,
		ActiveCA:      ca,
		Now:           now,
	})
	if err != nil {
		return nil, issueError(err)
	}

	config, err := s.renderer.Render(ctx, host.ConfigTemplate, issued.Certificate.Certificate, req.PublicKey, issued.Anchors)
	if err != nil {
		return nil, newError(KindRender, "failed to render config template", err)
	}

	logger.Info().
		Bool("created", !issued.Reused).
		Int64("certificate_id", issued.Certificate.ID).
		Msg("configuration served")

	return &Result{
		HostCert: issued.Certificate.Certificate,
		Config:   config,
		Created:  !issued.Reused,
	}, nil
}

func issueError(err error) *Error {
	switch {
	case errors.Is(err, issuer.ErrCertificateBlocked):
		return newError(KindForbidden, "host certificate is blocked", err)
	case errors.Is(err, issuer.ErrSignFailed):
		return newError(KindIssuanceFailure, "failed to generate host certificate", err)
	case errors.Is(err, issuer.ErrStaging):
		return newError(KindIO, "failed to stage certificate files", err)
	case errors.Is(err, issuer.ErrStore):
		return newError(KindStorage, "failed to store host certificate", err)
	default:
		return newError(KindIssuanceFailure, "failed to generate host certificate", err)
	}
}
