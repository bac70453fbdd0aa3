// Package issuer decides whether a host keeps its certificate or receives a
// newly signed one.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

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
	"github.com/wolfeidau/nebula-enroll/internal/trust"
)

var (
	// ErrSignFailed indicates the signer did not produce a certificate.
	ErrSignFailed = errors.New("certificate signing failed")
	// ErrStaging indicates a staging file could not be written or cleared.
	ErrStaging = errors.New("staging failed")
	// ErrStore indicates a persistence failure.
	ErrStore = errors.New("trust store failure")
	// ErrCertificateBlocked indicates the host's current certificate is blocked.
	ErrCertificateBlocked = errors.New("certificate blocked")
)

// Config holds issuance settings.
type Config struct {
	// CertTTL caps host certificate lifetime. Zero issues certificates that
	// expire one second before the signing CA.
	CertTTL    time.Duration
	StagingDir string
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.StagingDir == "" {
		return errors.New("staging directory is required")
	}
	if c.CertTTL < 0 {
		return errors.New("certificate TTL must not be negative")
	}
	return nil
}

// IssueRequest is one host's request for a certificate.
type IssueRequest struct {
	Host          *models.Host
	PublicKey     string
	PresentedCert string // Optional
	ActiveCA      *models.CertificateAuthority
	Now           time.Time
}

// Result is the host's current certificate and the anchors it was checked
// against.
type Result struct {
	Certificate *models.Certificate
	Anchors     []*models.CertificateAuthority
	Reused      bool
}

// Issuer runs verify-or-reissue for one host at a time.
type Issuer struct {
	cfg      Config
	certs    store.CertificateStore
	resolver *trust.Resolver
	provider pki.CryptoProvider
	staging  *pki.Staging
	locks    *lock.KeyedMutex
}

// New creates an Issuer.
func New(cfg Config, certs store.CertificateStore, resolver *trust.Resolver, provider pki.CryptoProvider) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid issuer config: %w", err)
	}

	staging, err := pki.NewStaging(cfg.StagingDir)
	if err != nil {
		return nil, err
	}

	return &Issuer{
		cfg:      cfg,
		certs:    certs,
		resolver: resolver,
		provider: provider,
		staging:  staging,
		locks:    lock.NewKeyedMutex(),
	}, nil
}

// Issue returns the host's stored certificate when the presented one verifies
// against the group's trust anchors, and otherwise signs, stores and returns a
// new certificate that supersedes the host's previous ones.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Result, error) {
	host, ca := req.Host, req.ActiveCA

	ctx, span := telemetry.Tracer().Start(ctx, "issuer.Issue", trace.WithAttributes(
		attribute.String("hostname", host.Hostname),
		attribute.Int64("ca_id", ca.ID),
	))
	defer span.End()

	unlock, err := i.locks.Lock(ctx, strconv.FormatInt(host.ID, 10))
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := zerolog.Ctx(ctx).With().Str("hostname", host.Hostname).Logger()

	latest, err := i.certs.LatestCertificate(ctx, host.ID)
	switch {
	case errors.Is(err, store.ErrCertificateNotFound):
		latest = nil
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	case latest.Blocked:
		return nil, fmt.Errorf("%w: certificate %d", ErrCertificateBlocked, latest.ID)
	}

	ws, err := i.staging.Open(host.Hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStaging, err)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove staging workspace")
		}
	}()

	anchors, err := i.resolver.Resolve(ctx, ca.RotationGroup, req.Now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	if req.PresentedCert != "" && latest != nil && len(anchors) > 0 {
		ok, err := i.verify(ctx, ws, req.PresentedCert, anchors)
		if err != nil {
			return nil, err
		}
		if ok {
			telemetry.GetMetrics().CertsReusedTotal.Add(ctx, 1)
			logger.Info().Int64("certificate_id", latest.ID).Msg("presented certificate is valid")
			return &Result{Certificate: latest, Anchors: anchors, Reused: true}, nil
		}
	}

	cert, err := i.sign(ctx, ws, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "issuance failed")
		return nil, err
	}

	return &Result{Certificate: cert, Anchors: anchors}, nil
}

// verify reports whether the presented certificate chains to one of the
// anchors. A verifier error counts as a failed verification.
func (i *Issuer) verify(ctx context.Context, ws *pki.Workspace, presented string, anchors []*models.CertificateAuthority) (bool, error) {
	logger := zerolog.Ctx(ctx)

	if err := ws.WriteFile(ws.PresentedCertPath(), []byte(presented)); err != nil {
		return false, fmt.Errorf("%w: %w", ErrStaging, err)
	}
	if err := ws.WriteFile(ws.CABundlePath(), trust.Bundle(anchors)); err != nil {
		return false, fmt.Errorf("%w: %w", ErrStaging, err)
	}

	ok, err := i.provider.Verify(ctx, ws.PresentedCertPath(), ws.CABundlePath())
	if err != nil {
		logger.Warn().Err(err).Msg("certificate verification errored, reissuing")
		ok = false
	}

	if !ok {
		telemetry.GetMetrics().CertVerifyFailuresTotal.Add(ctx, 1)
		logger.Info().Msg("presented certificate is invalid or expired, reissuing")
	}

	return ok, nil
}

func (i *Issuer) sign(ctx context.Context, ws *pki.Workspace, req IssueRequest) (*models.Certificate, error) {
	host, ca := req.Host, req.ActiveCA
	metrics := telemetry.GetMetrics()

	duration := i.duration(ca, req.Now)
	if duration <= 0 {
		metrics.CertIssueFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "ca_expired")))
		return nil, fmt.Errorf("%w: CA %d expired at %s", ErrSignFailed, ca.ID, ca.ExpiresAt)
	}

	if err := ws.WriteFile(ws.PublicKeyPath(), []byte(req.PublicKey)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStaging, err)
	}

	caCert, caKey := pki.CAFiles(ca.KeyDir)

	pem, err := i.provider.Sign(ctx, pki.SignParams{
		PublicKeyPath: ws.PublicKeyPath(),
		OutPath:       ws.SignedCertPath(),
		Name:          host.Hostname,
		OverlayIP:     host.OverlayIP,
		Groups:        host.Tags,
		CACertPath:    caCert,
		CAKeyPath:     caKey,
		Duration:      duration,
	})
	if err != nil {
		metrics.CertIssueFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "sign")))
		return nil, fmt.Errorf("%w: %w", ErrSignFailed, err)
	}

	cert := &models.Certificate{
		HostID:      host.ID,
		CAID:        ca.ID,
		Fingerprint: host.Hostname,
		Certificate: string(pem),
		IssuedAt:    req.Now,
		ExpiresAt:   req.Now.Add(duration),
		Active:      true,
	}

	if err := i.certs.InsertCertificate(ctx, cert); err != nil {
		metrics.CertIssueFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "store")))
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	metrics.CertsIssuedTotal.Add(ctx, 1)

	zerolog.Ctx(ctx).Info().
		Str("hostname", host.Hostname).
		Int64("certificate_id", cert.ID).
		Int64("ca_id", ca.ID).
		Time("expires_at", cert.ExpiresAt).
		Msg("host certificate issued")

	return cert, nil
}

// duration is the certificate lifetime: CertTTL, capped so the certificate
// never outlives its CA.
func (i *Issuer) duration(ca *models.CertificateAuthority, now time.Time) time.Duration {
	remaining := ca.ExpiresAt.Sub(now) - time.Second
	if i.cfg.CertTTL > 0 && i.cfg.CertTTL < remaining {
		return i.cfg.CertTTL
	}
	return remaining
}
