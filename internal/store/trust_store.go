package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/nebula-enroll/internal/models"
)

// Errors
var (
	ErrHostNotFound        = errors.New("host not found")
	ErrHostAlreadyExists   = errors.New("host already exists")
	ErrCANotFound          = errors.New("certificate authority not found")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrTemplateNotFound    = errors.New("config template not found")
)

// TrustStore is the persistence contract for hosts, certificate authorities,
// certificates and config templates.
//
// Implementations guarantee that at no observable instant two CAs are active
// for the same rotation group, or two certificates are active for the same host.
type TrustStore interface {
	HostStore
	CAStore
	CertificateStore
	TemplateStore
}

// HostStore manages hosts. Hosts are written by operators, never by the
// issuance path.
type HostStore interface {
	// FindHostByToken returns the host holding the enrollment token.
	FindHostByToken(ctx context.Context, token string) (*models.Host, error)

	// CreateHost inserts a host and assigns its ID.
	CreateHost(ctx context.Context, host *models.Host) error
}

// CAStore manages certificate authorities.
type CAStore interface {
	// FindActiveCA returns the latest-issued active CA for the rotation group.
	FindActiveCA(ctx context.Context, rotationGroup string) (*models.CertificateAuthority, error)

	// ListValidCAs returns every CA in the group with ExpiresAt after now,
	// newest first, regardless of the active flag.
	ListValidCAs(ctx context.Context, rotationGroup string, now time.Time) ([]*models.CertificateAuthority, error)

	// InsertCA stores the CA and assigns its ID. When ca.Active is set, every
	// other CA in the group is deactivated in the same transaction.
	InsertCA(ctx context.Context, ca *models.CertificateAuthority) error

	// DeactivatePriorCAs clears the active flag on every CA in the group except keepID.
	DeactivatePriorCAs(ctx context.Context, rotationGroup string, keepID int64) error
}

// CertificateStore manages host certificates.
type CertificateStore interface {
	// LatestCertificate returns the active certificate with the latest expiry
	// for the host, ties broken by highest ID.
	LatestCertificate(ctx context.Context, hostID int64) (*models.Certificate, error)

	// InsertCertificate stores the certificate and assigns its ID. When
	// cert.Active is set, every other certificate of the host is deactivated in
	// the same transaction.
	InsertCertificate(ctx context.Context, cert *models.Certificate) error

	// DeactivatePriorCertificates clears the active flag on every certificate
	// of the host except keepID.
	DeactivatePriorCertificates(ctx context.Context, hostID int64, keepID int64) error
}

// TemplateStore manages config templates.
type TemplateStore interface {
	// GetTemplate returns the template with the given name.
	GetTemplate(ctx context.Context, name string) (*models.ConfigTemplate, error)

	// PutTemplate creates or replaces the named template.
	PutTemplate(ctx context.Context, tmpl *models.ConfigTemplate) error
}
