// Package pki wraps the external nebula-cert toolchain that generates CAs and
// signs and verifies host certificates. Certificate cryptography is never
// implemented here; every operation is one bounded external invocation.
package pki

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrToolFailed indicates nebula-cert ran and exited non-zero.
	ErrToolFailed = errors.New("nebula-cert failed")
	// ErrTimeout indicates nebula-cert did not finish within the configured timeout.
	ErrTimeout = errors.New("nebula-cert timed out")
)

// CAParams describes a CA to generate.
type CAParams struct {
	Name   string
	TTL    time.Duration
	OutDir string // ca.crt and ca.key are written here
}

// SignParams describes a host certificate to sign. Paths point at files in the
// caller's staging directory; the caller owns their cleanup.
type SignParams struct {
	PublicKeyPath string
	OutPath       string
	Name          string
	OverlayIP     string
	Groups        []string
	CACertPath    string
	CAKeyPath     string
	Duration      time.Duration // 0 lets the tool default to the CA's lifetime
}

// CryptoProvider generates CA material, signs host certificates and verifies
// certificates against a trust bundle.
type CryptoProvider interface {
	// GenerateCA creates a CA in p.OutDir and returns the CA certificate PEM.
	GenerateCA(ctx context.Context, p CAParams) ([]byte, error)

	// Sign signs the public key at p.PublicKeyPath and returns the certificate PEM.
	Sign(ctx context.Context, p SignParams) ([]byte, error)

	// Verify checks the certificate at certPath against the CA bundle at caPath.
	// A certificate that fails verification returns false with a nil error; an
	// error means the check itself could not be completed.
	Verify(ctx context.Context, certPath, caPath string) (bool, error)
}

// CAFiles returns the certificate and key paths inside a CA key directory.
func CAFiles(dir string) (certPath, keyPath string) {
	return dir + "/ca.crt", dir + "/ca.key"
}
