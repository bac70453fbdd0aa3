// Package pkitest provides an in-process pki.CryptoProvider for tests.
package pkitest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wolfeidau/nebula-enroll/internal/pki"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

// Provider fakes nebula-cert. CA and host certificates are plain text markers;
// a certificate verifies when the staged bundle contains the CA marker that
// signed it and the certificate is not listed in Revoked.
type Provider struct {
	mu sync.Mutex

	FailGenerate bool
	FailSign     bool
	FailVerify   bool

	// Revoked certificate contents that Verify rejects.
	Revoked map[string]bool

	GenerateCalls atomic.Int32
	SignCalls     atomic.Int32
	VerifyCalls   atomic.Int32

	serial int
}

var _ pki.CryptoProvider = (*Provider)(nil)

// New creates a Provider with no failures configured.
func New() *Provider {
	return &Provider{Revoked: make(map[string]bool)}
}

// GenerateCA writes ca.crt and ca.key markers into p.OutDir.
func (f *Provider) GenerateCA(ctx context.Context, p pki.CAParams) ([]byte, error) {
	f.GenerateCalls.Add(1)

	f.mu.Lock()
	fail := f.FailGenerate
	f.serial++
	serial := f.serial
	f.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("%w: generate CA", ErrInjected)
	}

	if err := os.MkdirAll(p.OutDir, 0o700); err != nil {
		return nil, err
	}

	pem := fmt.Sprintf("-----BEGIN NEBULA CERTIFICATE-----\nCA:%s:%d\n-----END NEBULA CERTIFICATE-----\n", p.Name, serial)
	certPath, keyPath := pki.CAFiles(p.OutDir)
	if err := os.WriteFile(certPath, []byte(pem), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte("KEY"), 0o600); err != nil {
		return nil, err
	}

	return []byte(pem), nil
}

// Sign produces a certificate marker naming the host and the signing CA.
func (f *Provider) Sign(ctx context.Context, p pki.SignParams) ([]byte, error) {
	f.SignCalls.Add(1)

	f.mu.Lock()
	fail := f.FailSign
	f.serial++
	serial := f.serial
	f.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("%w: sign", ErrInjected)
	}

	if _, err := os.ReadFile(p.PublicKeyPath); err != nil {
		return nil, fmt.Errorf("public key not staged: %w", err)
	}

	caPEM, err := os.ReadFile(p.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("CA certificate missing: %w", err)
	}

	cert := fmt.Sprintf("HOST:%s:%s:%d\nSIGNER:%s", p.Name, p.OverlayIP, serial, caMarker(string(caPEM)))
	if err := os.WriteFile(p.OutPath, []byte(cert), 0o600); err != nil {
		return nil, err
	}

	return []byte(cert), nil
}

// Verify accepts a certificate whose signer marker appears in the CA bundle.
func (f *Provider) Verify(ctx context.Context, certPath, caPath string) (bool, error) {
	f.VerifyCalls.Add(1)

	cert, err := os.ReadFile(certPath)
	if err != nil {
		return false, err
	}
	bundle, err := os.ReadFile(caPath)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	fail := f.FailVerify
	revoked := f.Revoked[string(cert)]
	f.mu.Unlock()

	if fail {
		return false, fmt.Errorf("%w: verify", ErrInjected)
	}
	if revoked {
		return false, nil
	}

	_, signer, ok := strings.Cut(string(cert), "SIGNER:")
	if !ok || signer == "" {
		return false, nil
	}

	return strings.Contains(string(bundle), signer+"\n"), nil
}

// SetFailGenerate toggles CA generation failures.
func (f *Provider) SetFailGenerate(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailGenerate = fail
}

// SetFailSign toggles signing failures.
func (f *Provider) SetFailSign(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailSign = fail
}

// Revoke makes Verify reject cert.
func (f *Provider) Revoke(cert string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Revoked[cert] = true
}

// caMarker extracts the CA identity line from a fake CA PEM.
func caMarker(pem string) string {
	for line := range strings.SplitSeq(pem, "\n") {
		if strings.HasPrefix(line, "CA:") {
			return line
		}
	}
	return ""
}

// SetFailVerify toggles verification errors.
func (f *Provider) SetFailVerify(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailVerify = fail
}
