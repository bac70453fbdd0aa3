package pki

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrInvalidHostname indicates a hostname that cannot be used as a staging path.
var ErrInvalidHostname = errors.New("invalid hostname")

// hostnamePattern allows the characters of a DNS name; it rejects path
// separators and anything else that could escape the staging root.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Staging owns the root directory holding per-host scratch files passed to
// and from nebula-cert.
type Staging struct {
	root string
}

// NewStaging creates the staging root if needed.
func NewStaging(root string) (*Staging, error) {
	if root == "" {
		return nil, errors.New("staging directory is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Staging{root: root}, nil
}

// Open returns the workspace for hostname, removing leftovers from an
// earlier request. Callers must serialize Open/Remove per hostname and
// call Remove on every exit path.
func (s *Staging) Open(hostname string) (*Workspace, error) {
	if !hostnamePattern.MatchString(hostname) || hostname == "." || hostname == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHostname, hostname)
	}

	dir := filepath.Join(s.root, hostname)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear staging workspace: %w", err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging workspace: %w", err)
	}

	return &Workspace{dir: dir, hostname: hostname}, nil
}

// Workspace is one host's scratch directory for a single request.
type Workspace struct {
	dir      string
	hostname string
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// PublicKeyPath is where the host's public key is staged for signing.
func (w *Workspace) PublicKeyPath() string { return filepath.Join(w.dir, w.hostname+".pub") }

// PresentedCertPath is where a certificate presented for verification is staged.
func (w *Workspace) PresentedCertPath() string { return filepath.Join(w.dir, w.hostname+".crt") }

// SignedCertPath is where nebula-cert writes a newly signed certificate.
func (w *Workspace) SignedCertPath() string { return filepath.Join(w.dir, w.hostname+".out.crt") }

// CABundlePath is where the trust anchors are staged for verification.
func (w *Workspace) CABundlePath() string { return filepath.Join(w.dir, "ca.crt") }

// WriteFile writes data to path with owner-only permissions.
func (w *Workspace) WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.dir)
}
