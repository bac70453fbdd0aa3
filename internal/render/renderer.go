// Package render produces a host's nebula configuration from a stored template.
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/store"
)

// Placeholder names recognised in config templates.
const (
	HostCertKey = "host_cert"
	HostKeyKey  = "host_key"
	CABlockKey  = "ca_block"
)

// caEntryHeader prefixes every CA certificate in the CA block.
const caEntryHeader = "ca: |\n"

// ErrTemplateNotFound indicates the host's config template does not exist.
var ErrTemplateNotFound = errors.New("config template not found")

// Renderer renders config templates.
type Renderer struct {
	templates store.TemplateStore
}

// NewRenderer creates a Renderer over the template store.
func NewRenderer(templates store.TemplateStore) *Renderer {
	return &Renderer{templates: templates}
}

// Render looks up the named template and substitutes the host certificate,
// the host key and the CA block built from cas, in the order given.
func (r *Renderer) Render(ctx context.Context, templateName, certPEM, keyPEM string, cas []*models.CertificateAuthority) (string, error) {
	tmpl, err := r.templates.GetTemplate(ctx, templateName)
	if err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, templateName)
		}
		return "", fmt.Errorf("failed to load config template: %w", err)
	}

	return Substitute(tmpl.Body, map[string]string{
		HostCertKey: certPEM,
		HostKeyKey:  keyPEM,
		CABlockKey:  CABlock(cas),
	}), nil
}

// CABlock concatenates the CA certificates, each preceded by the chain entry
// header and followed by a newline.
func CABlock(cas []*models.CertificateAuthority) string {
	var b strings.Builder
	for _, ca := range cas {
		b.WriteString(caEntryHeader)
		b.WriteString(ca.Certificate)
		b.WriteByte('\n')
	}
	return b.String()
}
