// Package trust assembles the set of CA certificates a rotation group
// currently trusts.
package trust

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/store"
)

// Resolver computes trust anchors from the CA store.
type Resolver struct {
	cas store.CAStore
}

// NewResolver creates a Resolver over the CA store.
func NewResolver(cas store.CAStore) *Resolver {
	return &Resolver{cas: cas}
}

// Resolve returns every unexpired CA in the rotation group, newest first.
// The result may be empty. During a rotation window it holds both the
// outgoing and the incoming CA.
func (r *Resolver) Resolve(ctx context.Context, rotationGroup string, now time.Time) ([]*models.CertificateAuthority, error) {
	cas, err := r.cas.ListValidCAs(ctx, rotationGroup, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list valid CAs: %w", err)
	}

	// the store filters too, but its clock and ours can disagree
	valid := make([]*models.CertificateAuthority, 0, len(cas))
	for _, ca := range cas {
		if !ca.IsExpired(now) {
			valid = append(valid, ca)
		}
	}

	return valid, nil
}

// Bundle concatenates the CA certificates into a single PEM bundle suitable
// for nebula-cert verify -ca.
func Bundle(cas []*models.CertificateAuthority) []byte {
	var b strings.Builder
	for _, ca := range cas {
		b.WriteString(ca.Certificate)
		if !strings.HasSuffix(ca.Certificate, "\n") {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}
