package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/store"
)

var _ store.TrustStore = (*TrustStore)(nil)

// TrustStore is an in-memory implementation of store.TrustStore for development and testing.
// A single lock guards all tables so supersession is atomic with respect to readers.
type TrustStore struct {
	mu sync.RWMutex

	nextID int64

	hosts        map[int64]*models.Host
	hostsByToken map[string]*models.Host
	hostsByName  map[string]*models.Host
	cas          []*models.CertificateAuthority
	certs        []*models.Certificate
	templates    map[string]*models.ConfigTemplate
}

// NewTrustStore creates a new in-memory trust store
func NewTrustStore() *TrustStore {
	return &TrustStore{
		hosts:        make(map[int64]*models.Host),
		hostsByToken: make(map[string]*models.Host),
		hostsByName:  make(map[string]*models.Host),
		templates:    make(map[string]*models.ConfigTemplate),
	}
}

func (s *TrustStore) id() int64 {
	s.nextID++
	return s.nextID
}

// FindHostByToken returns the host holding the enrollment token.
func (s *TrustStore) FindHostByToken(ctx context.Context, token string) (*models.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	host, exists := s.hostsByToken[token]
	if !exists {
		return nil, store.ErrHostNotFound
	}

	return copyHost(host), nil
}

// CreateHost inserts a host, rejecting duplicate hostnames or tokens.
func (s *TrustStore) CreateHost(ctx context.Context, host *models.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hostsByName[host.Hostname]; exists {
		return store.ErrHostAlreadyExists
	}
	if _, exists := s.hostsByToken[host.Token]; exists {
		return store.ErrHostAlreadyExists
	}

	host.ID = s.id()
	if host.LastUpdated.IsZero() {
		host.LastUpdated = time.Now()
	}

	stored := copyHost(host)
	s.hosts[stored.ID] = stored
	s.hostsByToken[stored.Token] = stored
	s.hostsByName[stored.Hostname] = stored

	return nil
}

// FindActiveCA returns the latest-issued active CA for the rotation group.
func (s *TrustStore) FindActiveCA(ctx context.Context, rotationGroup string) (*models.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.CertificateAuthority
	for _, ca := range s.cas {
		if ca.RotationGroup != rotationGroup || !ca.Active {
			continue
		}
		if found == nil || ca.IssuedAt.After(found.IssuedAt) ||
			(ca.IssuedAt.Equal(found.IssuedAt) && ca.ID > found.ID) {
			found = ca
		}
	}

	if found == nil {
		return nil, store.ErrCANotFound
	}

	cp := *found
	return &cp, nil
}

// ListValidCAs returns the unexpired CAs of the group, newest first.
func (s *TrustStore) ListValidCAs(ctx context.Context, rotationGroup string, now time.Time) ([]*models.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*models.CertificateAuthority{}
	for _, ca := range s.cas {
		if ca.RotationGroup != rotationGroup || ca.IsExpired(now) {
			continue
		}
		cp := *ca
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].IssuedAt.Equal(result[j].IssuedAt) {
			return result[i].IssuedAt.After(result[j].IssuedAt)
		}
		return result[i].ID > result[j].ID
	})

	return result, nil
}

// InsertCA stores the CA; an active CA supersedes the group's previous active CA.
func (s *TrustStore) InsertCA(ctx context.Context, ca *models.CertificateAuthority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ca.ID = s.id()
	if ca.IssuedAt.IsZero() {
		ca.IssuedAt = time.Now()
	}

	cp := *ca
	s.cas = append(s.cas, &cp)

	if ca.Active {
		s.deactivateCAs(ca.RotationGroup, ca.ID)
	}

	return nil
}

// DeactivatePriorCAs clears the active flag on every CA in the group except keepID.
func (s *TrustStore) DeactivatePriorCAs(ctx context.Context, rotationGroup string, keepID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivateCAs(rotationGroup, keepID)
	return nil
}

func (s *TrustStore) deactivateCAs(rotationGroup string, keepID int64) {
	for _, ca := range s.cas {
		if ca.RotationGroup == rotationGroup && ca.ID != keepID {
			ca.Active = false
		}
	}
}

// LatestCertificate returns the host's active certificate with the latest expiry.
func (s *TrustStore) LatestCertificate(ctx context.Context, hostID int64) (*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Certificate
	for _, cert := range s.certs {
		if cert.HostID != hostID || !cert.Active {
			continue
		}
		if latest == nil || cert.Newer(latest) {
			latest = cert
		}
	}

	if latest == nil {
		return nil, store.ErrCertificateNotFound
	}

	cp := *latest
	return &cp, nil
}

// InsertCertificate stores the certificate; an active certificate supersedes the host's others.
func (s *TrustStore) InsertCertificate(ctx context.Context, cert *models.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hosts[cert.HostID]; !exists {
		return store.ErrHostNotFound
	}

	cert.ID = s.id()
	if cert.IssuedAt.IsZero() {
		cert.IssuedAt = time.Now()
	}

	cp := *cert
	s.certs = append(s.certs, &cp)

	if cert.Active {
		s.deactivateCerts(cert.HostID, cert.ID)
	}

	return nil
}

// DeactivatePriorCertificates clears the active flag on the host's certificates except keepID.
func (s *TrustStore) DeactivatePriorCertificates(ctx context.Context, hostID int64, keepID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivateCerts(hostID, keepID)
	return nil
}

func (s *TrustStore) deactivateCerts(hostID int64, keepID int64) {
	for _, cert := range s.certs {
		if cert.HostID == hostID && cert.ID != keepID {
			cert.Active = false
		}
	}
}

// GetTemplate returns the named config template.
func (s *TrustStore) GetTemplate(ctx context.Context, name string) (*models.ConfigTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tmpl, exists := s.templates[name]
	if !exists {
		return nil, store.ErrTemplateNotFound
	}

	cp := *tmpl
	return &cp, nil
}

// PutTemplate creates or replaces the named config template.
func (s *TrustStore) PutTemplate(ctx context.Context, tmpl *models.ConfigTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.templates[tmpl.Name]; exists {
		tmpl.ID = existing.ID
	} else {
		tmpl.ID = s.id()
	}
	tmpl.LastUpdated = time.Now()

	cp := *tmpl
	s.templates[tmpl.Name] = &cp

	return nil
}

// Certificates returns every certificate row of the host, including superseded ones.
// Used by tests and operator tooling to inspect the audit trail.
func (s *TrustStore) Certificates(hostID int64) []*models.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Certificate
	for _, cert := range s.certs {
		if cert.HostID == hostID {
			cp := *cert
			result = append(result, &cp)
		}
	}
	return result
}

// CAs returns every CA row of the group, including inactive and expired ones.
func (s *TrustStore) CAs(rotationGroup string) []*models.CertificateAuthority {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.CertificateAuthority
	for _, ca := range s.cas {
		if ca.RotationGroup == rotationGroup {
			cp := *ca
			result = append(result, &cp)
		}
	}
	return result
}

// copyHost creates a deep copy of a host
func copyHost(h *models.Host) *models.Host {
	cp := *h
	cp.Tags = append([]string(nil), h.Tags...)
	return &cp
}
