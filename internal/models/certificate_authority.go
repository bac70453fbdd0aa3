package models

import (
	"time"
)

// CertificateAuthority is one signing identity within a rotation group.
//
// At most one CA per rotation group is active at a time. Older CAs in the same
// group stay valid trust anchors until they expire.
type CertificateAuthority struct {
	ID            int64
	Certificate   string // PEM
	Name          string
	RotationGroup string
	KeyDir        string // Directory holding ca.crt and ca.key for signing
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Active        bool
}

// IsExpired reports whether the CA has expired at now.
func (ca *CertificateAuthority) IsExpired(now time.Time) bool {
	return !ca.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the CA expires within d of now.
// An expired CA always expires within d.
func (ca *CertificateAuthority) ExpiresWithin(d time.Duration, now time.Time) bool {
	return ca.ExpiresAt.Sub(now) <= d
}
