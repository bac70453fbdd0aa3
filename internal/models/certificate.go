package models

import (
	"time"
)

// Certificate is a signed identity for one host, issued by one CA.
// Rows are never deleted; a newer certificate supersedes older ones by
// clearing their Active flag.
type Certificate struct {
	ID          int64
	HostID      int64
	CAID        int64
	Fingerprint string // host-identifying label, currently the hostname
	Certificate string // PEM
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Active      bool
	Blocked     bool
}

// IsExpired reports whether the certificate has expired at now.
func (c *Certificate) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Newer reports whether c should be preferred over other as a host's latest
// certificate: later expiry wins, ties go to the most recently inserted row.
func (c *Certificate) Newer(other *Certificate) bool {
	if !c.ExpiresAt.Equal(other.ExpiresAt) {
		return c.ExpiresAt.After(other.ExpiresAt)
	}
	return c.ID > other.ID
}
