package models

import (
	"time"
)

// Host represents a mesh node that may request a certificate.
// Hosts are provisioned by an operator and are never deleted, only deactivated.
type Host struct {
	ID             int64
	Hostname       string   // Unique, used as the certificate name
	OverlayIP      string   // CIDR form, e.g. "10.42.0.7/16"
	Tags           []string // Passed to the signer as nebula groups
	ConfigTemplate string   // Name of the ConfigTemplate rendered for this host
	Token          string   // Enrollment token, unique
	RotationGroup  string   // CA rotation group
	AllowDownload  bool     // Recorded for operators, not consulted when issuing
	Active         bool
	LastUpdated    time.Time
}

// IsActive returns true if the host may be issued certificates.
func (h *Host) IsActive() bool {
	return h.Active
}

// TokenPrefix returns a short prefix of the enrollment token, safe to log.
func TokenPrefix(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "..."
}
