package models

import "time"

// ConfigTemplate is a named nebula configuration with placeholders for the
// host certificate, host key and CA block.
type ConfigTemplate struct {
	ID          int64
	Name        string
	Body        string
	LastUpdated time.Time
}
