// Package seed loads hosts and config templates from a YAML file into a
// trust store. It provisions the in-memory store at startup and backs the
// server's admin commands.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/store"
)

// File is the seed file layout.
type File struct {
	Templates []Template `yaml:"templates"`
	Hosts     []Host     `yaml:"hosts"`
}

// Template is a config template given inline or by path relative to the seed file.
type Template struct {
	Name string `yaml:"name"`
	Body string `yaml:"body"`
	File string `yaml:"file"`
}

// Host is a host to provision.
type Host struct {
	Hostname       string   `yaml:"hostname"`
	OverlayIP      string   `yaml:"overlay_ip"`
	Tags           []string `yaml:"tags"`
	ConfigTemplate string   `yaml:"config_template"`
	Token          string   `yaml:"token"`
	RotationGroup  string   `yaml:"rotation_group"`
	AllowDownload  bool     `yaml:"allow_download"`
	Active         *bool    `yaml:"active"` // Default: true
}

// Load reads and validates a seed file. Template files are resolved relative
// to the seed file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	dir := filepath.Dir(path)
	for i := range f.Templates {
		t := &f.Templates[i]
		if t.File == "" {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, t.File))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", t.Name, err)
		}
		t.Body = string(body)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

// Validate checks required fields and that every host names a known template.
func (f *File) Validate() error {
	templates := map[string]bool{}
	for _, t := range f.Templates {
		if t.Name == "" {
			return errors.New("template name is required")
		}
		if t.Body == "" {
			return fmt.Errorf("template %s has no body", t.Name)
		}
		templates[t.Name] = true
	}

	for _, h := range f.Hosts {
		if h.Hostname == "" || h.Token == "" || h.OverlayIP == "" {
			return fmt.Errorf("host %q: hostname, token and overlay_ip are required", h.Hostname)
		}
		if h.ConfigTemplate != "" && !templates[h.ConfigTemplate] {
			log.Warn().Str("hostname", h.Hostname).Str("template", h.ConfigTemplate).
				Msg("host references a template not in the seed file")
		}
	}

	return nil
}

// Model converts the seed entry to a host model.
func (h Host) Model() *models.Host {
	active := true
	if h.Active != nil {
		active = *h.Active
	}

	return &models.Host{
		Hostname:       h.Hostname,
		OverlayIP:      h.OverlayIP,
		Tags:           h.Tags,
		ConfigTemplate: h.ConfigTemplate,
		Token:          h.Token,
		RotationGroup:  h.RotationGroup,
		AllowDownload:  h.AllowDownload,
		Active:         active,
	}
}

// Apply writes the templates and hosts to the store. Templates are replaced;
// hosts that already exist are skipped. It returns the number of hosts created.
func (f *File) Apply(ctx context.Context, st interface {
	store.HostStore
	store.TemplateStore
}) (int, error) {
	for _, t := range f.Templates {
		if err := st.PutTemplate(ctx, &models.ConfigTemplate{Name: t.Name, Body: t.Body}); err != nil {
			return 0, fmt.Errorf("failed to store template %s: %w", t.Name, err)
		}
	}

	created := 0
	for _, h := range f.Hosts {
		err := st.CreateHost(ctx, h.Model())
		switch {
		case errors.Is(err, store.ErrHostAlreadyExists):
			log.Debug().Str("hostname", h.Hostname).Msg("host already exists, skipping")
		case err != nil:
			return created, fmt.Errorf("failed to create host %s: %w", h.Hostname, err)
		default:
			created++
		}
	}

	log.Info().Int("templates", len(f.Templates)).Int("hosts_created", created).Msg("seed applied")

	return created, nil
}
