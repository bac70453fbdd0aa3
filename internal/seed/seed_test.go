package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/nebula-enroll/internal/store/memory"
)

const seedYAML = `
templates:
  - name: default
    file: default.yml
  - name: inline
    body: "cert: $host_cert"
hosts:
  - hostname: node1
    overlay_ip: 10.42.0.7/16
    tags: [servers, ssh]
    config_template: default
    token: tok-node1-0123456789
  - hostname: node2
    overlay_ip: 10.42.0.8/16
    config_template: inline
    token: tok-node2-0123456789
    rotation_group: edge
    active: false
`

func writeSeed(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.yml"), []byte("pki:\n  cert: $host_cert\n"), 0o600))
	path := filepath.Join(dir, "seed.yml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	return path
}

func TestLoadAndApply(t *testing.T) {
	ctx := context.Background()

	f, err := Load(writeSeed(t))
	require.NoError(t, err)
	require.Len(t, f.Templates, 2)
	require.Equal(t, "pki:\n  cert: $host_cert\n", f.Templates[0].Body)

	st := memory.NewTrustStore()

	created, err := f.Apply(ctx, st)
	require.NoError(t, err)
	require.Equal(t, 2, created)

	host, err := st.FindHostByToken(ctx, "tok-node1-0123456789")
	require.NoError(t, err)
	require.True(t, host.Active)
	require.Equal(t, []string{"servers", "ssh"}, host.Tags)

	host, err = st.FindHostByToken(ctx, "tok-node2-0123456789")
	require.NoError(t, err)
	require.False(t, host.Active)
	require.Equal(t, "edge", host.RotationGroup)

	tmpl, err := st.GetTemplate(ctx, "inline")
	require.NoError(t, err)
	require.Equal(t, "cert: $host_cert", tmpl.Body)

	// applying twice skips existing hosts
	created, err = f.Apply(ctx, st)
	require.NoError(t, err)
	require.Zero(t, created)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "malformed", yaml: "hosts: ["},
		{name: "template without body", yaml: "templates:\n  - name: x\n"},
		{name: "host without token", yaml: "hosts:\n  - hostname: a\n    overlay_ip: 10.0.0.1/24\n"},
		{name: "missing template file", yaml: "templates:\n  - name: x\n    file: nope.yml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "seed.yml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := Load(path)
			require.Error(t, err)
		})
	}
}
