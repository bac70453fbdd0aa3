package rotation

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/pki/pkitest"
	"github.com/wolfeidau/nebula-enroll/internal/store/memory"
	"github.com/wolfeidau/nebula-enroll/internal/trust"
)

const day = 24 * time.Hour

func newPolicy(t *testing.T) (*Policy, *memory.TrustStore, *pkitest.Provider) {
	t.Helper()

	s := memory.NewTrustStore()
	provider := pkitest.New()

	p, err := NewPolicy(Config{CADir: t.TempDir()}, s, provider)
	require.NoError(t, err)

	return p, s, provider
}

func activeCount(cas []*models.CertificateAuthority) int {
	n := 0
	for _, ca := range cas {
		if ca.Active {
			n++
		}
	}
	return n
}

func TestConfig(t *testing.T) {
	cfg := Config{CADir: "/tmp/ca"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 90*day, cfg.Threshold)
	require.Equal(t, 365*day, cfg.CATTL)
	require.Equal(t, "Nebula CA", cfg.CAName)
	require.Equal(t, "default", cfg.DefaultGroup)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing dir", cfg: Config{}},
		{name: "ttl inside threshold", cfg: Config{CADir: "/tmp", CATTL: 30 * day}},
		{name: "bad default group", cfg: Config{CADir: "/tmp", DefaultGroup: "../x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()
			require.Error(t, tt.cfg.Validate())
		})
	}
}

func TestPolicy_Ensure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("generates first CA", func(t *testing.T) {
		p, s, provider := newPolicy(t)

		ca, err := p.Ensure(ctx, "", now)
		require.NoError(t, err)
		require.True(t, ca.Active)
		require.Equal(t, "default", ca.RotationGroup)
		require.Equal(t, "Nebula CA", ca.Name)
		require.Equal(t, now.Add(365*day), ca.ExpiresAt)
		require.DirExists(t, ca.KeyDir)
		require.Equal(t, int32(1), provider.GenerateCalls.Load())
		require.Len(t, s.CAs("default"), 1)
	})

	t.Run("fresh CA is reused", func(t *testing.T) {
		p, _, provider := newPolicy(t)

		first, err := p.Ensure(ctx, "default", now)
		require.NoError(t, err)

		second, err := p.Ensure(ctx, "default", now.Add(200*day))
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, int32(1), provider.GenerateCalls.Load())
	})

	t.Run("near expiry rotates and keeps outgoing as anchor", func(t *testing.T) {
		p, s, _ := newPolicy(t)

		first, err := p.Ensure(ctx, "default", now)
		require.NoError(t, err)

		later := now.Add(300 * day) // 65 days left
		second, err := p.Ensure(ctx, "default", later)
		require.NoError(t, err)
		require.NotEqual(t, first.ID, second.ID)
		require.Equal(t, later.Add(365*day), second.ExpiresAt)

		cas := s.CAs("default")
		require.Len(t, cas, 2)
		require.Equal(t, 1, activeCount(cas))

		anchors, err := trust.NewResolver(s).Resolve(ctx, "default", later)
		require.NoError(t, err)
		require.Len(t, anchors, 2)
		require.Equal(t, second.ID, anchors[0].ID)
		require.Equal(t, first.ID, anchors[1].ID)
	})

	t.Run("exactly at threshold rotates", func(t *testing.T) {
		p, _, provider := newPolicy(t)

		_, err := p.Ensure(ctx, "default", now)
		require.NoError(t, err)

		_, err = p.Ensure(ctx, "default", now.Add(275*day))
		require.NoError(t, err)
		require.Equal(t, int32(2), provider.GenerateCalls.Load())
	})

	t.Run("expired CA rotates", func(t *testing.T) {
		p, _, _ := newPolicy(t)

		first, err := p.Ensure(ctx, "default", now)
		require.NoError(t, err)

		second, err := p.Ensure(ctx, "default", now.Add(400*day))
		require.NoError(t, err)
		require.NotEqual(t, first.ID, second.ID)
	})

	t.Run("generation failure without CA is fatal", func(t *testing.T) {
		p, s, provider := newPolicy(t)
		provider.SetFailGenerate(true)

		_, err := p.Ensure(ctx, "default", now)
		require.ErrorIs(t, err, ErrNoActiveCA)
		require.Empty(t, s.CAs("default"))

		// no key directory is left behind
		entries, _ := os.ReadDir(filepath.Join(p.cfg.CADir, "default"))
		require.Empty(t, entries)
	})

	t.Run("replacement failure keeps current CA", func(t *testing.T) {
		p, s, provider := newPolicy(t)

		first, err := p.Ensure(ctx, "default", now)
		require.NoError(t, err)

		provider.SetFailGenerate(true)
		ca, err := p.Ensure(ctx, "default", now.Add(300*day))
		require.NoError(t, err)
		require.Equal(t, first.ID, ca.ID)
		require.Len(t, s.CAs("default"), 1)

		provider.SetFailGenerate(false)
		ca, err = p.Ensure(ctx, "default", now.Add(300*day))
		require.NoError(t, err)
		require.NotEqual(t, first.ID, ca.ID)
	})

	t.Run("groups are independent", func(t *testing.T) {
		p, s, _ := newPolicy(t)

		a, err := p.Ensure(ctx, "alpha", now)
		require.NoError(t, err)
		b, err := p.Ensure(ctx, "beta", now)
		require.NoError(t, err)

		require.NotEqual(t, a.ID, b.ID)
		require.Len(t, s.CAs("alpha"), 1)
		require.Len(t, s.CAs("beta"), 1)
	})

	t.Run("rejects group that escapes the CA directory", func(t *testing.T) {
		p, _, provider := newPolicy(t)

		_, err := p.Ensure(ctx, "../etc", now)
		require.ErrorIs(t, err, ErrInvalidGroup)
		require.Zero(t, provider.GenerateCalls.Load())
	})
}

func TestPolicy_EnsureConcurrent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p, s, provider := newPolicy(t)

	_, err := p.Ensure(ctx, "default", now)
	require.NoError(t, err)

	later := now.Add(300 * day)

	var wg sync.WaitGroup
	ids := make([]int64, 16)
	errs := make([]error, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ca, err := p.Ensure(ctx, "default", later)
			errs[i] = err
			if err == nil {
				ids[i] = ca.ID
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	// one rotation, every caller sees the replacement
	require.Equal(t, int32(2), provider.GenerateCalls.Load())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	cas := s.CAs("default")
	require.Len(t, cas, 2)
	require.Equal(t, 1, activeCount(cas))
}
