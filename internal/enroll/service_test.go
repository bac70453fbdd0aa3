package enroll

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/nebula-enroll/internal/issuer"
	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/pki/pkitest"
	"github.com/wolfeidau/nebula-enroll/internal/render"
	"github.com/wolfeidau/nebula-enroll/internal/rotation"
	"github.com/wolfeidau/nebula-enroll/internal/store/memory"
	"github.com/wolfeidau/nebula-enroll/internal/trust"
)

const (
	day   = 24 * time.Hour
	token = "tok-node1-0123456789"
)

type fixture struct {
	svc      *Service
	store    *memory.TrustStore
	provider *pkitest.Provider
	host     *models.Host
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:    memory.NewTrustStore(),
		provider: pkitest.New(),
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	policy, err := rotation.NewPolicy(rotation.Config{CADir: t.TempDir()}, f.store, f.provider)
	require.NoError(t, err)

	iss, err := issuer.New(issuer.Config{StagingDir: t.TempDir()}, f.store, trust.NewResolver(f.store), f.provider)
	require.NoError(t, err)

	f.svc = NewService(f.store, policy, iss, render.NewRenderer(f.store), WithClock(func() time.Time { return f.now }))

	f.host = &models.Host{
		Hostname:       "node1",
		OverlayIP:      "10.42.0.7/16",
		Tags:           []string{"servers", "ssh"},
		ConfigTemplate: "default",
		Token:          token,
		Active:         true,
	}
	require.NoError(t, f.store.CreateHost(ctx, f.host))
	require.NoError(t, f.store.PutTemplate(ctx, &models.ConfigTemplate{
		Name: "default",
		Body: "pki:\n  cert: $host_cert\n  key: $host_key\n$ca_block",
	}))

	return f
}

func (f *fixture) activeCerts() int {
	n := 0
	for _, c := range f.store.Certificates(f.host.ID) {
		if c.Active {
			n++
		}
	}
	return n
}

func (f *fixture) activeCAs() int {
	n := 0
	for _, ca := range f.store.CAs("default") {
		if ca.Active {
			n++
		}
	}
	return n
}

func TestService_Configure_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Configure(ctx, Request{HostToken: token, PublicKey: "PUBKEY"})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Contains(t, res.HostCert, "HOST:node1")
	require.Contains(t, res.Config, "cert: "+res.HostCert)
	require.Contains(t, res.Config, "key: PUBKEY")
	require.Contains(t, res.Config, "ca: |\n-----BEGIN NEBULA CERTIFICATE-----")

	require.Len(t, f.store.CAs("default"), 1)
	require.Equal(t, 1, f.activeCAs())
	require.Len(t, f.store.Certificates(f.host.ID), 1)
	require.Equal(t, 1, f.activeCerts())

	t.Run("valid certificate is returned unchanged", func(t *testing.T) {
		again, err := f.svc.Configure(ctx, Request{HostToken: token, PublicKey: "PUBKEY", HostCert: res.HostCert})
		require.NoError(t, err)
		require.False(t, again.Created)
		require.Equal(t, res.HostCert, again.HostCert)
		require.Len(t, f.store.Certificates(f.host.ID), 1)
	})

	t.Run("invalid certificate is replaced and prior kept inactive", func(t *testing.T) {
		f.provider.Revoke(res.HostCert)

		again, err := f.svc.Configure(ctx, Request{HostToken: token, PublicKey: "PUBKEY", HostCert: res.HostCert})
		require.NoError(t, err)
		require.True(t, again.Created)
		require.NotEqual(t, res.HostCert, again.HostCert)

		certs := f.store.Certificates(f.host.ID)
		require.Len(t, certs, 2)
		require.Equal(t, 1, f.activeCerts())
	})
}

func TestService_Configure_RotationWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Configure(ctx, Request{HostToken: token, PublicKey: "PUBKEY"})
	require.NoError(t, err)

	f.now = f.now.Add(300 * day)

	res, err := f.svc.Configure(ctx, Request{HostToken: token, PublicKey: "PUBKEY", HostCert: first.HostCert})
	require.NoError(t, err)
	require.False(t, res.Created, "certificate from the outgoing CA is still trusted")
	require.Len(t, f.store.CAs("default"), 2)
	require.Equal(t, 1, f.activeCAs())

	require.Equal(t, 2, strings.Count(res.Config, "ca: |\n"))
}

func TestService_Configure_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(f *fixture)
		req   Request
		kind  Kind
	}{
		{name: "missing token", req: Request{PublicKey: "PUBKEY"}, kind: KindValidation},
		{name: "missing key", req: Request{HostToken: token}, kind: KindValidation},
		{name: "blank key", req: Request{HostToken: token, PublicKey: "  "}, kind: KindValidation},
		{name: "unknown token", req: Request{HostToken: "nope", PublicKey: "PUBKEY"}, kind: KindNotFound},
		{
			name: "inactive host",
			setup: func(f *fixture) {
				require.NoError(t, f.store.CreateHost(ctx, &models.Host{
					Hostname: "retired", Token: "tok-retired-000", ConfigTemplate: "default",
				}))
			},
			req:  Request{HostToken: "tok-retired-000", PublicKey: "PUBKEY"},
			kind: KindForbidden,
		},
		{
			name:  "CA generation fails with no CA",
			setup: func(f *fixture) { f.provider.SetFailGenerate(true) },
			req:   Request{HostToken: token, PublicKey: "PUBKEY"},
			kind:  KindRotationFailure,
		},
		{
			name:  "signing fails",
			setup: func(f *fixture) { f.provider.SetFailSign(true) },
			req:   Request{HostToken: token, PublicKey: "PUBKEY"},
			kind:  KindIssuanceFailure,
		},
		{
			name: "template missing",
			setup: func(f *fixture) {
				require.NoError(t, f.store.CreateHost(ctx, &models.Host{
					Hostname: "orphan", Token: "tok-orphan-000", ConfigTemplate: "missing", Active: true,
				}))
			},
			req:  Request{HostToken: "tok-orphan-000", PublicKey: "PUBKEY"},
			kind: KindRender,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.svc.Configure(ctx, tt.req)
			require.Error(t, err)
			require.Equal(t, tt.kind, KindOf(err))

			var e *Error
			require.ErrorAs(t, err, &e)
			require.NotEmpty(t, e.Msg)
		})
	}
}

func TestService_Configure_NoSideEffects(t *testing.T) {
	ctx := context.Background()

	for _, req := range []Request{
		{PublicKey: "PUBKEY"},
		{HostToken: "unknown", PublicKey: "PUBKEY"},
	} {
		f := newFixture(t)

		_, err := f.svc.Configure(ctx, req)
		require.Error(t, err)
		require.Empty(t, f.store.CAs("default"))
		require.Empty(t, f.store.Certificates(f.host.ID))
		require.Zero(t, f.provider.GenerateCalls.Load())
		require.Zero(t, f.provider.SignCalls.Load())
	}
}

func TestService_Configure_RotationFailureKeepsServing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Configure(ctx, Request{HostToken: token, PublicKey: "PUBKEY"})
	require.NoError(t, err)

	f.provider.SetFailGenerate(true)
	f.now = f.now.Add(300 * day)

	res, err := f.svc.Configure(ctx, Request{HostToken: token, PublicKey: "PUBKEY"})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Len(t, f.store.CAs("default"), 1)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, KindIO, KindOf(newError(KindIO, "x", nil)))

	wrapped := errors.Join(errors.New("context"), newError(KindStorage, "x", nil))
	require.Equal(t, KindStorage, KindOf(wrapped))

	e := newError(KindIssuanceFailure, "failed", issuer.ErrSignFailed)
	require.ErrorIs(t, e, issuer.ErrSignFailed)
	require.Equal(t, "issuance_failure: failed: certificate signing failed", e.Error())
}

func TestService_Configure_IgnoresAllowDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.False(t, f.host.AllowDownload)

	res, err := f.svc.Configure(ctx, Request{HostToken: token, PublicKey: "PUBKEY"})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, 1, f.activeCerts())
}
