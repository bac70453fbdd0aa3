package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/nebula-enroll/internal/enroll"
	"github.com/wolfeidau/nebula-enroll/internal/issuer"
	"github.com/wolfeidau/nebula-enroll/internal/pki"
	"github.com/wolfeidau/nebula-enroll/internal/render"
	"github.com/wolfeidau/nebula-enroll/internal/rotation"
	"github.com/wolfeidau/nebula-enroll/internal/seed"
	"github.com/wolfeidau/nebula-enroll/internal/server"
	"github.com/wolfeidau/nebula-enroll/internal/store"
	memorystore "github.com/wolfeidau/nebula-enroll/internal/store/memory"
	postgresstore "github.com/wolfeidau/nebula-enroll/internal/store/postgres"
	"github.com/wolfeidau/nebula-enroll/internal/telemetry"
	"github.com/wolfeidau/nebula-enroll/internal/trust"
)

type ServeCmd struct {
	// Server configuration
	Listen     string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"NEBULA_LISTEN"`
	TLSCert    string `help:"path to TLS cert file" default:"" env:"NEBULA_TLS_CERT"`
	TLSKey     string `help:"path to TLS key file" default:"" env:"NEBULA_TLS_KEY"`
	TrustProxy bool   `help:"use X-Forwarded-For for client addresses in logs" default:"false" env:"NEBULA_TRUST_PROXY"`

	// Telemetry
	Tracing     bool    `help:"enable tracing and metrics export" default:"false" env:"NEBULA_TRACING"`
	SampleRatio float64 `help:"trace sample ratio" default:"1" env:"NEBULA_TRACE_SAMPLE_RATIO"`

	// Store configuration
	StoreType   string        `help:"store type (memory or postgres)" default:"memory" env:"NEBULA_STORE_TYPE" enum:"memory,postgres"`
	SeedFile    string        `help:"YAML file of hosts and templates loaded at startup" type:"existingfile" env:"NEBULA_SEED_FILE"`
	AutoMigrate bool          `help:"run database migrations on startup" default:"false" env:"NEBULA_POSTGRES_AUTO_MIGRATE"`
	PoolStats   time.Duration `help:"interval for logging connection pool stats (0 disables)" default:"0s" env:"NEBULA_POSTGRES_POOL_STATS"`
	Postgres    PostgresFlags `embed:"" prefix:"postgres-"`

	CA   CAFlags   `embed:"" prefix:"ca-"`
	Cert CertFlags `embed:"" prefix:"cert-"`
}

type CAFlags struct {
	TTLDays           int           `help:"lifetime of generated CAs in days" default:"365" env:"NEBULA_CA_TTL_DAYS"`
	Name              string        `help:"name of generated CAs" default:"Nebula CA" env:"NEBULA_CA_NAME"`
	RotationGroup     string        `help:"rotation group for hosts without one" default:"default" env:"NEBULA_CA_ROTATION_GROUP"`
	Dir               string        `help:"directory holding CA key material" default:"./ca" env:"NEBULA_CA_DIR"`
	RotationThreshold time.Duration `help:"rotate the active CA when it expires within this window" default:"2160h" env:"NEBULA_ROTATION_THRESHOLD"`
}

type CertFlags struct {
	Bin         string        `help:"path to the nebula-cert binary" default:"nebula-cert" env:"NEBULA_CERT_BIN"`
	Timeout     time.Duration `help:"timeout for each nebula-cert invocation" default:"30s" env:"NEBULA_CERT_TIMEOUT"`
	Concurrency int64         `help:"maximum concurrent nebula-cert invocations" default:"4" env:"NEBULA_CERT_CONCURRENCY"`
	TTL         time.Duration `help:"host certificate lifetime (0 = until the signing CA expires)" default:"0s" env:"NEBULA_CERT_TTL"`
	StagingDir  string        `help:"scratch directory for per-host certificate files" default:"./staging" env:"NEBULA_STAGING_DIR"`
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := setupLogger(globals)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "nebula-enroll",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	trustStore, closeStore, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if c.SeedFile != "" {
		f, err := seed.Load(c.SeedFile)
		if err != nil {
			return err
		}
		if _, err := f.Apply(ctx, trustStore); err != nil {
			return err
		}
	}

	provider, err := pki.NewNebulaCert(pki.NebulaCertConfig{
		Binary:        c.Cert.Bin,
		Timeout:       c.Cert.Timeout,
		MaxConcurrent: c.Cert.Concurrency,
	})
	if err != nil {
		return err
	}

	policy, err := rotation.NewPolicy(rotation.Config{
		Threshold:    c.CA.RotationThreshold,
		CATTL:        time.Duration(c.CA.TTLDays) * 24 * time.Hour,
		CAName:       c.CA.Name,
		CADir:        c.CA.Dir,
		DefaultGroup: c.CA.RotationGroup,
	}, trustStore, provider)
	if err != nil {
		return err
	}

	iss, err := issuer.New(issuer.Config{
		CertTTL:    c.Cert.TTL,
		StagingDir: c.Cert.StagingDir,
	}, trustStore, trust.NewResolver(trustStore), provider)
	if err != nil {
		return err
	}

	svc := enroll.NewService(trustStore, policy, iss, render.NewRenderer(trustStore))

	handler := server.NewServer(svc, c.TrustProxy).Handler(log)
	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "nebula-enroll")
	}

	srv := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("tls", c.TLSCert != "").Str("store", c.StoreType).Msg("Starting HTTP server")
		if c.TLSCert != "" || c.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(c.TLSCert, c.TLSKey)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func (c *ServeCmd) openStore(ctx context.Context) (store.TrustStore, func(), error) {
	switch c.StoreType {
	case "postgres":
		pool, err := c.Postgres.open(ctx)
		if err != nil {
			return nil, nil, err
		}

		if c.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		if c.PoolStats > 0 {
			go postgresstore.MonitorPool(ctx, pool, c.PoolStats)
		}

		return postgresstore.NewTrustStore(pool), pool.Close, nil

	default:
		return memorystore.NewTrustStore(), func() {}, nil
	}
}
