package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/wolfeidau/nebula-enroll/internal/logger"
	postgresstore "github.com/wolfeidau/nebula-enroll/internal/store/postgres"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      2 * time.Minute, // covers CA generation plus signing
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

type PostgresFlags struct {
	ConnString      string        `help:"PostgreSQL connection string" env:"DATABASE_URL"`
	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
}

func (p *PostgresFlags) Validate() error {
	if p.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or DATABASE_URL)")
	}
	return nil
}

func (p *PostgresFlags) open(ctx context.Context) (*pgxpool.Pool, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
		ConnString:      p.ConnString,
		MaxConns:        p.MaxConns,
		MinConns:        p.MinConns,
		MaxConnLifetime: p.MaxConnLifetime,
		MaxConnIdleTime: p.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return pool, nil
}

// withPostgres opens a pool, attaches logger to ctx and runs fn.
func withPostgres(globals *Globals, flags *PostgresFlags, fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	log := setupLogger(globals)
	ctx := log.WithContext(context.Background())

	pool, err := flags.open(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, pool)
}

// setupLogger installs the root logger as the global and default context logger.
func setupLogger(globals *Globals) zerolog.Logger {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log
	zerolog.DefaultContextLogger = &log
	return log
}
