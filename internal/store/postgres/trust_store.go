package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/nebula-enroll/internal/models"
	"github.com/wolfeidau/nebula-enroll/internal/store"
)

var _ store.TrustStore = (*TrustStore)(nil)

// Advisory lock namespaces, combined with the rotation group or host ID.
const (
	lockNamespaceCA   = "nebula-ca:"
	lockNamespaceCert = "nebula-cert:"
)

// TrustStore implements store.TrustStore using PostgreSQL.
//
// Supersession runs in one transaction under a transaction-scoped advisory lock
// for the rotation group or host, so concurrent instances serialize on the same
// key. Partial unique indexes reject any write that would leave two active rows.
type TrustStore struct {
	pool *pgxpool.Pool
}

// NewTrustStore creates a new PostgreSQL-backed trust store.
func NewTrustStore(pool *pgxpool.Pool) *TrustStore {
	return &TrustStore{
		pool: pool,
	}
}

// FindHostByToken returns the host holding the enrollment token.
func (s *TrustStore) FindHostByToken(ctx context.Context, token string) (*models.Host, error) {
	query := `
		SELECT id, hostname, overlay_ip, tags, config_template, host_token,
			rotation_group, allow_download, active, last_updated
		FROM hosts
		WHERE host_token = $1
	`

	var h models.Host
	err := s.pool.QueryRow(ctx, query, token).Scan(
		&h.ID,
		&h.Hostname,
		&h.OverlayIP,
		&h.Tags,
		&h.ConfigTemplate,
		&h.Token,
		&h.RotationGroup,
		&h.AllowDownload,
		&h.Active,
		&h.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrHostNotFound
		}
		return nil, fmt.Errorf("failed to find host: %w", mapPostgresError(err))
	}

	return &h, nil
}

// CreateHost inserts a host and assigns its ID.
func (s *TrustStore) CreateHost(ctx context.Context, host *models.Host) error {
	if host.LastUpdated.IsZero() {
		host.LastUpdated = time.Now()
	}
	if host.Tags == nil {
		host.Tags = []string{}
	}

	query := `
		INSERT INTO hosts (
			hostname, overlay_ip, tags, config_template, host_token,
			rotation_group, allow_download, active, last_updated
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING id
	`

	err := s.pool.QueryRow(ctx, query,
		host.Hostname,
		host.OverlayIP,
		host.Tags,
		host.ConfigTemplate,
		host.Token,
		host.RotationGroup,
		host.AllowDownload,
		host.Active,
		host.LastUpdated,
	).Scan(&host.ID)
	if err != nil {
		err = mapPostgresError(err)
		if errors.Is(err, store.ErrHostAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to create host: %w", err)
	}

	log.Debug().
		Int64("host_id", host.ID).
		Str("hostname", host.Hostname).
		Msg("Created host")

	return nil
}

const caColumns = `id, certificate, name, rotation_group, key_dir, issued_at, expires_at, active`

func scanCA(row pgx.Row) (*models.CertificateAuthority, error) {
	var ca models.CertificateAuthority
	err := row.Scan(
		&ca.ID,
		&ca.Certificate,
		&ca.Name,
		&ca.RotationGroup,
		&ca.KeyDir,
		&ca.IssuedAt,
		&ca.ExpiresAt,
		&ca.Active,
	)
	if err != nil {
		return nil, err
	}
	return &ca, nil
}

// FindActiveCA returns the latest-issued active CA for the rotation group.
func (s *TrustStore) FindActiveCA(ctx context.Context, rotationGroup string) (*models.CertificateAuthority, error) {
	query := `
		SELECT ` + caColumns + `
		FROM certificate_authorities
		WHERE rotation_group = $1 AND active
		ORDER BY issued_at DESC, id DESC
		LIMIT 1
	`

	ca, err := scanCA(s.pool.QueryRow(ctx, query, rotationGroup))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCANotFound
		}
		return nil, fmt.Errorf("failed to find active CA: %w", mapPostgresError(err))
	}

	return ca, nil
}

// ListValidCAs returns the unexpired CAs of the group, newest first.
func (s *TrustStore) ListValidCAs(ctx context.Context, rotationGroup string, now time.Time) ([]*models.CertificateAuthority, error) {
	query := `
		SELECT ` + caColumns + `
		FROM certificate_authorities
		WHERE rotation_group = $1 AND expires_at > $2
		ORDER BY issued_at DESC, id DESC
	`

	rows, err := s.pool.Query(ctx, query, rotationGroup, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list CAs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	cas := []*models.CertificateAuthority{}
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan CA: %w", err)
		}
		cas = append(cas, ca)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating CAs: %w", mapPostgresError(err))
	}

	return cas, nil
}

// InsertCA stores the CA; an active CA supersedes the group's previous active CA
// in the same transaction.
func (s *TrustStore) InsertCA(ctx context.Context, ca *models.CertificateAuthority) error {
	if ca.IssuedAt.IsZero() {
		ca.IssuedAt = time.Now()
	}

	err := s.withLock(ctx, lockNamespaceCA+ca.RotationGroup, func(tx pgx.Tx) error {
		if ca.Active {
			// Deactivate first so the partial unique index never sees two active rows
			if _, err := tx.Exec(ctx, `
				UPDATE certificate_authorities SET active = false
				WHERE rotation_group = $1 AND active
			`, ca.RotationGroup); err != nil {
				return err
			}
		}

		return tx.QueryRow(ctx, `
			INSERT INTO certificate_authorities (
				certificate, name, rotation_group, key_dir, issued_at, expires_at, active
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7
			)
			RETURNING id
		`,
			ca.Certificate,
			ca.Name,
			ca.RotationGroup,
			ca.KeyDir,
			ca.IssuedAt,
			ca.ExpiresAt,
			ca.Active,
		).Scan(&ca.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to insert CA: %w", mapPostgresError(err))
	}

	log.Debug().
		Int64("ca_id", ca.ID).
		Str("rotation_group", ca.RotationGroup).
		Bool("active", ca.Active).
		Msg("Inserted CA")

	return nil
}

// DeactivatePriorCAs clears the active flag on every CA in the group except keepID.
func (s *TrustStore) DeactivatePriorCAs(ctx context.Context, rotationGroup string, keepID int64) error {
	err := s.withLock(ctx, lockNamespaceCA+rotationGroup, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE certificate_authorities SET active = false
			WHERE rotation_group = $1 AND id <> $2 AND active
		`, rotationGroup, keepID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to deactivate CAs: %w", mapPostgresError(err))
	}
	return nil
}

// LatestCertificate returns the host's active certificate with the latest expiry.
func (s *TrustStore) LatestCertificate(ctx context.Context, hostID int64) (*models.Certificate, error) {
	query := `
		SELECT id, host_id, ca_id, fingerprint, certificate, issued_at, expires_at, active, blocked
		FROM certificates
		WHERE host_id = $1 AND active
		ORDER BY expires_at DESC, id DESC
		LIMIT 1
	`

	var c models.Certificate
	err := s.pool.QueryRow(ctx, query, hostID).Scan(
		&c.ID,
		&c.HostID,
		&c.CAID,
		&c.Fingerprint,
		&c.Certificate,
		&c.IssuedAt,
		&c.ExpiresAt,
		&c.Active,
		&c.Blocked,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCertificateNotFound
		}
		return nil, fmt.Errorf("failed to get latest certificate: %w", mapPostgresError(err))
	}

	return &c, nil
}

// InsertCertificate stores the certificate; an active certificate supersedes the
// host's other certificates in the same transaction.
func (s *TrustStore) InsertCertificate(ctx context.Context, cert *models.Certificate) error {
	if cert.IssuedAt.IsZero() {
		cert.IssuedAt = time.Now()
	}

	err := s.withLock(ctx, fmt.Sprintf("%s%d", lockNamespaceCert, cert.HostID), func(tx pgx.Tx) error {
		if cert.Active {
			if _, err := tx.Exec(ctx, `
				UPDATE certificates SET active = false
				WHERE host_id = $1 AND active
			`, cert.HostID); err != nil {
				return err
			}
		}

		return tx.QueryRow(ctx, `
			INSERT INTO certificates (
				host_id, ca_id, fingerprint, certificate, issued_at, expires_at, active, blocked
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8
			)
			RETURNING id
		`,
			cert.HostID,
			cert.CAID,
			cert.Fingerprint,
			cert.Certificate,
			cert.IssuedAt,
			cert.ExpiresAt,
			cert.Active,
			cert.Blocked,
		).Scan(&cert.ID)
	})
	if err != nil {
		err = mapPostgresError(err)
		if errors.Is(err, store.ErrHostNotFound) || errors.Is(err, store.ErrCANotFound) {
			return err
		}
		return fmt.Errorf("failed to insert certificate: %w", err)
	}

	log.Debug().
		Int64("certificate_id", cert.ID).
		Int64("host_id", cert.HostID).
		Int64("ca_id", cert.CAID).
		Msg("Inserted certificate")

	return nil
}

// DeactivatePriorCertificates clears the active flag on the host's certificates except keepID.
func (s *TrustStore) DeactivatePriorCertificates(ctx context.Context, hostID int64, keepID int64) error {
	err := s.withLock(ctx, fmt.Sprintf("%s%d", lockNamespaceCert, hostID), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE certificates SET active = false
			WHERE host_id = $1 AND id <> $2 AND active
		`, hostID, keepID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to deactivate certificates: %w", mapPostgresError(err))
	}
	return nil
}

// GetTemplate returns the named config template.
func (s *TrustStore) GetTemplate(ctx context.Context, name string) (*models.ConfigTemplate, error) {
	query := `
		SELECT id, template_name, body, last_updated
		FROM config_templates
		WHERE template_name = $1
	`

	var t models.ConfigTemplate
	err := s.pool.QueryRow(ctx, query, name).Scan(&t.ID, &t.Name, &t.Body, &t.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", mapPostgresError(err))
	}

	return &t, nil
}

// PutTemplate creates or replaces the named config template.
func (s *TrustStore) PutTemplate(ctx context.Context, tmpl *models.ConfigTemplate) error {
	tmpl.LastUpdated = time.Now()

	query := `
		INSERT INTO config_templates (template_name, body, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (template_name) DO UPDATE SET
			body = EXCLUDED.body,
			last_updated = EXCLUDED.last_updated
		RETURNING id
	`

	if err := s.pool.QueryRow(ctx, query, tmpl.Name, tmpl.Body, tmpl.LastUpdated).Scan(&tmpl.ID); err != nil {
		return fmt.Errorf("failed to put template: %w", mapPostgresError(err))
	}

	log.Debug().Str("template", tmpl.Name).Msg("Stored config template")
	return nil
}

// withLock runs fn in a transaction holding a transaction-scoped advisory lock on key.
func (s *TrustStore) withLock(ctx context.Context, key string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
