package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/OCWC22/neuralake/internal/lake"
)

// PostgresProvider implements Provider on a PostgreSQL lease table, so
// writers on different hosts serialize through the shared database.
type PostgresProvider struct {
	db     *sql.DB
	logger *slog.Logger
}

// PostgresConfig holds configuration for the PostgreSQL lock provider.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

const leaseSchema = `
CREATE SCHEMA IF NOT EXISTS neuralake;
CREATE TABLE IF NOT EXISTS neuralake.table_leases (
	table_path  TEXT PRIMARY KEY,
	holder_id   TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);`

// NewPostgresProvider creates a PostgreSQL-backed lock provider and
// ensures the lease table exists.
func NewPostgresProvider(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresProvider, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, leaseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure lease table: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresProvider{
		db:     db,
		logger: logger.With("component", "lock-provider"),
	}, nil
}

// Ping checks database connectivity.
func (p *PostgresProvider) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Acquire blocks until the lease is granted or the context is done.
func (p *PostgresProvider) Acquire(ctx context.Context, tablePath string, ttl time.Duration) (*Lease, error) {
	holderID := uuid.New().String()

	for {
		lease, err := p.tryAcquire(ctx, tablePath, holderID, ttl)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			p.logger.Debug("lease acquired", "table_path", tablePath, "holder_id", holderID)
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lease for %s: %w", tablePath, lake.ErrLockTimeout)
		case <-time.After(acquirePollInterval):
		}
	}
}

// tryAcquire claims the lease in a single statement: the insert wins the
// row, and the conflict update only fires when the previous lease expired.
func (p *PostgresProvider) tryAcquire(ctx context.Context, tablePath, holderID string, ttl time.Duration) (*Lease, error) {
	query := `
		INSERT INTO neuralake.table_leases (table_path, holder_id, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (table_path)
		DO UPDATE SET
			holder_id   = EXCLUDED.holder_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at  = EXCLUDED.expires_at
		WHERE neuralake.table_leases.expires_at < now()
		RETURNING acquired_at, expires_at`

	var acquiredAt, expiresAt time.Time
	err := p.db.QueryRowContext(ctx, query, tablePath, holderID, ttl.Seconds()).Scan(&acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Someone else holds a valid lease.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim lease for %s: %w", tablePath, err)
	}

	return &Lease{
		TablePath:  tablePath,
		HolderID:   holderID,
		AcquiredAt: acquiredAt,
		ExpiresAt:  expiresAt,
	}, nil
}

// Renew extends a held lease.
func (p *PostgresProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	query := `
		UPDATE neuralake.table_leases
		SET expires_at = now() + make_interval(secs => $3)
		WHERE table_path = $1 AND holder_id = $2 AND expires_at > now()
		RETURNING expires_at`

	var expiresAt time.Time
	err := p.db.QueryRowContext(ctx, query, lease.TablePath, lease.HolderID, ttl.Seconds()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("renew lease for %s: lease lost", lease.TablePath)
	}
	if err != nil {
		return fmt.Errorf("renew lease for %s: %w", lease.TablePath, err)
	}

	lease.ExpiresAt = expiresAt
	return nil
}

// Release gives the lease up.
func (p *PostgresProvider) Release(ctx context.Context, lease *Lease) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM neuralake.table_leases WHERE table_path = $1 AND holder_id = $2`,
		lease.TablePath, lease.HolderID)
	if err != nil {
		return fmt.Errorf("release lease for %s: %w", lease.TablePath, err)
	}
	return nil
}

// Close closes the database connection pool.
func (p *PostgresProvider) Close() error {
	return p.db.Close()
}

// Ensure PostgresProvider implements Provider.
var _ Provider = (*PostgresProvider)(nil)
