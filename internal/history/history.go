// Package history stores finished migrate runs and their transactions in
// Postgres, so deployments across machines and networks can be audited.
package history

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/deployer"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run is a stored run.
type Run struct {
	manifest.Run
	Transactions []deployer.Result `json:"transactions,omitempty"`
}

// Store records and lists runs.
type Store interface {
	RecordRun(ctx context.Context, run manifest.Run, results []deployer.Result) error
	Runs(ctx context.Context, network string, limit int) ([]Run, error)
	Close()
}

// Postgres is a Store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
}

// Open connects to the configured database.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, dsn: cfg.DSN}, nil
}

// Migrate applies the embedded schema migrations.
func (p *Postgres) Migrate() error {
	if !strings.HasPrefix(p.dsn, "postgres://") && !strings.HasPrefix(p.dsn, "postgresql://") {
		return errors.New("schema migrations need a postgres:// URL DSN")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, p.dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// RecordRun stores run and its transactions in one database transaction.
func (p *Postgres) RecordRun(ctx context.Context, run manifest.Run, results []deployer.Result) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	migrations := make([]int32, len(run.Migrations))
	for i, n := range run.Migrations {
		migrations[i] = int32(n)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO deploy_runs (id, network, from_address, status, error, migrations, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Network, run.From, run.Status, run.Error, migrations, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, r := range results {
		_, err = tx.Exec(ctx, `
			INSERT INTO deploy_transactions (run_id, seq, name, kind, address, tx_hash, nonce, block_number, gas_used)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			run.ID, i, r.Name, r.Kind, r.Address.Hex(), r.TxHash.Hex(),
			int64(r.Nonce), int64(r.BlockNumber), int64(r.GasUsed),
		)
		if err != nil {
			return fmt.Errorf("insert transaction %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

// Runs lists the latest runs for network, newest first. An empty network
// lists all networks.
func (p *Postgres) Runs(ctx context.Context, network string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, network, from_address, status, error, migrations, started_at, finished_at
		FROM deploy_runs
		WHERE $1 = '' OR network = $1
		ORDER BY started_at DESC
		LIMIT $2`, network, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Run, error) {
		var (
			r          Run
			migrations []int32
		)
		err := row.Scan(&r.ID, &r.Network, &r.From, &r.Status, &r.Error, &migrations, &r.StartedAt, &r.FinishedAt)
		for _, n := range migrations {
			r.Migrations = append(r.Migrations, int(n))
		}
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}

// Noop discards runs when no database is configured.
type Noop struct{}

func (Noop) RecordRun(context.Context, manifest.Run, []deployer.Result) error { return nil }

func (Noop) Runs(context.Context, string, int) ([]Run, error) { return nil, nil }

func (Noop) Close() {}
