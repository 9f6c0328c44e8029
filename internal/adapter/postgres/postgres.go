// Package postgres persists completed responses in PostgreSQL and runs the
// completions schema migrations.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/Strob0t/dispatchkit/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// applicationName tags the completion store's sessions in pg_stat_activity.
const applicationName = "dispatchkit"

// NewPool opens the pool behind the completion store and pings it.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// poolConfig applies cfg over the DSN. Zero limits keep pgx's defaults and
// MinConns never exceeds MaxConns.
func poolConfig(cfg config.Postgres) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = min(cfg.MinConns, poolCfg.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheck > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheck
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return poolCfg, nil
}

// SchemaStatus describes the completions schema in one database.
type SchemaStatus struct {
	Version int64
	Applied []int64
	Pending []int64
}

// Migrator applies the embedded completions migrations.
type Migrator struct {
	provider *goose.Provider
}

// NewMigrator opens a database/sql handle on dsn for goose. Close releases it.
func NewMigrator(dsn string) (*Migrator, error) {
	src, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations fs: %w", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db for migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, src)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration provider: %w", err)
	}
	return &Migrator{provider: p}, nil
}

// Close closes the underlying database handle.
func (m *Migrator) Close() error {
	return m.provider.Close()
}

// Up applies every pending migration and returns the versions applied, in order.
func (m *Migrator) Up(ctx context.Context) ([]int64, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}

// Down rolls back up to steps migrations, newest first, and returns the
// versions rolled back. It stops early once the schema is empty.
func (m *Migrator) Down(ctx context.Context, steps int) ([]int64, error) {
	var rolled []int64
	for range steps {
		version, err := m.provider.GetDBVersion(ctx)
		if err != nil {
			return rolled, fmt.Errorf("get version: %w", err)
		}
		if version == 0 {
			break
		}
		r, err := m.provider.Down(ctx)
		if err != nil {
			return rolled, fmt.Errorf("rollback %d: %w", version, err)
		}
		rolled = append(rolled, r.Source.Version)
	}
	return rolled, nil
}

// Status reports the current version and which embedded migrations are
// applied or still pending.
func (m *Migrator) Status(ctx context.Context) (SchemaStatus, error) {
	var st SchemaStatus
	version, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return st, fmt.Errorf("get version: %w", err)
	}
	st.Version = version

	all, err := m.provider.Status(ctx)
	if err != nil {
		return st, fmt.Errorf("migration status: %w", err)
	}
	for _, ms := range all {
		switch ms.State {
		case goose.StateApplied:
			st.Applied = append(st.Applied, ms.Source.Version)
		case goose.StatePending:
			st.Pending = append(st.Pending, ms.Source.Version)
		}
	}
	return st, nil
}

// EnsureSchema brings the completions schema at dsn up to date and returns
// the versions it applied.
func EnsureSchema(ctx context.Context, dsn string) ([]int64, error) {
	m, err := NewMigrator(dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Close() }()
	return m.Up(ctx)
}
