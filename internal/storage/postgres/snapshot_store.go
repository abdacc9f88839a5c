// Package postgres provides a Postgres-backed snapshot store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// DefaultTable holds snapshots when Config.Table is empty.
const DefaultTable = "scrape_snapshots"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for snapshots.
type Config struct {
	DSN             string
	Table           string
	Name            string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	EnsureSchema    bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SnapshotStore keeps one row per workflow name holding its latest result.
type SnapshotStore struct {
	pool  pool
	table string
	name  string
}

// NewSnapshotStore creates a Postgres-backed SnapshotStore using the provided config.
func NewSnapshotStore(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if err := validate(cfg.Table, cfg.Name); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewSnapshotStoreWithPool(p, cfg.Table, cfg.Name)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewSnapshotStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSnapshotStoreWithPool(p pool, table, name string) (*SnapshotStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if err := validate(table, name); err != nil {
		return nil, err
	}
	if table == "" {
		table = DefaultTable
	}
	return &SnapshotStore{pool: p, table: table, name: name}, nil
}

func validate(table, name string) error {
	if table != "" && !validTableName.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	if name == "" {
		return fmt.Errorf("snapshot name is required")
	}
	return nil
}

// EnsureSchema creates the snapshot table when it does not exist.
func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	run_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	digest TEXT NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	return nil
}

// Save upserts the latest result for the workflow.
func (s *SnapshotStore) Save(ctx context.Context, result scrape.Result) error {
	query := fmt.Sprintf(`
INSERT INTO %s (name, seq, run_id, payload, digest, extracted_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (name) DO UPDATE SET
	seq = EXCLUDED.seq,
	run_id = EXCLUDED.run_id,
	payload = EXCLUDED.payload,
	digest = EXCLUDED.digest,
	extracted_at = EXCLUDED.extracted_at`, s.table)

	args := []any{
		s.name,
		int64(result.Seq),
		result.RunID,
		result.Payload,
		result.Digest,
		result.ExtractedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load reads the latest result. A missing row yields scrape.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context) (scrape.Result, error) {
	query := fmt.Sprintf(
		`SELECT seq, run_id, payload, digest, extracted_at FROM %s WHERE name = $1`, s.table)

	var (
		result scrape.Result
		seq    int64
	)
	err := s.pool.QueryRow(ctx, query, s.name).Scan(
		&seq, &result.RunID, &result.Payload, &result.Digest, &result.ExtractedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Result{}, scrape.ErrNotFound
		}
		return scrape.Result{}, fmt.Errorf("select snapshot: %w", err)
	}
	if seq > 0 {
		result.Seq = uint64(seq)
	}
	return result, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
