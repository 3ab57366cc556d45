// Package postgres records crawl runs and per-retailer outcomes in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultRunsTable      = "crawl_runs"
	DefaultRetailersTable = "crawl_retailer_results"
)

// Config controls the Postgres connection pool used by the ledger.
type Config struct {
	DSN             string
	RunsTable       string
	RetailersTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RunStore implements crawler.RunLedger.
type RunStore struct {
	pool           execCloser
	runsTable      string
	retailersTable string
}

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRunStoreWithPool(pool, cfg.RunsTable, cfg.RetailersTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool execCloser, runsTable, retailersTable string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = DefaultRunsTable
	}
	if retailersTable == "" {
		retailersTable = DefaultRetailersTable
	}
	for _, table := range []string{runsTable, retailersTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RunStore{pool: pool, runsTable: runsTable, retailersTable: retailersTable}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger tables when they are missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	runs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id          TEXT PRIMARY KEY,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	group_name      TEXT NOT NULL DEFAULT '',
	slug            TEXT NOT NULL DEFAULT '',
	dry_run         BOOLEAN NOT NULL DEFAULT FALSE,
	status          TEXT NOT NULL,
	retailers_count INTEGER NOT NULL DEFAULT 0,
	manifest_uri    TEXT NOT NULL DEFAULT '',
	error_text      TEXT NOT NULL DEFAULT ''
)`, s.runsTable)
	retailers := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        TEXT NOT NULL,
	retailer_id   TEXT NOT NULL,
	retailer_name TEXT NOT NULL,
	platform      TEXT NOT NULL,
	source        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	links_found   INTEGER NOT NULL,
	downloaded    INTEGER NOT NULL,
	duplicates    INTEGER NOT NULL,
	error_count   INTEGER NOT NULL,
	errors        JSONB NOT NULL,
	files         JSONB NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	PRIMARY KEY (run_id, retailer_id)
)`, s.retailersTable)
	for _, stmt := range []string{runs, retailers} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// RecordRun inserts the run row or updates its lifecycle columns.
func (s *RunStore) RecordRun(ctx context.Context, run crawler.CrawlRun) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	started_at,
	finished_at,
	group_name,
	slug,
	dry_run,
	status,
	retailers_count,
	manifest_uri,
	error_text
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	status = EXCLUDED.status,
	retailers_count = EXCLUDED.retailers_count,
	manifest_uri = EXCLUDED.manifest_uri,
	error_text = EXCLUDED.error_text`, s.runsTable)

	args := []any{
		run.ID,
		run.StartedAt,
		run.FinishedAt,
		run.Filter.Group,
		run.Filter.Slug,
		run.Filter.DryRun,
		string(run.Status),
		run.RetailersCount,
		run.ManifestURI,
		run.ErrorText,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// RecordRetailer stores one retailer's terminal result.
func (s *RunStore) RecordRetailer(ctx context.Context, runID string, result crawler.RetailerResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if runID == "" || result.RetailerID == "" {
		return fmt.Errorf("run id and retailer id are required")
	}
	errorsJSON, err := json.Marshal(nonNil(result.Errors))
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	filesJSON, err := json.Marshal(nonNil(result.Files))
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	retailer_id,
	retailer_name,
	platform,
	source,
	status,
	reason,
	links_found,
	downloaded,
	duplicates,
	error_count,
	errors,
	files,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
ON CONFLICT (run_id, retailer_id) DO NOTHING`, s.retailersTable)

	args := []any{
		runID,
		result.RetailerID,
		result.RetailerName,
		string(result.Platform),
		result.Source,
		string(result.Status),
		string(result.Reason),
		result.LinksFound,
		result.Downloaded,
		result.Duplicates,
		len(result.Errors),
		errorsJSON,
		filesJSON,
		nullableTime(result.StartedAt),
		nullableTime(result.FinishedAt),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert retailer result: %w", err)
	}
	return nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
