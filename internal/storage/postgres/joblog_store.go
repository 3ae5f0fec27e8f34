// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/spidercrawl/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable holds job log rows unless configured otherwise.
const DefaultTable = "crawl_jobs"

// JobLogStoreConfig controls the Postgres connection pool used for job logs.
type JobLogStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// JobLogStore writes crawl runs and job log rows into Postgres. Runs live in
// "<table>_runs".
type JobLogStore struct {
	pool  execCloser
	table string
}

var _ store.JobLogRepository = (*JobLogStore)(nil)

// NewJobLogStore connects to Postgres using cfg.
func NewJobLogStore(ctx context.Context, cfg JobLogStoreConfig) (*JobLogStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobLogStore{pool: pool, table: table}, nil
}

// NewJobLogStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewJobLogStoreWithPool(pool execCloser, table string) (*JobLogStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobLogStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobLogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StartRun inserts the run row.
func (s *JobLogStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s_runs (run_id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the run as finished.
func (s *JobLogStore) FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s_runs SET finished_at = $1, status = $2 WHERE run_id = $3`, s.table)
	if _, err := s.pool.Exec(ctx, query, finishedAt, store.RunFinished, runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// InsertJobs writes one row per record.
func (s *JobLogStore) InsertJobs(ctx context.Context, records []store.JobRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("job log store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	spider,
	url,
	resolved_url,
	level,
	status_code,
	error,
	encoding,
	next_jobs,
	bytes,
	duration_ms,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.table)
	for _, rec := range records {
		args := []any{
			rec.RunID,
			rec.Spider,
			rec.URL,
			nullable(rec.ResolvedURL),
			rec.Level,
			nullableInt(rec.Status),
			nullable(rec.Error),
			nullable(rec.Encoding),
			rec.NextJobs,
			rec.Bytes,
			rec.Duration.Milliseconds(),
			rec.CompletedAt,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert job %s: %w", rec.URL, err)
		}
	}
	return nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
