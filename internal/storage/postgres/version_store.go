// Package postgres records scraped versions and scrape runs in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/versionista-scraper/internal/storage"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Run statuses written by FinishRun.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	VersionsTable   string
	RunsTable       string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// VersionStore upserts version rows keyed by (site_id, page_id, version_id)
// and tracks scrape runs.
type VersionStore struct {
	pool     execCloser
	versions string
	runs     string
}

// New connects a pool and returns a VersionStore.
func New(ctx context.Context, cfg Config) (*VersionStore, error) {
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
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.VersionsTable, cfg.RunsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a store on an existing pool (primarily for testing).
func NewWithPool(pool execCloser, versionsTable, runsTable string) (*VersionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if versionsTable == "" {
		versionsTable = "versions"
	}
	if runsTable == "" {
		runsTable = "scrape_runs"
	}
	for _, table := range []string{versionsTable, runsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &VersionStore{pool: pool, versions: versionsTable, runs: runsTable}, nil
}

// Close releases the underlying pool resources.
func (s *VersionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreVersion upserts one version row.
func (s *VersionStore) StoreVersion(ctx context.Context, rec storage.Record) error {
	v := rec.Version
	if v.ID == "" || v.PageID == "" || v.SiteID == "" {
		return fmt.Errorf("version, page and site ids are required")
	}
	redirects, err := json.Marshal(append([]string{}, v.RedirectChain...))
	if err != nil {
		return fmt.Errorf("marshal redirects: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	site_id,
	page_id,
	version_id,
	run_id,
	page_url,
	capture_time,
	last_seen,
	http_status,
	error_code,
	content_type,
	byte_length,
	redirect_chain,
	diff_with_previous,
	diff_with_previous_safe,
	diff_hash,
	diff_uri,
	content_hash,
	content_uri
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)
ON CONFLICT (site_id, page_id, version_id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	last_seen = EXCLUDED.last_seen,
	diff_hash = COALESCE(EXCLUDED.diff_hash, %[1]s.diff_hash),
	diff_uri = COALESCE(EXCLUDED.diff_uri, %[1]s.diff_uri),
	content_hash = COALESCE(EXCLUDED.content_hash, %[1]s.content_hash),
	content_uri = COALESCE(EXCLUDED.content_uri, %[1]s.content_uri)`, s.versions)

	args := []any{
		v.SiteID,
		v.PageID,
		v.ID,
		rec.RunID,
		rec.Page.RemoteURL,
		v.CaptureTime,
		v.LastSeen,
		nullInt(v.HTTPStatus),
		nullString(v.ErrorCode),
		nullString(v.ContentType),
		v.ByteLength,
		redirects,
		linkURL(v.DiffWithPrevious),
		linkURL(v.DiffWithPreviousSafe),
		diffHash(rec),
		nullString(rec.DiffURI),
		contentHash(rec),
		nullString(rec.ContentURI),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert version: %w", err)
	}
	return nil
}

// StartRun records a run as running.
func (s *VersionStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, RunRunning); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun marks a run finished with status and an optional error message.
func (s *VersionStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, status string, errMsg *string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $2, status = $3, error_message = $4
WHERE run_id = $1`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, finishedAt, status, errMsg); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func linkURL(l *versionista.Link) *string {
	if l == nil {
		return nil
	}
	return nullString(l.URL)
}

func diffHash(rec storage.Record) *string {
	if rec.Diff == nil {
		return nil
	}
	return nullString(rec.Diff.ContentHash)
}

func contentHash(rec storage.Record) *string {
	if rec.Content == nil {
		return nil
	}
	return nullString(rec.Content.ContentHash)
}
