// Package postgres stores extracted crawl documents in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_documents"

// Config controls the Postgres connection pool used for document rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Document is one extracted page belonging to a crawl job.
type Document struct {
	ID        string
	JobID     string
	TenantID  string
	URL       string
	Markdown  string
	WordCount int
	ByteCount int
	BlobURI   string
	StoredAt  time.Time
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// DocumentStore writes document rows. Re-crawling the same URL inside a job
// overwrites the earlier row.
type DocumentStore struct {
	pool  execCloser
	table string
}

// NewDocumentStore connects a pool using cfg.
func NewDocumentStore(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
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
	return &DocumentStore{pool: pool, table: table}, nil
}

// NewDocumentStoreWithPool wraps an existing pool (primarily for testing).
func NewDocumentStoreWithPool(pool execCloser, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreDocument upserts one document row.
func (s *DocumentStore) StoreDocument(ctx context.Context, doc Document) error {
	if s == nil || s.pool == nil {
		return errors.New("document store is not configured")
	}
	if doc.ID == "" || doc.JobID == "" {
		return errors.New("document id and job id are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	job_id,
	tenant_id,
	url,
	markdown,
	word_count,
	byte_count,
	blob_uri,
	stored_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (job_id, url) DO UPDATE SET
	id = EXCLUDED.id,
	markdown = EXCLUDED.markdown,
	word_count = EXCLUDED.word_count,
	byte_count = EXCLUDED.byte_count,
	blob_uri = EXCLUDED.blob_uri,
	stored_at = EXCLUDED.stored_at`, s.table)

	args := []any{
		doc.ID,
		doc.JobID,
		doc.TenantID,
		doc.URL,
		doc.Markdown,
		doc.WordCount,
		doc.ByteCount,
		doc.BlobURI,
		doc.StoredAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}
