package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/industrion/jobharvest/internal/pipeline"
)

// DB is the slice of pgxpool.Pool the ledger uses; pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	fingerprint   TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	canonical_url TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	company       TEXT NOT NULL DEFAULT '',
	first_seen    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_url_idx ON jobs (url);`

// Postgres is a durable ledger backed by a jobs table keyed on
// fingerprint. Mark relies on ON CONFLICT DO NOTHING, so concurrent
// writers race safely and exactly one insert lands.
type Postgres struct {
	db     DB
	logger *zap.Logger
}

// NewPostgres connects to dsn and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger database: %w", err)
	}
	p, err := NewPostgresWithDB(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithDB wraps an existing connection and ensures the schema.
func NewPostgresWithDB(ctx context.Context, db DB, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(ctx, createJobsTable); err != nil {
		return nil, fmt.Errorf("ensure jobs table: %w", err)
	}
	return &Postgres{db: db, logger: logger}, nil
}

func (p *Postgres) SeenURL(ctx context.Context, url string) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM jobs WHERE url = $1`, url)
}

func (p *Postgres) SeenFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM jobs WHERE fingerprint = $1`, fingerprint)
}

func (p *Postgres) exists(ctx context.Context, query, arg string) (bool, error) {
	var one int
	err := p.db.QueryRow(ctx, query, arg).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return true, nil
}

// Mark inserts the entry and reports whether this call created the row.
func (p *Postgres) Mark(ctx context.Context, entry pipeline.LedgerEntry) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`INSERT INTO jobs (fingerprint, url, canonical_url, title, company, first_seen)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		entry.Fingerprint, entry.URL, entry.CanonicalURL, entry.Title, entry.Company, entry.FirstSeen,
	)
	if err != nil {
		return false, fmt.Errorf("ledger insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.db.Close()
}
