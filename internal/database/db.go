package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/timkrebs/image-resizer/internal/metrics"
)

// DB wraps the sql.DB connection
type DB struct {
	*sql.DB
	metrics *metrics.DatabaseMetrics
}

// New creates a new database connection
func New(databaseURL string, maxConns int) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                 UUID PRIMARY KEY,
	status             TEXT NOT NULL,
	kind               TEXT NOT NULL DEFAULT 'image',
	original_key       TEXT NOT NULL,
	processed_key      TEXT,
	original_name      TEXT NOT NULL,
	content_type       TEXT NOT NULL,
	file_size          BIGINT NOT NULL DEFAULT 0,
	options            JSONB NOT NULL DEFAULT '{}',
	action             TEXT,
	output_format      TEXT,
	output_width       INTEGER NOT NULL DEFAULT 0,
	output_height      INTEGER NOT NULL DEFAULT 0,
	frame_count        INTEGER NOT NULL DEFAULT 0,
	orientation        INTEGER NOT NULL DEFAULT 0,
	quality_ignored    BOOLEAN NOT NULL DEFAULT FALSE,
	error              TEXT,
	worker_id          TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	processing_time_ms BIGINT,
	delete_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_delete_at_idx ON jobs (delete_at) WHERE delete_at IS NOT NULL;
`

// EnsureSchema creates the jobs table and its indexes when missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SetMetrics injects metrics collectors and samples the pool until ctx ends
func (db *DB) SetMetrics(ctx context.Context, m *metrics.DatabaseMetrics) {
	db.metrics = m
	if m == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ConnectionsActive.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}

func (db *DB) observe(operation string, start time.Time, err error) {
	db.metrics.Observe(operation, start, err)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health checks if the database is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
