package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/longmem/internal/profile"
	"github.com/hrygo/longmem/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL database using the DSN from the profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// Connection pool settings for a single-instance service. The write path
	// runs detached from request handling, so keep a few idle connections warm.
	pgDB.SetMaxOpenConns(10)
	pgDB.SetMaxIdleConns(5)
	pgDB.SetConnMaxLifetime(30 * time.Minute)

	driver := DB{db: pgDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() any {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'memory')",
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

// Migrate creates the schema if it does not exist. Embedding dimensionality is
// fixed at migration time from the profile; changing the embedding model to a
// different dimension requires a manual migration.
func (d *DB) Migrate(ctx context.Context) error {
	dims := d.profile.EmbeddingDimensions
	if dims <= 0 {
		dims = 1024
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS memory (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			source_turn INTEGER NOT NULL DEFAULT 0,
			last_used_turn INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			access_count INTEGER NOT NULL DEFAULT 0,
			decay_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0.7,
			importance_level TEXT NOT NULL DEFAULT 'medium',
			tags JSONB NOT NULL DEFAULT '[]',
			entities JSONB NOT NULL DEFAULT '[]',
			context JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_user_type ON memory (user_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_user_created ON memory (user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_user_importance ON memory (user_id, importance_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_user_last_used ON memory (user_id, last_used_turn)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_embedding (
			memory_id UUID NOT NULL REFERENCES memory(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (memory_id, model)
		)`, dims),
		`CREATE TABLE IF NOT EXISTS conversation (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			turn_count INTEGER NOT NULL DEFAULT 0,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_user ON conversation (user_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS conversation_turn (
			id BIGSERIAL PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES conversation(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			user_message TEXT NOT NULL,
			assistant_message TEXT NOT NULL,
			memories_retrieved JSONB NOT NULL DEFAULT '[]',
			memories_created JSONB NOT NULL DEFAULT '[]',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (conversation_id, turn_number)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to execute migration statement: %s", firstLine(stmt))
		}
	}

	// ANN index is best-effort: HNSW needs pgvector >= 0.5, and the table works
	// without it (sequential scan), just slower on large stores.
	annIndex := `CREATE INDEX IF NOT EXISTS idx_memory_embedding_hnsw
		ON memory_embedding USING hnsw (embedding vector_cosine_ops)`
	if _, err := d.db.ExecContext(ctx, annIndex); err != nil {
		slog.Warn("failed to create hnsw index, vector search will use sequential scan", "error", err)
	}

	return nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx > 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

// placeholder returns the n-th positional parameter for PostgreSQL.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns a comma-separated list of the first n positional parameters.
func placeholders(n int) string {
	list := []string{}
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}
