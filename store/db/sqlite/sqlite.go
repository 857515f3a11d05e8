package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/longmem/internal/profile"
	"github.com/hrygo/longmem/store"
)

// ============================================================================
// SQLITE SUPPORT POLICY
// ============================================================================
// SQLite is supported on a BEST-EFFORT basis for development and testing only.
//
// Supported Features (High ROI):
// - Memory, conversation, and turn CRUD
// - Vector similarity search, computed in the application layer
//   (see memory_embedding.go; fine for dev-sized corpora)
// - Single-user instances
//
// NOT Supported (Low ROI / High Complexity):
// - Concurrent writes (SQLite limitation)
// - Last-message previews on conversation lists
//
// When adding new features to SQLite:
// 1. Only implement if the ROI is high (low complexity, high value)
// 2. Prefer returning a clear error over partial/broken implementation
// 3. Add a comment explaining what is NOT supported
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a database specified by its database driver name and a
// driver-specific data source name, usually consisting of at least a
// database name and connection information.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// WAL journal mode prevents most locking issues for local usage.
	// With the modernc.org/sqlite driver each pragma is prefixed with _pragma=.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// SQLite: a single connection is optimal with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

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
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='memory')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

// Migrate creates the schema if it does not exist. Timestamps are stored as
// unix seconds; JSON fields as TEXT.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			confidence REAL NOT NULL,
			source_turn INTEGER NOT NULL DEFAULT 0,
			last_used_turn INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			access_count INTEGER NOT NULL DEFAULT 0,
			decay_score REAL NOT NULL DEFAULT 1.0,
			importance_score REAL NOT NULL DEFAULT 0.7,
			importance_level TEXT NOT NULL DEFAULT 'medium',
			tags TEXT NOT NULL DEFAULT '[]',
			entities TEXT NOT NULL DEFAULT '[]',
			context TEXT NOT NULL DEFAULT '{}',
			created_ts INTEGER NOT NULL,
			last_accessed_ts INTEGER NOT NULL,
			UNIQUE (user_id, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_user_type ON memory (user_id, type)`,
		`CREATE TABLE IF NOT EXISTS conversation (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			turn_count INTEGER NOT NULL DEFAULT 0,
			is_archived INTEGER NOT NULL DEFAULT 0,
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_turn (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			user_message TEXT NOT NULL,
			assistant_message TEXT NOT NULL,
			memories_retrieved TEXT NOT NULL DEFAULT '[]',
			memories_created TEXT NOT NULL DEFAULT '[]',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_ts INTEGER NOT NULL,
			UNIQUE (conversation_id, turn_number)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_embedding (
			memory_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			embedding BLOB NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to execute migration statement")
		}
	}
	return nil
}

