package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a SQLite-backed store.
//
// Designed for development, testing, and single-process deployments:
//   - Single file database (e.g. "./dev.db"), or ":memory:" for tests
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//
// SQLite has no row-level locks; the grab path relies on the guarded
// state transition instead, which is safe because SQLite serializes
// writers. Named locks are in-process mutexes, which is sufficient for
// the single-process deployments this backend targets.
//
// Example:
//
//	st, err := store.OpenSQLite("./dev.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return newSQLStore(db, &sqliteDialect{locks: newNamedLocks()})
}

type sqliteDialect struct {
	locks *namedLocks
}

func (d *sqliteDialect) Name() string               { return "sqlite" }
func (d *sqliteDialect) Rebind(query string) string { return query }
func (d *sqliteDialect) SkipLocked() string         { return "" }
func (d *sqliteDialect) ForUpdate() string          { return "" }
func (d *sqliteDialect) ReturningID() bool          { return false }

func (d *sqliteDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS execution (
			id TEXT NOT NULL PRIMARY KEY,
			graph_name TEXT NOT NULL,
			graph_version INTEGER NOT NULL,
			graph_hash TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			archived_at INTEGER,
			inserted_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_graph ON execution(graph_name, archived_at)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_updated ON execution(updated_at)`,
		`CREATE TABLE IF NOT EXISTS execution_value (
			execution_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			node_type TEXT NOT NULL,
			node_value TEXT,
			metadata TEXT,
			set_time INTEGER,
			ex_revision INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, node_name)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_computation (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			computation_type TEXT NOT NULL,
			state TEXT NOT NULL,
			start_time INTEGER,
			ex_revision_at_start INTEGER NOT NULL,
			ex_revision_at_completion INTEGER,
			computed_with TEXT,
			error_details TEXT,
			last_heartbeat_at INTEGER,
			heartbeat_deadline INTEGER,
			inserted_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_computation_node ON execution_computation(execution_id, node_name, state)`,
		`CREATE INDEX IF NOT EXISTS idx_computation_deadline ON execution_computation(execution_id, state, heartbeat_deadline)`,
		`CREATE TABLE IF NOT EXISTS sweep_run (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sweep_type TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			executions_processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sweep_type ON sweep_run(sweep_type, completed_at, started_at)`,
	}
}

func (d *sqliteDialect) NamedLock(ctx context.Context, db *sql.DB, namespace, key string, fn func(context.Context) error) error {
	return d.locks.with(ctx, namespace+":"+key, fn)
}

// namedLocks is an in-process named mutex registry.
type namedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newNamedLocks() *namedLocks {
	return &namedLocks{locks: make(map[string]*sync.Mutex)}
}

func (n *namedLocks) with(ctx context.Context, name string, fn func(context.Context) error) error {
	n.mu.Lock()
	l, ok := n.locks[name]
	if !ok {
		l = &sync.Mutex{}
		n.locks[name] = l
	}
	n.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}
