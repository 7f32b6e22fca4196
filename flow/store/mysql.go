package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// OpenMySQL opens a MySQL/MariaDB-backed store.
//
// Designed for production deployments with multiple scheduler processes.
// Requires MySQL 8.0+ for FOR UPDATE SKIP LOCKED. Named locks use
// GET_LOCK/RELEASE_LOCK held on a dedicated connection.
//
// The DSN format is the go-sql-driver one:
//
//	user:password@tcp(localhost:3306)/dataflow?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
//
// Example:
//
//	st, err := store.OpenMySQL(os.Getenv("MYSQL_DSN"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func OpenMySQL(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return newSQLStore(db, &mysqlDialect{})
}

type mysqlDialect struct{}

func (d *mysqlDialect) Name() string               { return "mysql" }
func (d *mysqlDialect) Rebind(query string) string { return query }
func (d *mysqlDialect) SkipLocked() string         { return " FOR UPDATE SKIP LOCKED" }
func (d *mysqlDialect) ForUpdate() string          { return " FOR UPDATE" }
func (d *mysqlDialect) ReturningID() bool          { return false }

func (d *mysqlDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS execution (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			graph_name VARCHAR(191) NOT NULL,
			graph_version INT NOT NULL,
			graph_hash VARCHAR(64) NOT NULL,
			revision BIGINT NOT NULL DEFAULT 0,
			archived_at BIGINT NULL,
			inserted_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_execution_graph (graph_name, archived_at),
			INDEX idx_execution_updated (updated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_value (
			execution_id VARCHAR(191) NOT NULL,
			node_name VARCHAR(191) NOT NULL,
			node_type VARCHAR(32) NOT NULL,
			node_value JSON NULL,
			metadata JSON NULL,
			set_time BIGINT NULL,
			ex_revision BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, node_name)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_computation (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(191) NOT NULL,
			node_name VARCHAR(191) NOT NULL,
			computation_type VARCHAR(32) NOT NULL,
			state VARCHAR(16) NOT NULL,
			start_time BIGINT NULL,
			ex_revision_at_start BIGINT NOT NULL,
			ex_revision_at_completion BIGINT NULL,
			computed_with JSON NULL,
			error_details TEXT NULL,
			last_heartbeat_at BIGINT NULL,
			heartbeat_deadline BIGINT NULL,
			inserted_at BIGINT NOT NULL,
			INDEX idx_computation_node (execution_id, node_name, state),
			INDEX idx_computation_deadline (execution_id, state, heartbeat_deadline)
		)`,
		`CREATE TABLE IF NOT EXISTS sweep_run (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			sweep_type VARCHAR(64) NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NULL,
			executions_processed BIGINT NOT NULL DEFAULT 0,
			INDEX idx_sweep_type (sweep_type, completed_at, started_at)
		)`,
	}
}

// NamedLock acquires GET_LOCK on a dedicated connection so the release
// pairs with the same session.
func (d *mysqlDialect) NamedLock(ctx context.Context, db *sql.DB, namespace, key string, fn func(context.Context) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire lock connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	name := lockName(namespace, key)
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 30)", name).Scan(&got); err != nil {
		return fmt.Errorf("failed to acquire named lock: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		return fmt.Errorf("timed out acquiring named lock %s", name)
	}
	defer func() {
		var released sql.NullInt64
		_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", name).Scan(&released)
	}()

	return fn(ctx)
}

// lockName keeps the lock identifier under MySQL's 64-character limit by
// hashing long keys.
func lockName(namespace, key string) string {
	name := namespace + ":" + key
	if len(name) <= 64 {
		return name
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%s:%x", namespace, h.Sum64())
}
