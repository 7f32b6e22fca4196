package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Synthetic slots present in every execution. The execution_id slot holds
// the execution's own ID; the last_updated_at slot is re-stamped with the
// wall clock on every value change.
const (
	SlotExecutionID   = "execution_id"
	SlotLastUpdatedAt = "last_updated_at"
)

// SQLStore is the shared database/sql implementation of Store.
//
// All three backends (SQLite, MySQL, PostgreSQL) run the same transaction
// bodies; a small dialect seam covers placeholder style, row locking, DDL,
// and named locks. Construct via OpenSQLite, OpenMySQL, or OpenPostgres.
type SQLStore struct {
	db *sql.DB
	d  dialect

	mu     sync.RWMutex
	closed bool

	// now returns epoch seconds; overridable in tests.
	now func() int64
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:  db,
		d:   d,
		now: func() int64 { return time.Now().Unix() },
	}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	for _, stmt := range s.d.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// q rebinds a core query for the active dialect.
func (s *SQLStore) q(query string) string {
	return s.d.Rebind(query)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// errRollback signals an intentional rollback with a successful result.
var errRollback = fmt.Errorf("rollback")

// CreateExecution inserts the execution row and its initial value slots
// in one transaction (implements Store).
func (s *SQLStore) CreateExecution(ctx context.Context, ex *Execution, values []Value) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO execution
				(id, graph_name, graph_version, graph_hash, revision, archived_at, inserted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			ex.ID, ex.GraphName, ex.GraphVersion, ex.GraphHash, ex.Revision,
			ex.ArchivedAt, ex.InsertedAt, ex.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}
		for i := range values {
			if err := insertValueTx(ctx, tx, s, &values[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertValueTx(ctx context.Context, tx *sql.Tx, s *SQLStore, v *Value) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO execution_value
			(execution_id, node_name, node_type, node_value, metadata, set_time, ex_revision)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		v.ExecutionID, v.NodeName, string(v.NodeType),
		nullJSON(v.NodeValue), nullJSON(v.Metadata), v.SetTime, v.ExRevision)
	if err != nil {
		return fmt.Errorf("failed to insert value %s: %w", v.NodeName, err)
	}
	return nil
}

const executionColumns = `id, graph_name, graph_version, graph_hash, revision, archived_at, inserted_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var ex Execution
	err := row.Scan(&ex.ID, &ex.GraphName, &ex.GraphVersion, &ex.GraphHash,
		&ex.Revision, &ex.ArchivedAt, &ex.InsertedAt, &ex.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	return &ex, nil
}

// GetExecution returns the execution row (implements Store).
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+executionColumns+` FROM execution WHERE id = ?`), id)
	return scanExecution(row)
}

// FindCurrentExecution returns the newest unarchived execution for a graph
// name (implements Store).
func (s *SQLStore) FindCurrentExecution(ctx context.Context, graphName string) (*Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+executionColumns+`
		FROM execution
		WHERE graph_name = ? AND archived_at IS NULL
		ORDER BY inserted_at DESC, id DESC
		LIMIT 1`), graphName)
	return scanExecution(row)
}

const valueColumns = `execution_id, node_name, node_type, node_value, metadata, set_time, ex_revision`

func scanValue(row interface{ Scan(...any) error }) (*Value, error) {
	var (
		v        Value
		nodeType string
		rawValue sql.NullString
		rawMeta  sql.NullString
	)
	err := row.Scan(&v.ExecutionID, &v.NodeName, &nodeType, &rawValue, &rawMeta, &v.SetTime, &v.ExRevision)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan value: %w", err)
	}
	v.NodeType = NodeType(nodeType)
	if rawValue.Valid {
		v.NodeValue = json.RawMessage(rawValue.String)
	}
	if rawMeta.Valid {
		v.Metadata = json.RawMessage(rawMeta.String)
	}
	return &v, nil
}

// ListValues returns every value slot of an execution (implements Store).
func (s *SQLStore) ListValues(ctx context.Context, executionID string) ([]Value, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return listValues(ctx, s, s.db, executionID)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listValues(ctx context.Context, s *SQLStore, q querier, executionID string) ([]Value, error) {
	rows, err := q.QueryContext(ctx, s.q(`
		SELECT `+valueColumns+`
		FROM execution_value
		WHERE execution_id = ?
		ORDER BY node_name`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var values []Value
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		values = append(values, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating value rows: %w", err)
	}
	return values, nil
}

// GetValue returns one value slot (implements Store).
func (s *SQLStore) GetValue(ctx context.Context, executionID, nodeName string) (*Value, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+valueColumns+`
		FROM execution_value
		WHERE execution_id = ? AND node_name = ?`), executionID, nodeName)
	return scanValue(row)
}

// ApplyValues performs the revision-bumping value-write transaction
// (implements Store).
//
// Sequence inside one transaction:
//  1. Lock the execution row and read its revision.
//  2. Drop writes whose (value, metadata) matches the slot's current
//     content; an unset of an already-unset slot is likewise dropped.
//  3. If nothing remains, roll back: the revision is not bumped.
//  4. Write the survivors with ex_revision = revision+1 (unless
//     KeepRevision), re-stamp the last_updated_at slot, and advance the
//     execution revision by exactly one.
func (s *SQLStore) ApplyValues(ctx context.Context, executionID string, writes []ValueWrite) (*ApplyResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var result ApplyResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`
			SELECT `+executionColumns+` FROM execution WHERE id = ?`+s.d.ForUpdate()), executionID)
		ex, err := scanExecution(row)
		if err != nil {
			return err
		}

		newRev := ex.Revision + 1
		now := s.now()

		var effective []ValueWrite
		var changed []string
		for _, w := range writes {
			cur, err := valueForUpdate(ctx, tx, s, executionID, w.NodeName)
			if err != nil {
				return err
			}
			if w.Unset {
				if cur.SetTime == nil {
					continue
				}
			} else if cur.SetTime != nil &&
				jsonEqual(cur.NodeValue, w.NodeValue) &&
				jsonEqual(cur.Metadata, w.Metadata) {
				continue
			}
			effective = append(effective, w)
			changed = append(changed, w.NodeName)
		}

		if len(effective) == 0 {
			result = ApplyResult{Revision: ex.Revision, NoOp: true}
			return errRollback
		}

		for _, w := range effective {
			if err := writeValueTx(ctx, tx, s, executionID, w, newRev, now); err != nil {
				return err
			}
		}

		stampJSON, _ := json.Marshal(now)
		if err := writeValueTx(ctx, tx, s, executionID, ValueWrite{
			NodeName:  SlotLastUpdatedAt,
			NodeValue: stampJSON,
		}, newRev, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE execution SET revision = ?, updated_at = ? WHERE id = ?`),
			newRev, now, executionID); err != nil {
			return fmt.Errorf("failed to bump revision: %w", err)
		}

		result = ApplyResult{Revision: newRev, Changed: changed}
		return nil
	})
	if err == errRollback {
		return &result, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func valueForUpdate(ctx context.Context, tx *sql.Tx, s *SQLStore, executionID, nodeName string) (*Value, error) {
	row := tx.QueryRowContext(ctx, s.q(`
		SELECT `+valueColumns+`
		FROM execution_value
		WHERE execution_id = ? AND node_name = ?`+s.d.ForUpdate()), executionID, nodeName)
	v, err := scanValue(row)
	if err == ErrNotFound {
		return nil, fmt.Errorf("unknown value slot %q: %w", nodeName, ErrNotFound)
	}
	return v, err
}

func writeValueTx(ctx context.Context, tx *sql.Tx, s *SQLStore, executionID string, w ValueWrite, rev, now int64) error {
	if w.Unset {
		_, err := tx.ExecContext(ctx, s.q(`
			UPDATE execution_value
			SET node_value = NULL, metadata = NULL, set_time = NULL, ex_revision = ?
			WHERE execution_id = ? AND node_name = ?`),
			rev, executionID, w.NodeName)
		if err != nil {
			return fmt.Errorf("failed to unset %s: %w", w.NodeName, err)
		}
		return nil
	}
	if w.KeepRevision {
		_, err := tx.ExecContext(ctx, s.q(`
			UPDATE execution_value
			SET node_value = ?, metadata = ?, set_time = ?
			WHERE execution_id = ? AND node_name = ?`),
			nullJSON(w.NodeValue), nullJSON(w.Metadata), now, executionID, w.NodeName)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", w.NodeName, err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, s.q(`
		UPDATE execution_value
		SET node_value = ?, metadata = ?, set_time = ?, ex_revision = ?
		WHERE execution_id = ? AND node_name = ?`),
		nullJSON(w.NodeValue), nullJSON(w.Metadata), now, rev, executionID, w.NodeName)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", w.NodeName, err)
	}
	return nil
}

// SetArchived stamps or clears archived_at and bumps the revision
// (implements Store).
func (s *SQLStore) SetArchived(ctx context.Context, executionID string, at *int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`
			SELECT `+executionColumns+` FROM execution WHERE id = ?`+s.d.ForUpdate()), executionID)
		ex, err := scanExecution(row)
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE execution SET archived_at = ?, revision = ?, updated_at = ? WHERE id = ?`),
			at, ex.Revision+1, now, executionID); err != nil {
			return fmt.Errorf("failed to set archived_at: %w", err)
		}
		return nil
	})
}

// EvolveExecution additively inserts missing value and computation rows
// and updates the stored graph hash (implements Store).
func (s *SQLStore) EvolveExecution(ctx context.Context, executionID, newHash string, adds []Value, comps []Computation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i := range adds {
			if err := insertValueTx(ctx, tx, s, &adds[i]); err != nil {
				return err
			}
		}
		for i := range comps {
			if err := insertComputationTx(ctx, tx, s, &comps[i]); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE execution SET graph_hash = ?, updated_at = ? WHERE id = ?`),
			newHash, s.now(), executionID); err != nil {
			return fmt.Errorf("failed to update graph hash: %w", err)
		}
		return nil
	})
}

const computationColumns = `id, execution_id, node_name, computation_type, state, start_time,
	ex_revision_at_start, ex_revision_at_completion, computed_with, error_details,
	last_heartbeat_at, heartbeat_deadline, inserted_at`

func scanComputation(row interface{ Scan(...any) error }) (*Computation, error) {
	var (
		c            Computation
		compType     string
		state        string
		computedWith sql.NullString
		errDetails   sql.NullString
	)
	err := row.Scan(&c.ID, &c.ExecutionID, &c.NodeName, &compType, &state, &c.StartTime,
		&c.ExRevisionAtStart, &c.ExRevisionAtCompletion, &computedWith, &errDetails,
		&c.LastHeartbeatAt, &c.HeartbeatDeadline, &c.InsertedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan computation: %w", err)
	}
	c.Type = NodeType(compType)
	c.State = ComputationState(state)
	c.ErrorDetails = errDetails.String
	if computedWith.Valid && computedWith.String != "" {
		if err := json.Unmarshal([]byte(computedWith.String), &c.ComputedWith); err != nil {
			return nil, fmt.Errorf("failed to unmarshal computed_with: %w", err)
		}
	}
	return &c, nil
}

func insertComputationTx(ctx context.Context, tx *sql.Tx, s *SQLStore, c *Computation) error {
	var computedWith any
	if c.ComputedWith != nil {
		data, err := json.Marshal(c.ComputedWith)
		if err != nil {
			return fmt.Errorf("failed to marshal computed_with: %w", err)
		}
		computedWith = string(data)
	}
	id, err := insertReturningID(ctx, tx, s, `
		INSERT INTO execution_computation
			(execution_id, node_name, computation_type, state, start_time,
			 ex_revision_at_start, ex_revision_at_completion, computed_with, error_details,
			 last_heartbeat_at, heartbeat_deadline, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ExecutionID, c.NodeName, string(c.Type), string(c.State), c.StartTime,
		c.ExRevisionAtStart, c.ExRevisionAtCompletion, computedWith, nullString(c.ErrorDetails),
		c.LastHeartbeatAt, c.HeartbeatDeadline, c.InsertedAt)
	if err != nil {
		return fmt.Errorf("failed to insert computation for %s: %w", c.NodeName, err)
	}
	c.ID = id
	return nil
}

// insertReturningID inserts a row and returns its generated ID.
// PostgreSQL has no LastInsertId; it gets a RETURNING clause instead.
func insertReturningID(ctx context.Context, tx *sql.Tx, s *SQLStore, query string, args ...any) (int64, error) {
	if s.d.ReturningID() {
		var id int64
		err := tx.QueryRowContext(ctx, s.q(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertComputation inserts a computation row (implements Store).
func (s *SQLStore) InsertComputation(ctx context.Context, c *Computation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertComputationTx(ctx, tx, s, c)
	})
}

// ListComputations returns an execution's computations, oldest first
// (implements Store).
func (s *SQLStore) ListComputations(ctx context.Context, executionID string) ([]Computation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+computationColumns+`
		FROM execution_computation
		WHERE execution_id = ?
		ORDER BY id`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query computations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comps []Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, err
		}
		comps = append(comps, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating computation rows: %w", err)
	}
	return comps, nil
}

// HasActiveComputation reports whether a not_set or computing row exists
// at ex_revision_at_start >= minStartRev (implements Store).
func (s *SQLStore) HasActiveComputation(ctx context.Context, executionID, nodeName string, minStartRev int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*)
		FROM execution_computation
		WHERE execution_id = ? AND node_name = ?
		  AND state IN ('not_set', 'computing')
		  AND ex_revision_at_start >= ?`),
		executionID, nodeName, minStartRev).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count active computations: %w", err)
	}
	return count > 0, nil
}

// CancelStaleComputations cancels pending rows from older upstream
// cycles (implements Store). Only not_set rows are touched; a computing
// row still belongs to its worker and is handled by the completion
// guard.
func (s *SQLStore) CancelStaleComputations(ctx context.Context, executionID, nodeName string, belowStartRev int64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE execution_computation
		SET state = 'cancelled'
		WHERE execution_id = ? AND node_name = ?
		  AND state = 'not_set'
		  AND ex_revision_at_start < ?`),
		executionID, nodeName, belowStartRev)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel stale computations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return n, nil
}

// LatestSuccess returns the most recent successful computation for a node
// (implements Store).
func (s *SQLStore) LatestSuccess(ctx context.Context, executionID, nodeName string) (*Computation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+computationColumns+`
		FROM execution_computation
		WHERE execution_id = ? AND node_name = ? AND state = 'success'
		ORDER BY id DESC
		LIMIT 1`), executionID, nodeName)
	return scanComputation(row)
}

// CountFailures counts failed rows at ex_revision_at_start >= minStartRev
// (implements Store).
func (s *SQLStore) CountFailures(ctx context.Context, executionID, nodeName string, minStartRev int64) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*)
		FROM execution_computation
		WHERE execution_id = ? AND node_name = ? AND state = 'failed'
		  AND ex_revision_at_start >= ?`),
		executionID, nodeName, minStartRev).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

// GrabComputations promotes ready not_set rows to computing (implements
// Store).
//
// Candidates are selected FOR UPDATE SKIP LOCKED where the backend
// supports it; the promotion itself is additionally guarded on
// state = 'not_set' so each row is grabbed at most once even on SQLite,
// which has no row locks but serializes writers.
func (s *SQLStore) GrabComputations(ctx context.Context, executionID string, now int64, decide GrabDecider) ([]Grabbed, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var grabbed []Grabbed
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		values, err := listValues(ctx, s, tx, executionID)
		if err != nil {
			return err
		}
		byName := make(map[string]Value, len(values))
		for _, v := range values {
			byName[v.NodeName] = v
		}

		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT `+computationColumns+`
			FROM execution_computation
			WHERE execution_id = ? AND state = 'not_set'
			ORDER BY id`)+s.d.SkipLocked(), executionID)
		if err != nil {
			return fmt.Errorf("failed to query candidates: %w", err)
		}
		var candidates []Computation
		for rows.Next() {
			c, err := scanComputation(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			candidates = append(candidates, *c)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("error iterating candidates: %w", err)
		}
		_ = rows.Close()

		for _, c := range candidates {
			decision := decide(c, byName)
			if decision == nil {
				continue
			}
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE execution_computation
				SET state = 'computing', start_time = ?, last_heartbeat_at = ?, heartbeat_deadline = ?
				WHERE id = ? AND state = 'not_set'`),
				now, now, decision.HeartbeatDeadline, c.ID)
			if err != nil {
				return fmt.Errorf("failed to grab computation %d: %w", c.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read grab result: %w", err)
			}
			if n == 0 {
				// Lost the race to a concurrent advance.
				continue
			}
			c.State = StateComputing
			c.StartTime = &now
			c.LastHeartbeatAt = &now
			deadline := decision.HeartbeatDeadline
			c.HeartbeatDeadline = &deadline
			grabbed = append(grabbed, Grabbed{Computation: c, Witness: decision.Witness})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grabbed, nil
}

// CompleteComputation transitions computing → terminal state, guarded on
// the row still being in computing state (implements Store).
func (s *SQLStore) CompleteComputation(ctx context.Context, id int64, state ComputationState, revAtCompletion int64, computedWith map[string]int64, errDetails string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var computedJSON any
	if computedWith != nil {
		data, err := json.Marshal(computedWith)
		if err != nil {
			return false, fmt.Errorf("failed to marshal computed_with: %w", err)
		}
		computedJSON = string(data)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE execution_computation
		SET state = ?, ex_revision_at_completion = ?, computed_with = ?, error_details = ?
		WHERE id = ? AND state = 'computing'`),
		string(state), revAtCompletion, computedJSON, nullString(errDetails), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete computation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read completion result: %w", err)
	}
	return n == 1, nil
}

// Heartbeat stamps last_heartbeat_at, extends the deadline, and returns
// the row's current state (implements Store).
func (s *SQLStore) Heartbeat(ctx context.Context, id int64, now, deadline int64) (ComputationState, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, s.q(`
		UPDATE execution_computation
		SET last_heartbeat_at = ?, heartbeat_deadline = ?
		WHERE id = ? AND state = 'computing'`),
		now, deadline, id); err != nil {
		return "", fmt.Errorf("failed to heartbeat: %w", err)
	}
	var state string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT state FROM execution_computation WHERE id = ?`), id).Scan(&state)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read computation state: %w", err)
	}
	return ComputationState(state), nil
}

// AbandonComputation transitions computing → abandoned (implements Store).
func (s *SQLStore) AbandonComputation(ctx context.Context, id int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE execution_computation
		SET state = 'abandoned'
		WHERE id = ? AND state = 'computing'`), id)
	if err != nil {
		return false, fmt.Errorf("failed to abandon computation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read abandon result: %w", err)
	}
	return n == 1, nil
}

// ListExpiredComputing returns computing rows whose deadline + grace has
// passed (implements Store).
func (s *SQLStore) ListExpiredComputing(ctx context.Context, executionID string, now, grace int64) ([]Computation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+computationColumns+`
		FROM execution_computation
		WHERE execution_id = ? AND state = 'computing'
		  AND heartbeat_deadline IS NOT NULL
		  AND heartbeat_deadline + ? < ?
		ORDER BY id`), executionID, grace, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired computations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comps []Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, err
		}
		comps = append(comps, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired rows: %w", err)
	}
	return comps, nil
}

// ListExecutionsUpdatedSince returns IDs of executions touched at or
// after the cutoff (implements Store).
func (s *SQLStore) ListExecutionsUpdatedSince(ctx context.Context, cutoff int64) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id FROM execution WHERE updated_at >= ? ORDER BY updated_at, id`), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution ids: %w", err)
	}
	return ids, nil
}

// StartSweep inserts a sweep_run row (implements Store).
func (s *SQLStore) StartSweep(ctx context.Context, sweepType string, startedAt int64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertReturningID(ctx, tx, s, `
			INSERT INTO sweep_run (sweep_type, started_at, executions_processed)
			VALUES (?, ?, 0)`, sweepType, startedAt)
		if err != nil {
			return fmt.Errorf("failed to insert sweep run: %w", err)
		}
		return nil
	})
	return id, err
}

// CompleteSweep stamps completed_at and executions_processed (implements
// Store).
func (s *SQLStore) CompleteSweep(ctx context.Context, id int64, completedAt, processed int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sweep_run SET completed_at = ?, executions_processed = ? WHERE id = ?`),
		completedAt, processed, id)
	if err != nil {
		return fmt.Errorf("failed to complete sweep run: %w", err)
	}
	return nil
}

// LastCompletedSweep returns the most recent completed run of a sweep
// type (implements Store).
func (s *SQLStore) LastCompletedSweep(ctx context.Context, sweepType string) (*SweepRun, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var run SweepRun
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, sweep_type, started_at, completed_at, executions_processed
		FROM sweep_run
		WHERE sweep_type = ? AND completed_at IS NOT NULL
		ORDER BY started_at DESC, id DESC
		LIMIT 1`), sweepType).Scan(
		&run.ID, &run.SweepType, &run.StartedAt, &run.CompletedAt, &run.ExecutionsProcessed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep run: %w", err)
	}
	return &run, nil
}

// WithNamedLock runs fn while holding the (namespace, key) mutex
// (implements Store).
func (s *SQLStore) WithNamedLock(ctx context.Context, namespace, key string, fn func(context.Context) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.d.NamedLock(ctx, s.db, namespace, key, fn)
}

// Ping verifies the database connection is alive (implements Store).
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection (implements Store). Double-close
// is a no-op.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// nullJSON maps empty JSON payloads to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// nullString maps "" to SQL NULL.
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// jsonEqual compares two JSON payloads semantically, treating nil and
// the literal null as equal. The stored side may come back from a MySQL
// JSON or Postgres JSONB column that normalized whitespace and key
// order, so matching bytes are a fast path, not a requirement.
func jsonEqual(a, b json.RawMessage) bool {
	na := len(a) == 0 || bytes.Equal(a, []byte("null"))
	nb := len(b) == 0 || bytes.Equal(b, []byte("null"))
	if na || nb {
		return na == nb
	}
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
