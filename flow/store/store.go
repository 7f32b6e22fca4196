// Package store provides durable persistence for dataflow executions.
//
// The store owns all durable state: execution rows, per-node value slots,
// computation attempts, and sweep watermarks. The scheduler in package flow
// is stateless; any number of processes may run against one store.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested execution, value slot, or
// computation does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("store is closed")

// NodeType identifies the kind of graph node a value slot or computation
// belongs to.
type NodeType string

const (
	NodeInput             NodeType = "input"
	NodeCompute           NodeType = "compute"
	NodeScheduleOnce      NodeType = "schedule_once"
	NodeScheduleRecurring NodeType = "schedule_recurring"
	NodeMutate            NodeType = "mutate"
	NodeHistorian         NodeType = "historian"
	NodeArchive           NodeType = "archive"
)

// Derived reports whether the node type produces computations
// (everything except input).
func (t NodeType) Derived() bool {
	return t != NodeInput
}

// Schedule reports whether the node type is a timer.
func (t NodeType) Schedule() bool {
	return t == NodeScheduleOnce || t == NodeScheduleRecurring
}

// ComputationState is the lifecycle state of one computation attempt.
type ComputationState string

const (
	StateNotSet    ComputationState = "not_set"
	StateComputing ComputationState = "computing"
	StateSuccess   ComputationState = "success"
	StateFailed    ComputationState = "failed"
	StateAbandoned ComputationState = "abandoned"
	StateCancelled ComputationState = "cancelled"
)

// Active reports whether the state still occupies the node's slot in the
// scheduler: a fresh not_set row must not be created while an active row
// exists at the same or newer revision.
func (s ComputationState) Active() bool {
	return s == StateNotSet || s == StateComputing
}

// Execution is one workflow instance of a graph.
//
// Revision is the per-execution monotonic counter; it is the sole source
// of ordering truth and is bumped by exactly one inside the same
// transaction as any observable state change.
type Execution struct {
	ID           string
	GraphName    string
	GraphVersion int
	GraphHash    string
	Revision     int64
	ArchivedAt   *int64
	InsertedAt   int64
	UpdatedAt    int64
}

// Archived reports whether the execution has been archived.
func (e *Execution) Archived() bool { return e.ArchivedAt != nil }

// Value is one slot per graph node, per execution.
//
// Invariant: SetTime == nil iff NodeValue == nil (the slot is unset).
// NodeValue and Metadata hold canonical JSON; map payloads use string
// keys only.
type Value struct {
	ExecutionID string
	NodeName    string
	NodeType    NodeType
	NodeValue   json.RawMessage
	Metadata    json.RawMessage
	SetTime     *int64
	ExRevision  int64
}

// Provided reports whether the slot has been set (set to nil counts).
func (v *Value) Provided() bool { return v.SetTime != nil }

// Computation is one attempt to evaluate a derived node.
//
// ExRevisionAtStart and ExRevisionAtCompletion bracket the run;
// ComputedWith records the upstream revision snapshot captured at success.
type Computation struct {
	ID                     int64
	ExecutionID            string
	NodeName               string
	Type                   NodeType
	State                  ComputationState
	StartTime              *int64
	ExRevisionAtStart      int64
	ExRevisionAtCompletion *int64
	ComputedWith           map[string]int64
	ErrorDetails           string
	LastHeartbeatAt        *int64
	HeartbeatDeadline      *int64
	InsertedAt             int64
}

// SweepRun is the incremental-processing watermark for one background
// sweep type.
type SweepRun struct {
	ID                  int64
	SweepType           string
	StartedAt           int64
	CompletedAt         *int64
	ExecutionsProcessed int64
}

// ValueWrite describes one slot mutation inside an ApplyValues
// transaction.
type ValueWrite struct {
	// NodeName is the slot to write.
	NodeName string

	// NodeValue is the canonical-JSON payload. Ignored when Unset is true.
	NodeValue json.RawMessage

	// Metadata is the canonical-JSON metadata map. Ignored when Unset is true.
	Metadata json.RawMessage

	// Unset clears the slot: NodeValue, Metadata, and SetTime all become nil.
	Unset bool

	// KeepRevision writes the payload without advancing the slot's
	// ExRevision. Used by mutate nodes so downstream consumers of the
	// mutated slot do not recompute.
	KeepRevision bool
}

// ApplyResult reports the outcome of an ApplyValues transaction.
type ApplyResult struct {
	// Revision is the execution revision after the transaction. When NoOp
	// is true this is the unchanged current revision.
	Revision int64

	// Changed lists the slot names that were actually written.
	Changed []string

	// NoOp is true when every write matched the slot's existing
	// (value, metadata) and the revision bump was rolled back.
	NoOp bool
}

// GrabDecision is returned by a GrabDecider for a candidate the caller
// wants promoted to computing.
type GrabDecision struct {
	// HeartbeatDeadline is the initial deadline stamped on the row
	// (start time + the node's heartbeat timeout).
	HeartbeatDeadline int64

	// Witness maps leaf node names to the value rows that satisfied the
	// node's gating expression.
	Witness map[string]Value
}

// GrabDecider evaluates readiness for one not_set candidate against the
// value snapshot loaded in the same transaction. It must be a pure
// function: no I/O, no store calls. Return nil to skip the candidate.
type GrabDecider func(c Computation, values map[string]Value) *GrabDecision

// Grabbed is a computation promoted to computing, with the readiness
// witness captured at grab time.
type Grabbed struct {
	Computation Computation
	Witness     map[string]Value
}

// Store provides persistence for executions, value slots, computations,
// and sweep watermarks.
//
// Implementations back onto a transactional SQL database. All mutating
// operations that observers can see bump the execution revision inside
// the same transaction as their writes; readers never see a write at
// revision N without the revision bump to N.
type Store interface {
	// CreateExecution inserts an execution together with its initial
	// value rows (one per graph node plus the synthetic slots) in one
	// transaction.
	CreateExecution(ctx context.Context, ex *Execution, values []Value) error

	// GetExecution returns the execution row, or ErrNotFound.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// FindCurrentExecution returns the newest unarchived execution for a
	// graph name, or ErrNotFound. Used for singleton execution creation.
	FindCurrentExecution(ctx context.Context, graphName string) (*Execution, error)

	// ListValues returns every value slot of an execution.
	ListValues(ctx context.Context, executionID string) ([]Value, error)

	// GetValue returns one value slot, or ErrNotFound.
	GetValue(ctx context.Context, executionID, nodeName string) (*Value, error)

	// ApplyValues performs the value-write transaction: bump the
	// revision, drop writes whose (value, metadata) is unchanged, write
	// the rest with the new revision, and re-stamp the last_updated_at
	// slot. If every write is a no-op the transaction rolls back and the
	// revision is not bumped.
	ApplyValues(ctx context.Context, executionID string, writes []ValueWrite) (*ApplyResult, error)

	// SetArchived stamps (or clears, with nil) the execution's
	// archived_at and bumps the revision.
	SetArchived(ctx context.Context, executionID string, at *int64) error

	// EvolveExecution additively reconciles an execution with a newer
	// graph definition: insert the missing value rows and not_set
	// computations, then update the stored graph hash, in one
	// transaction. Callers serialize with WithNamedLock.
	EvolveExecution(ctx context.Context, executionID, newHash string, adds []Value, comps []Computation) error

	// InsertComputation inserts a computation row. The caller is
	// responsible for the no-duplicate-active-row check.
	InsertComputation(ctx context.Context, c *Computation) error

	// ListComputations returns an execution's computations, oldest first.
	ListComputations(ctx context.Context, executionID string) ([]Computation, error)

	// HasActiveComputation reports whether a not_set or computing row
	// exists for the node at ex_revision_at_start >= minStartRev.
	HasActiveComputation(ctx context.Context, executionID, nodeName string, minStartRev int64) (bool, error)

	// CancelStaleComputations transitions the node's not_set rows with
	// ex_revision_at_start < belowStartRev to cancelled, so a pending row
	// from an older upstream cycle is never grabbed alongside its
	// replacement. Returns the number of rows cancelled.
	CancelStaleComputations(ctx context.Context, executionID, nodeName string, belowStartRev int64) (int64, error)

	// LatestSuccess returns the node's most recent successful
	// computation, or ErrNotFound.
	LatestSuccess(ctx context.Context, executionID, nodeName string) (*Computation, error)

	// CountFailures counts failed rows for the node whose
	// ex_revision_at_start >= minStartRev. This scopes retry budgets to
	// the current upstream cycle.
	CountFailures(ctx context.Context, executionID, nodeName string, minStartRev int64) (int, error)

	// GrabComputations promotes ready not_set rows to computing under
	// row locks. Candidates are selected FOR UPDATE SKIP LOCKED (where
	// the backend supports it) and promoted with a guarded update, so a
	// row is grabbed at most once even under concurrent advances.
	GrabComputations(ctx context.Context, executionID string, now int64, decide GrabDecider) ([]Grabbed, error)

	// CompleteComputation transitions a computing row to a terminal
	// state, recording the completion revision, the computed_with
	// snapshot (success only), and error details (failure only). The
	// update is guarded on the row still being in computing state;
	// returns false if another actor (the abandoned sweep) got there
	// first.
	CompleteComputation(ctx context.Context, id int64, state ComputationState, revAtCompletion int64, computedWith map[string]int64, errDetails string) (bool, error)

	// Heartbeat stamps last_heartbeat_at and extends the deadline.
	// Returns the row's current state so the watchdog can detect that
	// the row was abandoned or completed elsewhere.
	Heartbeat(ctx context.Context, id int64, now, deadline int64) (ComputationState, error)

	// AbandonComputation transitions computing → abandoned, guarded on
	// the computing state. Returns false if the row was not computing.
	AbandonComputation(ctx context.Context, id int64) (bool, error)

	// ListExpiredComputing returns computing rows of an execution whose
	// heartbeat_deadline + grace has passed.
	ListExpiredComputing(ctx context.Context, executionID string, now, grace int64) ([]Computation, error)

	// ListExecutionsUpdatedSince returns IDs of executions with
	// updated_at >= cutoff, the candidate set for incremental sweeps.
	ListExecutionsUpdatedSince(ctx context.Context, cutoff int64) ([]string, error)

	// StartSweep inserts a sweep_run row and returns its ID.
	StartSweep(ctx context.Context, sweepType string, startedAt int64) (int64, error)

	// CompleteSweep stamps completed_at and executions_processed.
	CompleteSweep(ctx context.Context, id int64, completedAt, processed int64) error

	// LastCompletedSweep returns the most recent completed run of a
	// sweep type, or ErrNotFound.
	LastCompletedSweep(ctx context.Context, sweepType string) (*SweepRun, error)

	// WithNamedLock runs fn while holding a named mutex scoped to
	// (namespace, key). The production binding is a PostgreSQL advisory
	// transaction lock; MySQL uses GET_LOCK and SQLite an in-process
	// mutex.
	WithNamedLock(ctx context.Context, namespace, key string, fn func(context.Context) error) error

	// Ping verifies the backing database connection is alive.
	Ping(ctx context.Context) error

	// Close releases the backing database. Double-close is a no-op.
	Close() error
}
