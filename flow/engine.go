package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stateflow-go/flow/emit"
	"github.com/dshills/stateflow-go/flow/store"
)

// Engine binds a graph catalog to a store and runs the scheduler: value
// writes, cascade invalidation, recompute detection, grabbing, and
// workers. Engines are stateless beyond their catalog; any number of
// engine processes may share one store.
type Engine struct {
	store   store.Store
	catalog *catalog
	emitter emit.Emitter
	pm      *PrometheusMetrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() int64
	after   func(d time.Duration) <-chan time.Time

	heartbeatGrace   int64
	sweepInterval    time.Duration
	waitBackoffBase  time.Duration
	waitBackoffCap   time.Duration
	retryBackoffBase time.Duration
	retryBackoffCap  time.Duration

	pendingGraphs []*Graph
}

// New creates an Engine over a store.
//
// Example:
//
//	st, err := store.OpenSQLite("flow.db")
//	if err != nil { ... }
//	eng, err := flow.New(st,
//		flow.WithGraphs(g),
//		flow.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	)
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:            st,
		catalog:          newCatalog(),
		emitter:          emit.NewNullEmitter(),
		baseCtx:          ctx,
		cancel:           cancel,
		now:              func() int64 { return time.Now().Unix() },
		after:            time.After,
		heartbeatGrace:   10,
		sweepInterval:    time.Minute,
		waitBackoffBase:  100 * time.Millisecond,
		waitBackoffCap:   30 * time.Second,
		retryBackoffBase: 250 * time.Millisecond,
		retryBackoffCap:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, g := range e.pendingGraphs {
		if err := e.catalog.register(g); err != nil {
			cancel()
			return nil, err
		}
	}
	e.pendingGraphs = nil
	return e, nil
}

// Register adds a graph definition to the engine's catalog.
func (e *Engine) Register(g *Graph) error {
	return e.catalog.register(g)
}

// Close cancels all background work and waits for in-flight workers,
// watchdogs, and hooks to drain. The store is not closed.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

// WaitIdle blocks until no workers, watchdogs, or hooks are in flight.
// Intended for tests and graceful drains; new work started concurrently
// with the wait may or may not be covered.
func (e *Engine) WaitIdle() {
	e.wg.Wait()
}

// Snapshot is a point-in-time read of one execution.
type Snapshot struct {
	Execution store.Execution
	Values    map[string]ValueView
}

// StartExecution creates a fresh execution of a registered graph and
// runs the first advance (which enqueues and, where gates already hold,
// launches the graph's derived nodes). A version <= 0 selects the
// highest registered version.
func (e *Engine) StartExecution(ctx context.Context, graphName string, version int) (*store.Execution, error) {
	g, err := e.lookupGraph(graphName, version)
	if err != nil {
		return nil, err
	}
	return e.createExecution(ctx, g)
}

func (e *Engine) lookupGraph(graphName string, version int) (*Graph, error) {
	if version <= 0 {
		return e.catalog.latest(graphName)
	}
	return e.catalog.lookup(graphName, version)
}

// StartSingleton returns the graph's current unarchived execution,
// creating one only if none exists. Concurrent callers are serialized
// through a named lock keyed by the graph name.
func (e *Engine) StartSingleton(ctx context.Context, graphName string, version int) (*store.Execution, error) {
	g, err := e.lookupGraph(graphName, version)
	if err != nil {
		return nil, err
	}
	var ex *store.Execution
	err = e.store.WithNamedLock(ctx, "singleton", graphName, func(ctx context.Context) error {
		current, err := e.store.FindCurrentExecution(ctx, graphName)
		if err == nil {
			ex = current
			return nil
		}
		if !isNotFound(err) {
			return err
		}
		ex, err = e.createExecution(ctx, g)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (e *Engine) createExecution(ctx context.Context, g *Graph) (*store.Execution, error) {
	now := e.now()
	id := g.idPrefix + uuid.NewString()

	ex := &store.Execution{
		ID:           id,
		GraphName:    g.Name(),
		GraphVersion: g.Version(),
		GraphHash:    g.Hash(),
		InsertedAt:   now,
		UpdatedAt:    now,
	}

	nodes := g.Nodes()
	values := make([]store.Value, 0, len(nodes)+2)
	for _, n := range nodes {
		values = append(values, store.Value{
			ExecutionID: id,
			NodeName:    n.Name,
			NodeType:    n.Type,
		})
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	nowRaw, err := json.Marshal(now)
	if err != nil {
		return nil, err
	}
	setAt := now
	values = append(values,
		store.Value{ExecutionID: id, NodeName: SlotExecutionID, NodeType: store.NodeInput, NodeValue: idRaw, SetTime: &setAt},
		store.Value{ExecutionID: id, NodeName: SlotLastUpdatedAt, NodeType: store.NodeInput, NodeValue: nowRaw, SetTime: &setAt},
	)

	if err := e.store.CreateExecution(ctx, ex, values); err != nil {
		return nil, fmt.Errorf("create execution for %q: %w", g.Name(), err)
	}
	e.emit(id, "", 0, "execution_created", map[string]interface{}{"graph": g.Name()})

	if err := e.advance(ctx, id); err != nil {
		return nil, err
	}
	return ex, nil
}

// Set writes one input slot, then invalidates and advances. Returns the
// execution revision after the write (unchanged when the write was a
// no-op).
func (e *Engine) Set(ctx context.Context, executionID, nodeName string, value any) (int64, error) {
	return e.SetMany(ctx, executionID, map[string]any{nodeName: value})
}

// SetWithMetadata is Set with a metadata map stored beside the value.
func (e *Engine) SetWithMetadata(ctx context.Context, executionID, nodeName string, value any, metadata map[string]any) (int64, error) {
	metaRaw, err := encodeMetadata(metadata)
	if err != nil {
		return 0, err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return 0, err
	}
	return e.applyInputWrites(ctx, executionID, []store.ValueWrite{
		{NodeName: nodeName, NodeValue: raw, Metadata: metaRaw},
	})
}

// SetMany writes several input slots in one transaction: one revision
// bump covers all of them.
func (e *Engine) SetMany(ctx context.Context, executionID string, values map[string]any) (int64, error) {
	writes := make([]store.ValueWrite, 0, len(values))
	for name, v := range values {
		raw, err := encodeValue(v)
		if err != nil {
			return 0, fmt.Errorf("set %q: %w", name, err)
		}
		writes = append(writes, store.ValueWrite{NodeName: name, NodeValue: raw})
	}
	return e.applyInputWrites(ctx, executionID, writes)
}

// Unset clears one input slot. Unsetting an unset slot is a no-op.
func (e *Engine) Unset(ctx context.Context, executionID, nodeName string) (int64, error) {
	return e.UnsetMany(ctx, executionID, []string{nodeName})
}

// UnsetMany clears several input slots in one transaction.
func (e *Engine) UnsetMany(ctx context.Context, executionID string, nodeNames []string) (int64, error) {
	writes := make([]store.ValueWrite, 0, len(nodeNames))
	for _, name := range nodeNames {
		writes = append(writes, store.ValueWrite{NodeName: name, Unset: true})
	}
	return e.applyInputWrites(ctx, executionID, writes)
}

func (e *Engine) applyInputWrites(ctx context.Context, executionID string, writes []store.ValueWrite) (int64, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return 0, fmt.Errorf("set on %s: %w", executionID, err)
	}
	g, err := e.catalog.lookup(ex.GraphName, ex.GraphVersion)
	if err != nil {
		return 0, err
	}
	for _, w := range writes {
		n := g.Node(w.NodeName)
		if n == nil || n.Type != store.NodeInput {
			return 0, &FlowError{
				Code:    "invalid_input_node",
				Message: fmt.Sprintf("node %q is not an input (valid inputs: %s)", w.NodeName, inputNames(g)),
				Err:     ErrInvalidInputNode,
			}
		}
	}

	res, err := e.store.ApplyValues(ctx, executionID, writes)
	if err != nil {
		return 0, fmt.Errorf("set on %s: %w", executionID, err)
	}
	if res.NoOp {
		return res.Revision, nil
	}
	e.emitValues(executionID, res.Revision, "value_set", res.Changed)

	if _, err := e.invalidate(ctx, g, executionID, res.Changed); err != nil {
		return res.Revision, err
	}
	if err := e.advance(ctx, executionID); err != nil {
		return res.Revision, err
	}
	return res.Revision, nil
}

// Advance runs one scheduler pass over an execution. Normally the
// cascade is driven by Set and by workers; explicit advances are for
// sweeps and tests.
func (e *Engine) Advance(ctx context.Context, executionID string) error {
	return e.advance(ctx, executionID)
}

// Load returns the execution row and a decoded snapshot of every value
// slot. Loading an execution whose stored graph hash is stale triggers
// schema evolution first.
func (e *Engine) Load(ctx context.Context, executionID string) (*Snapshot, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if g, gerr := e.catalog.lookup(ex.GraphName, ex.GraphVersion); gerr == nil && ex.GraphHash != g.Hash() {
		if err := e.evolve(ctx, g, ex); err != nil {
			return nil, err
		}
	}
	values, err := e.store.ListValues(ctx, executionID)
	if err != nil {
		return nil, err
	}
	views, err := snapshotViews(values)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Execution: *ex, Values: views}, nil
}

// History returns the execution's computation rows, oldest first.
func (e *Engine) History(ctx context.Context, executionID string) ([]store.Computation, error) {
	return e.store.ListComputations(ctx, executionID)
}

// Archive stamps the execution archived; sweeps and advances skip it
// from then on.
func (e *Engine) Archive(ctx context.Context, executionID string) error {
	now := e.now()
	if err := e.store.SetArchived(ctx, executionID, &now); err != nil {
		return err
	}
	e.emit(executionID, "", 0, "execution_archived", nil)
	return nil
}

// Unarchive clears archived_at and advances, picking up anything owed
// while the execution was parked.
func (e *Engine) Unarchive(ctx context.Context, executionID string) error {
	if err := e.store.SetArchived(ctx, executionID, nil); err != nil {
		return err
	}
	e.emit(executionID, "", 0, "execution_unarchived", nil)
	return e.advance(ctx, executionID)
}

func (e *Engine) metrics() *PrometheusMetrics { return e.pm }

func (e *Engine) emit(executionID, node string, revision int64, msg string, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Node:        node,
		Revision:    revision,
		Msg:         msg,
		Meta:        meta,
	})
}

func (e *Engine) emitValues(executionID string, revision int64, msg string, changed []string) {
	for _, name := range changed {
		e.emit(executionID, name, revision, msg, nil)
	}
}

func (e *Engine) emitError(executionID, node, msg string, err error) {
	e.emit(executionID, node, 0, msg, map[string]interface{}{"error": err.Error()})
}
