package flow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/stateflow-go/flow/emit"
	"github.com/dshills/stateflow-go/flow/store"
)

// testClock is a settable engine clock for timer and heartbeat tests.
type testClock struct {
	mu  sync.Mutex
	now int64
}

func newTestClock(start int64) *testClock { return &testClock{now: start} }

func (c *testClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(seconds int64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, graphs []*Graph, opts ...Option) *Engine {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "engine_test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	opts = append([]Option{WithGraphs(graphs...), WithRetryBackoff(0, 0)}, opts...)
	eng, err := New(st, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// settle waits for the cascade triggered by the last call to drain.
func settle(eng *Engine) {
	// Workers launch follow-up workers before they exit, so a drained
	// wait group means the cascade reached a fixed point.
	eng.WaitIdle()
}

func mustGet(t *testing.T, eng *Engine, executionID, node string) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	view, err := eng.Get(ctx, executionID, node, WaitAny())
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", node, err)
	}
	return view.Value
}

func TestEngine_GreetingChain(t *testing.T) {
	g, err := NewGraph("greetings", 1, []NodeDef{
		Input("name"),
		Compute("greeting", On("name"), func(ctx context.Context, p Params) (any, error) {
			return fmt.Sprintf("Hello, %v", p.Values["name"]), nil
		}),
		Compute("excited", On("greeting"), func(ctx context.Context, p Params) (any, error) {
			return fmt.Sprintf("%v!", p.Values["greeting"]), nil
		}),
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()

	ex, err := eng.StartExecution(ctx, "greetings", 1)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	rev, err := eng.Set(ctx, ex.ID, "name", "World")
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if rev < 1 {
		t.Errorf("expected a revision bump, got %d", rev)
	}
	settle(eng)

	if got := mustGet(t, eng, ex.ID, "excited"); got != "Hello, World!" {
		t.Errorf("excited = %v, want Hello, World!", got)
	}

	// Setting the same value again is a no-op: no recompute.
	historyLen := func() int {
		comps, err := eng.History(ctx, ex.ID)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		return len(comps)
	}
	before := historyLen()
	rev2, err := eng.Set(ctx, ex.ID, "name", "World")
	if err != nil {
		t.Fatalf("Set (repeat) failed: %v", err)
	}
	settle(eng)
	if rev2 != rev {
		t.Errorf("no-op set must not bump the revision: %d → %d", rev, rev2)
	}
	if after := historyLen(); after != before {
		t.Errorf("no-op set must not spawn computations: %d → %d", before, after)
	}

	// A different value recomputes the whole chain.
	if _, err := eng.Set(ctx, ex.ID, "name", "Gopher"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)
	ctxWait, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	view, err := eng.Get(ctxWait, ex.ID, "excited", WaitNewerThan(rev))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view.Value != "Hello, Gopher!" {
		t.Errorf("excited = %v, want Hello, Gopher!", view.Value)
	}
}

func TestEngine_SetValidation(t *testing.T) {
	g, _ := NewGraph("g", 1, []NodeDef{
		Input("a"),
		Compute("b", On("a"), echoFn),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, err := eng.StartExecution(ctx, "g", 1)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	settle(eng)

	// Derived nodes cannot be set directly; the error names the inputs
	// and carries a machine-readable code alongside the sentinel.
	_, err = eng.Set(ctx, ex.ID, "b", 1)
	if !errors.Is(err, ErrInvalidInputNode) {
		t.Errorf("expected ErrInvalidInputNode, got: %v", err)
	}
	var fe *FlowError
	if !errors.As(err, &fe) || fe.Code != "invalid_input_node" {
		t.Errorf("expected a coded FlowError, got: %v", err)
	}
	_, err = eng.Set(ctx, ex.ID, "nope", 1)
	if !errors.Is(err, ErrInvalidInputNode) {
		t.Errorf("expected ErrInvalidInputNode for unknown node, got: %v", err)
	}

	// Map values require string keys.
	_, err = eng.Set(ctx, ex.ID, "a", map[int]any{1: "x"})
	if !errors.Is(err, ErrInvalidValueShape) {
		t.Errorf("expected ErrInvalidValueShape, got: %v", err)
	}
}

func TestEngine_DiamondInvalidation(t *testing.T) {
	fn := func(label string) ComputeFunc {
		return func(ctx context.Context, p Params) (any, error) {
			return fmt.Sprintf("%s(%v)", label, p.Values["a"]), nil
		}
	}
	g, _ := NewGraph("diamond", 1, []NodeDef{
		Input("a"),
		Compute("b", On("a"), fn("b")),
		Compute("c", On("a"), fn("c")),
		Compute("d", On("b", "c"), func(ctx context.Context, p Params) (any, error) {
			return fmt.Sprintf("%v+%v", p.Values["b"], p.Values["c"]), nil
		}),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "diamond", 1)

	if _, err := eng.Set(ctx, ex.ID, "a", 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)
	if got := mustGet(t, eng, ex.ID, "d"); got != "b(1)+c(1)" {
		t.Errorf("d = %v, want b(1)+c(1)", got)
	}

	// Unsetting the root clears the whole diamond transitively.
	if _, err := eng.Unset(ctx, ex.ID, "a"); err != nil {
		t.Fatalf("Unset failed: %v", err)
	}
	settle(eng)

	for _, node := range []string{"b", "c", "d"} {
		_, err := eng.Get(ctx, ex.ID, node)
		if !errors.Is(err, ErrNotSet) {
			t.Errorf("%s: expected ErrNotSet after invalidation, got: %v", node, err)
		}
	}

	// Setting the root again recomputes everything.
	if _, err := eng.Set(ctx, ex.ID, "a", 2); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)
	if got := mustGet(t, eng, ex.ID, "d"); got != "b(2)+c(2)" {
		t.Errorf("d = %v, want b(2)+c(2)", got)
	}
}

func TestEngine_OrGateRecompute(t *testing.T) {
	var runs atomic.Int64
	g, _ := NewGraph("or_gate", 1, []NodeDef{
		Input("x"),
		Input("y"),
		Compute("z", Or(On("x"), On("y")), func(ctx context.Context, p Params) (any, error) {
			runs.Add(1)
			return fmt.Sprintf("x=%v y=%v", p.Values["x"], p.Values["y"]), nil
		}),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "or_gate", 1)

	if _, err := eng.Set(ctx, ex.ID, "x", 1); err != nil {
		t.Fatalf("Set x failed: %v", err)
	}
	settle(eng)
	if got := mustGet(t, eng, ex.ID, "z"); got != "x=1 y=<nil>" {
		t.Errorf("z = %v", got)
	}
	if runs.Load() != 1 {
		t.Errorf("expected 1 run, got %d", runs.Load())
	}

	// The second branch becoming satisfied recomputes an or-gated node,
	// and the function now sees both branches.
	if _, err := eng.Set(ctx, ex.ID, "y", 2); err != nil {
		t.Fatalf("Set y failed: %v", err)
	}
	settle(eng)
	if got := mustGet(t, eng, ex.ID, "z"); got != "x=1 y=2" {
		t.Errorf("z after second branch = %v", got)
	}
	if runs.Load() != 2 {
		t.Errorf("expected 2 runs, got %d", runs.Load())
	}
}

// A mutate node that flips its own trigger off must converge: the
// mutation preserves the target's revision, so the mutate does not
// re-fire against its own write.
func TestEngine_UselessMachine(t *testing.T) {
	var flips atomic.Int64
	g, _ := NewGraph("useless_machine", 1, []NodeDef{
		Input("switch"),
		Mutate("turn_off", When("switch", IsTrue), func(ctx context.Context, p Params) (any, error) {
			flips.Add(1)
			return false, nil
		}, "switch"),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "useless_machine", 1)

	if _, err := eng.Set(ctx, ex.ID, "switch", true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)

	snap, err := eng.Load(ctx, ex.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Values["switch"].Value != false {
		t.Errorf("switch = %v, want false", snap.Values["switch"].Value)
	}
	if snap.Values["turn_off"].Value != "updated switch" {
		t.Errorf("marker = %v, want updated switch", snap.Values["turn_off"].Value)
	}
	if flips.Load() != 1 {
		t.Errorf("expected exactly 1 flip, got %d", flips.Load())
	}

	// Flipping the switch back on fires the machine again.
	if _, err := eng.Set(ctx, ex.ID, "switch", true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)
	snap, _ = eng.Load(ctx, ex.ID)
	if snap.Values["switch"].Value != false {
		t.Errorf("switch = %v, want false after second flip", snap.Values["switch"].Value)
	}
	if flips.Load() != 2 {
		t.Errorf("expected 2 flips, got %d", flips.Load())
	}
}

// A mutate declared with update_revision makes the mutated slot a true
// value change: downstream consumers of the target recompute.
func TestEngine_MutateWithUpdateRevision(t *testing.T) {
	g, _ := NewGraph("propagate", 1, []NodeDef{
		Input("title"),
		Input("doc"),
		Mutate("stamp", On("title"), func(ctx context.Context, p Params) (any, error) {
			return fmt.Sprintf("stamped:%v", p.Values["title"]), nil
		}, "doc", WithUpdateRevision()),
		Compute("render", On("doc"), func(ctx context.Context, p Params) (any, error) {
			return fmt.Sprintf("render(%v)", p.Values["doc"]), nil
		}),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "propagate", 1)

	if _, err := eng.Set(ctx, ex.ID, "title", "T1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)

	snap, _ := eng.Load(ctx, ex.ID)
	doc := snap.Values["doc"]
	if doc.Value != "stamped:T1" {
		t.Errorf("doc = %v, want stamped:T1", doc.Value)
	}
	if doc.Revision <= 1 {
		t.Errorf("expected the mutated slot's revision to advance, got %d", doc.Revision)
	}
	// The downstream consumer of the mutated slot recomputed.
	if got := mustGet(t, eng, ex.ID, "render"); got != "render(stamped:T1)" {
		t.Errorf("render = %v, want render(stamped:T1)", got)
	}
}

func TestEngine_RetryScoping(t *testing.T) {
	var attempts atomic.Int64
	g, _ := NewGraph("flaky", 1, []NodeDef{
		Input("a"),
		Compute("b", On("a"), func(ctx context.Context, p Params) (any, error) {
			attempts.Add(1)
			return nil, errors.New("kaput")
		}, WithMaxRetries(2)),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "flaky", 1)

	if _, err := eng.Set(ctx, ex.ID, "a", 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)

	// The budget is 2 per cycle: the initial attempt plus one retry.
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
	comps, _ := eng.History(ctx, ex.ID)
	failed := 0
	for _, c := range comps {
		if c.State == store.StateFailed {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("expected 2 failed rows, got %d", failed)
	}

	// A waiting Get fails fast instead of spinning out its context.
	ctxWait, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := eng.Get(ctxWait, ex.ID, "b", WaitAny())
	if !errors.Is(err, ErrComputationFailed) {
		t.Errorf("expected ErrComputationFailed, got: %v", err)
	}
	var fe *FlowError
	if !errors.As(err, &fe) || fe.Code != "computation_failed" {
		t.Errorf("expected a coded FlowError, got: %v", err)
	}

	// A new upstream cycle resets the budget.
	if _, err := eng.Set(ctx, ex.ID, "a", 2); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)
	if attempts.Load() != 4 {
		t.Errorf("expected a fresh budget of 2 (4 total), got %d", attempts.Load())
	}
}

func TestEngine_PanicBecomesFailure(t *testing.T) {
	g, _ := NewGraph("panicky", 1, []NodeDef{
		Input("a"),
		Compute("b", On("a"), func(ctx context.Context, p Params) (any, error) {
			panic("unexpected doom")
		}, WithMaxRetries(1)),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "panicky", 1)

	if _, err := eng.Set(ctx, ex.ID, "a", 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)

	comps, _ := eng.History(ctx, ex.ID)
	var found bool
	for _, c := range comps {
		if c.NodeName == "b" && c.State == store.StateFailed {
			found = true
			if c.ErrorDetails == "" || len(c.ErrorDetails) > 2000 {
				t.Errorf("expected truncated panic details, got %d bytes", len(c.ErrorDetails))
			}
		}
	}
	if !found {
		t.Error("expected a failed computation carrying the panic")
	}
}

func TestEngine_Historian(t *testing.T) {
	g, _ := NewGraph("sensors", 1, []NodeDef{
		Input("temp"),
		Historian("log", On("temp"), WithMaxEntries(2)),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "sensors", 1)

	for _, v := range []float64{20.0, 21.0, 22.0} {
		if _, err := eng.Set(ctx, ex.ID, "temp", v); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		settle(eng)
	}

	got := mustGet(t, eng, ex.ID, "log")
	records, ok := got.([]any)
	if !ok {
		t.Fatalf("expected a record list, got %#v", got)
	}
	if len(records) != 2 {
		t.Fatalf("expected max 2 records, got %d", len(records))
	}
	last := records[1].(map[string]any)
	if last["value"] != 22.0 || last["node"] != "temp" {
		t.Errorf("unexpected last record: %v", last)
	}
	if _, ok := last["revision"]; !ok {
		t.Error("records should carry the upstream revision")
	}
}

func TestEngine_OnSaveHooks(t *testing.T) {
	var nodeHook, graphHook atomic.Int64
	g, err := NewGraph("hooked", 1, []NodeDef{
		Input("a"),
		Compute("b", On("a"), echoFn, WithNodeOnSave(func(executionID string, r Result) {
			if r.Err == nil {
				nodeHook.Add(1)
			}
		})),
	}, WithGraphOnSave(func(executionID, nodeName string, r Result) {
		graphHook.Add(1)
		// A panicking hook must not take the engine down.
		panic("hook doom")
	}))
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "hooked", 1)

	if _, err := eng.Set(ctx, ex.ID, "a", 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)

	if nodeHook.Load() != 1 {
		t.Errorf("node hook ran %d times, want 1", nodeHook.Load())
	}
	if graphHook.Load() != 1 {
		t.Errorf("graph hook ran %d times, want 1", graphHook.Load())
	}
}

func TestEngine_ArchiveNode(t *testing.T) {
	g, _ := NewGraph("closable", 1, []NodeDef{
		Input("done"),
		Archive("finish", When("done", IsTrue)),
	})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "closable", 1)

	if _, err := eng.Set(ctx, ex.ID, "done", true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)

	snap, err := eng.Load(ctx, ex.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !snap.Execution.Archived() {
		t.Error("expected the execution to be archived")
	}
}

func TestEngine_Singleton(t *testing.T) {
	g, _ := NewGraph("daily_report", 1, []NodeDef{Input("date")})
	eng := newTestEngine(t, []*Graph{g})
	ctx := context.Background()

	first, err := eng.StartSingleton(ctx, "daily_report", 1)
	if err != nil {
		t.Fatalf("StartSingleton failed: %v", err)
	}
	second, err := eng.StartSingleton(ctx, "daily_report", 1)
	if err != nil {
		t.Fatalf("StartSingleton (second) failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("singleton should reuse the execution: %s vs %s", first.ID, second.ID)
	}

	// Archiving the current one makes room for a fresh singleton.
	if err := eng.Archive(ctx, first.ID); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	third, err := eng.StartSingleton(ctx, "daily_report", 1)
	if err != nil {
		t.Fatalf("StartSingleton (third) failed: %v", err)
	}
	if third.ID == first.ID {
		t.Error("archived execution must not be reused")
	}
}

func TestEngine_ExecutionIDPrefix(t *testing.T) {
	g, _ := NewGraph("prefixed", 1, []NodeDef{Input("a")}, WithExecutionIDPrefix("ord_"))
	eng := newTestEngine(t, []*Graph{g})
	ex, err := eng.StartExecution(context.Background(), "prefixed", 1)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if len(ex.ID) < 5 || ex.ID[:4] != "ord_" {
		t.Errorf("expected ord_ prefix, got %s", ex.ID)
	}
}

func TestEngine_SyntheticSlots(t *testing.T) {
	g, _ := NewGraph("plain", 1, []NodeDef{Input("a")})
	eng := newTestEngine(t, []*Graph{g}, WithEmitter(emit.NewBufferedEmitter()))
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "plain", 1)
	settle(eng)

	snap, _ := eng.Load(ctx, ex.ID)
	if snap.Values[SlotExecutionID].Value != ex.ID {
		t.Errorf("execution_id slot = %v, want %s", snap.Values[SlotExecutionID].Value, ex.ID)
	}
	if !snap.Values[SlotLastUpdatedAt].Provided() {
		t.Error("last_updated_at slot should be set at creation")
	}

	// Every value write re-stamps last_updated_at at the new revision.
	rev, _ := eng.Set(ctx, ex.ID, "a", 1)
	settle(eng)
	snap, _ = eng.Load(ctx, ex.ID)
	if snap.Values[SlotLastUpdatedAt].Revision != rev {
		t.Errorf("last_updated_at revision = %d, want %d", snap.Values[SlotLastUpdatedAt].Revision, rev)
	}
}

func TestEngine_WaitNewer(t *testing.T) {
	g, _ := NewGraph("waity", 1, []NodeDef{Input("a")})
	eng := newTestEngine(t, []*Graph{g}, WithWaitBackoff(10*time.Millisecond, 50*time.Millisecond))
	ctx := context.Background()
	ex, _ := eng.StartExecution(ctx, "waity", 1)

	if _, err := eng.Set(ctx, ex.ID, "a", "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	settle(eng)

	// A concurrent writer unblocks the waiter.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = eng.Set(context.Background(), ex.ID, "a", "v2")
	}()

	ctxWait, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	view, err := eng.Get(ctxWait, ex.ID, "a", WaitNewer())
	if err != nil {
		t.Fatalf("Get(WaitNewer) failed: %v", err)
	}
	if view.Value != "v2" {
		t.Errorf("expected v2, got %v", view.Value)
	}

	// WaitNewerThan against the final revision times out via context.
	ctxShort, cancelShort := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancelShort()
	_, err = eng.Get(ctxShort, ex.ID, "a", WaitNewerThan(view.Revision))
	if !errors.Is(err, ErrNotSet) {
		t.Errorf("expected ErrNotSet on timeout, got: %v", err)
	}
}
