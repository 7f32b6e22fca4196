package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "flow_test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedExecution(t *testing.T, st *SQLStore, id string, nodes map[string]NodeType) *Execution {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Unix()
	ex := &Execution{
		ID:           id,
		GraphName:    "test_graph",
		GraphVersion: 1,
		GraphHash:    "hash-v1",
		InsertedAt:   now,
		UpdatedAt:    now,
	}
	values := []Value{
		{ExecutionID: id, NodeName: SlotExecutionID, NodeType: NodeInput, NodeValue: mustJSON(t, id), SetTime: &now},
		{ExecutionID: id, NodeName: SlotLastUpdatedAt, NodeType: NodeInput, NodeValue: mustJSON(t, now), SetTime: &now},
	}
	for name, nt := range nodes {
		values = append(values, Value{ExecutionID: id, NodeName: name, NodeType: nt})
	}
	if err := st.CreateExecution(ctx, ex, values); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	return ex
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return raw
}

func TestSQLStore_CreateAndGetExecution(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	seedExecution(t, st, "exec-1", map[string]NodeType{"name": NodeInput, "greeting": NodeCompute})

	// Execution row round-trips.
	ex, err := st.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if ex.GraphName != "test_graph" || ex.Revision != 0 {
		t.Errorf("unexpected execution: %+v", ex)
	}
	if ex.Archived() {
		t.Error("fresh execution should not be archived")
	}

	// Value slots exist, including the synthetic ones.
	values, err := st.ListValues(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if len(values) != 4 {
		t.Errorf("expected 4 value slots, got %d", len(values))
	}

	// Unknown execution returns ErrNotFound.
	if _, err := st.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
	if _, err := st.GetValue(ctx, "exec-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing slot, got: %v", err)
	}
}

func TestSQLStore_ApplyValues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedExecution(t, st, "exec-1", map[string]NodeType{"name": NodeInput, "greeting": NodeCompute})

	// First write bumps the revision to 1.
	res, err := st.ApplyValues(ctx, "exec-1", []ValueWrite{{NodeName: "name", NodeValue: mustJSON(t, "World")}})
	if err != nil {
		t.Fatalf("ApplyValues failed: %v", err)
	}
	if res.NoOp || res.Revision != 1 {
		t.Errorf("expected revision 1, got %+v", res)
	}
	if len(res.Changed) != 1 || res.Changed[0] != "name" {
		t.Errorf("expected changed = [name], got %v", res.Changed)
	}

	v, err := st.GetValue(ctx, "exec-1", "name")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if !v.Provided() || v.ExRevision != 1 {
		t.Errorf("unexpected slot: %+v", v)
	}

	// The last_updated_at slot was re-stamped at the same revision.
	stamp, err := st.GetValue(ctx, "exec-1", SlotLastUpdatedAt)
	if err != nil {
		t.Fatalf("GetValue(last_updated_at) failed: %v", err)
	}
	if stamp.ExRevision != 1 {
		t.Errorf("expected last_updated_at at revision 1, got %d", stamp.ExRevision)
	}

	// Writing the same value again is a no-op: no revision bump.
	res, err = st.ApplyValues(ctx, "exec-1", []ValueWrite{{NodeName: "name", NodeValue: mustJSON(t, "World")}})
	if err != nil {
		t.Fatalf("ApplyValues (repeat) failed: %v", err)
	}
	if !res.NoOp || res.Revision != 1 {
		t.Errorf("expected no-op at revision 1, got %+v", res)
	}
	ex, _ := st.GetExecution(ctx, "exec-1")
	if ex.Revision != 1 {
		t.Errorf("no-op must not bump the execution revision, got %d", ex.Revision)
	}

	// Map values compare by canonical bytes, not key order.
	first := json.RawMessage(`{"a":1,"b":2}`)
	if _, err := st.ApplyValues(ctx, "exec-1", []ValueWrite{{NodeName: "greeting", NodeValue: first}}); err != nil {
		t.Fatalf("ApplyValues failed: %v", err)
	}
	res, err = st.ApplyValues(ctx, "exec-1", []ValueWrite{{NodeName: "greeting", NodeValue: json.RawMessage(`{"a":1,"b":2}`)}})
	if err != nil {
		t.Fatalf("ApplyValues failed: %v", err)
	}
	if !res.NoOp {
		t.Error("identical JSON object should be a no-op")
	}

	// Unset clears value, metadata and set_time, and bumps the revision.
	res, err = st.ApplyValues(ctx, "exec-1", []ValueWrite{{NodeName: "name", Unset: true}})
	if err != nil {
		t.Fatalf("ApplyValues (unset) failed: %v", err)
	}
	if res.NoOp {
		t.Error("unset of a set slot must not be a no-op")
	}
	v, _ = st.GetValue(ctx, "exec-1", "name")
	if v.Provided() || v.NodeValue != nil {
		t.Errorf("expected cleared slot, got %+v", v)
	}
	if v.ExRevision != res.Revision {
		t.Errorf("cleared slot should carry the bump revision, got %d want %d", v.ExRevision, res.Revision)
	}

	// Unset of an already-unset slot is a no-op.
	res, err = st.ApplyValues(ctx, "exec-1", []ValueWrite{{NodeName: "name", Unset: true}})
	if err != nil {
		t.Fatalf("ApplyValues (unset twice) failed: %v", err)
	}
	if !res.NoOp {
		t.Error("unset of an unset slot should be a no-op")
	}
}

func TestSQLStore_ApplyValues_KeepRevision(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedExecution(t, st, "exec-1", map[string]NodeType{"target": NodeInput, "marker": NodeMutate})

	if _, err := st.ApplyValues(ctx, "exec-1", []ValueWrite{{NodeName: "target", NodeValue: mustJSON(t, true)}}); err != nil {
		t.Fatalf("ApplyValues failed: %v", err)
	}
	before, _ := st.GetValue(ctx, "exec-1", "target")

	// A KeepRevision write updates the payload but preserves the slot's
	// ex_revision, while the transaction still bumps the execution.
	res, err := st.ApplyValues(ctx, "exec-1", []ValueWrite{
		{NodeName: "marker", NodeValue: mustJSON(t, "updated target")},
		{NodeName: "target", NodeValue: mustJSON(t, false), KeepRevision: true},
	})
	if err != nil {
		t.Fatalf("ApplyValues (keep revision) failed: %v", err)
	}
	if res.NoOp || res.Revision != 2 {
		t.Errorf("expected revision 2, got %+v", res)
	}

	after, _ := st.GetValue(ctx, "exec-1", "target")
	if string(after.NodeValue) != "false" {
		t.Errorf("expected payload false, got %s", after.NodeValue)
	}
	if after.ExRevision != before.ExRevision {
		t.Errorf("ex_revision changed: %d → %d", before.ExRevision, after.ExRevision)
	}
	marker, _ := st.GetValue(ctx, "exec-1", "marker")
	if marker.ExRevision != 2 {
		t.Errorf("marker should carry revision 2, got %d", marker.ExRevision)
	}
}

func TestSQLStore_Computations(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedExecution(t, st, "exec-1", map[string]NodeType{"a": NodeInput, "b": NodeCompute})

	comp := &Computation{ExecutionID: "exec-1", NodeName: "b", Type: NodeCompute, State: StateNotSet, ExRevisionAtStart: 3}
	if err := st.InsertComputation(ctx, comp); err != nil {
		t.Fatalf("InsertComputation failed: %v", err)
	}
	if comp.ID == 0 {
		t.Error("expected assigned computation ID")
	}

	// Active check respects the revision floor.
	active, err := st.HasActiveComputation(ctx, "exec-1", "b", 3)
	if err != nil {
		t.Fatalf("HasActiveComputation failed: %v", err)
	}
	if !active {
		t.Error("expected an active computation at rev >= 3")
	}
	active, _ = st.HasActiveComputation(ctx, "exec-1", "b", 4)
	if active {
		t.Error("no active computation should exist at rev >= 4")
	}

	// Grab promotes not_set to computing with heartbeat fields stamped.
	now := time.Now().Unix()
	grabbed, err := st.GrabComputations(ctx, "exec-1", now, func(c Computation, values map[string]Value) *GrabDecision {
		if len(values) == 0 {
			t.Error("grab decider should see the value snapshot")
		}
		return &GrabDecision{HeartbeatDeadline: now + 600}
	})
	if err != nil {
		t.Fatalf("GrabComputations failed: %v", err)
	}
	if len(grabbed) != 1 {
		t.Fatalf("expected 1 grab, got %d", len(grabbed))
	}
	g := grabbed[0].Computation
	if g.State != StateComputing || g.StartTime == nil || g.HeartbeatDeadline == nil {
		t.Errorf("unexpected grabbed row: %+v", g)
	}

	// A second grab pass finds nothing: the row is already computing.
	grabbed, err = st.GrabComputations(ctx, "exec-1", now, func(c Computation, values map[string]Value) *GrabDecision {
		return &GrabDecision{HeartbeatDeadline: now + 600}
	})
	if err != nil {
		t.Fatalf("GrabComputations (second) failed: %v", err)
	}
	if len(grabbed) != 0 {
		t.Errorf("expected 0 grabs, got %d", len(grabbed))
	}

	// Heartbeat extends the deadline and reports the state.
	state, err := st.Heartbeat(ctx, g.ID, now+60, now+660)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if state != StateComputing {
		t.Errorf("expected computing, got %s", state)
	}

	// Completion is guarded on the computing state.
	ok, err := st.CompleteComputation(ctx, g.ID, StateSuccess, 4, map[string]int64{"a": 3}, "")
	if err != nil {
		t.Fatalf("CompleteComputation failed: %v", err)
	}
	if !ok {
		t.Error("first completion should win")
	}
	ok, err = st.CompleteComputation(ctx, g.ID, StateFailed, 4, nil, "late")
	if err != nil {
		t.Fatalf("CompleteComputation (late) failed: %v", err)
	}
	if ok {
		t.Error("second completion should lose the guard")
	}

	// The computed_with snapshot round-trips.
	latest, err := st.LatestSuccess(ctx, "exec-1", "b")
	if err != nil {
		t.Fatalf("LatestSuccess failed: %v", err)
	}
	if latest.ComputedWith["a"] != 3 {
		t.Errorf("expected computed_with[a] = 3, got %v", latest.ComputedWith)
	}
	if latest.ExRevisionAtCompletion == nil || *latest.ExRevisionAtCompletion != 4 {
		t.Errorf("expected completion revision 4, got %v", latest.ExRevisionAtCompletion)
	}
}

func TestSQLStore_FailuresAndAbandonment(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedExecution(t, st, "exec-1", map[string]NodeType{"a": NodeInput, "b": NodeCompute})
	now := time.Now().Unix()

	fail := func(startRev int64) {
		t.Helper()
		comp := &Computation{ExecutionID: "exec-1", NodeName: "b", Type: NodeCompute, State: StateNotSet, ExRevisionAtStart: startRev}
		if err := st.InsertComputation(ctx, comp); err != nil {
			t.Fatalf("InsertComputation failed: %v", err)
		}
		grabbed, err := st.GrabComputations(ctx, "exec-1", now, func(Computation, map[string]Value) *GrabDecision {
			return &GrabDecision{HeartbeatDeadline: now + 600}
		})
		if err != nil || len(grabbed) != 1 {
			t.Fatalf("grab failed: %v (%d rows)", err, len(grabbed))
		}
		if _, err := st.CompleteComputation(ctx, grabbed[0].Computation.ID, StateFailed, startRev, nil, "boom"); err != nil {
			t.Fatalf("CompleteComputation failed: %v", err)
		}
	}

	// Two failures in an old cycle, one in the current.
	fail(1)
	fail(1)
	fail(5)

	// Failure counting is scoped by the revision floor.
	n, err := st.CountFailures(ctx, "exec-1", "b", 5)
	if err != nil {
		t.Fatalf("CountFailures failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 current-cycle failure, got %d", n)
	}
	n, _ = st.CountFailures(ctx, "exec-1", "b", 0)
	if n != 3 {
		t.Errorf("expected 3 total failures, got %d", n)
	}

	// Expired computing rows are listed once past deadline + grace.
	comp := &Computation{ExecutionID: "exec-1", NodeName: "b", Type: NodeCompute, State: StateNotSet, ExRevisionAtStart: 5}
	if err := st.InsertComputation(ctx, comp); err != nil {
		t.Fatalf("InsertComputation failed: %v", err)
	}
	grabbed, err := st.GrabComputations(ctx, "exec-1", now, func(Computation, map[string]Value) *GrabDecision {
		return &GrabDecision{HeartbeatDeadline: now + 100}
	})
	if err != nil || len(grabbed) != 1 {
		t.Fatalf("grab failed: %v", err)
	}
	id := grabbed[0].Computation.ID

	expired, err := st.ListExpiredComputing(ctx, "exec-1", now+50, 10)
	if err != nil {
		t.Fatalf("ListExpiredComputing failed: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("row should not be expired yet, got %d", len(expired))
	}
	expired, err = st.ListExpiredComputing(ctx, "exec-1", now+200, 10)
	if err != nil {
		t.Fatalf("ListExpiredComputing failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != id {
		t.Fatalf("expected the expired row, got %+v", expired)
	}

	// Abandonment is guarded and idempotent.
	ok, err := st.AbandonComputation(ctx, id)
	if err != nil {
		t.Fatalf("AbandonComputation failed: %v", err)
	}
	if !ok {
		t.Error("first abandon should win")
	}
	ok, _ = st.AbandonComputation(ctx, id)
	if ok {
		t.Error("second abandon should lose")
	}
}

func TestSQLStore_CancelStaleComputations(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedExecution(t, st, "exec-1", map[string]NodeType{"a": NodeInput, "b": NodeCompute})

	insert := func(startRev int64) *Computation {
		t.Helper()
		c := &Computation{ExecutionID: "exec-1", NodeName: "b", Type: NodeCompute, State: StateNotSet, ExRevisionAtStart: startRev}
		if err := st.InsertComputation(ctx, c); err != nil {
			t.Fatalf("InsertComputation failed: %v", err)
		}
		return c
	}
	stale := insert(1)
	current := insert(4)

	n, err := st.CancelStaleComputations(ctx, "exec-1", "b", 4)
	if err != nil {
		t.Fatalf("CancelStaleComputations failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row cancelled, got %d", n)
	}

	comps, _ := st.ListComputations(ctx, "exec-1")
	states := map[int64]ComputationState{}
	for _, c := range comps {
		states[c.ID] = c.State
	}
	if states[stale.ID] != StateCancelled {
		t.Errorf("stale row should be cancelled, got %s", states[stale.ID])
	}
	if states[current.ID] != StateNotSet {
		t.Errorf("current row should survive, got %s", states[current.ID])
	}

	// Computing rows are never touched.
	now := time.Now().Unix()
	if _, err := st.GrabComputations(ctx, "exec-1", now, func(Computation, map[string]Value) *GrabDecision {
		return &GrabDecision{HeartbeatDeadline: now + 600}
	}); err != nil {
		t.Fatalf("grab failed: %v", err)
	}
	n, _ = st.CancelStaleComputations(ctx, "exec-1", "b", 99)
	if n != 0 {
		t.Errorf("computing rows must not be cancelled, got %d", n)
	}
}

func TestSQLStore_Sweeps(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now().Unix()

	// No completed run yet.
	if _, err := st.LastCompletedSweep(ctx, "schedule_fire"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}

	id, err := st.StartSweep(ctx, "schedule_fire", now)
	if err != nil {
		t.Fatalf("StartSweep failed: %v", err)
	}
	if err := st.CompleteSweep(ctx, id, now+2, 7); err != nil {
		t.Fatalf("CompleteSweep failed: %v", err)
	}

	run, err := st.LastCompletedSweep(ctx, "schedule_fire")
	if err != nil {
		t.Fatalf("LastCompletedSweep failed: %v", err)
	}
	if run.StartedAt != now || run.ExecutionsProcessed != 7 {
		t.Errorf("unexpected sweep run: %+v", run)
	}

	// Incomplete runs do not become the watermark.
	if _, err := st.StartSweep(ctx, "schedule_fire", now+10); err != nil {
		t.Fatalf("StartSweep failed: %v", err)
	}
	run, _ = st.LastCompletedSweep(ctx, "schedule_fire")
	if run.StartedAt != now {
		t.Errorf("incomplete run must not be the watermark, got started_at %d", run.StartedAt)
	}

	// Other sweep types are independent.
	if _, err := st.LastCompletedSweep(ctx, "abandoned"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other type, got: %v", err)
	}
}

func TestSQLStore_UpdatedSinceAndFindCurrent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedExecution(t, st, "exec-old", map[string]NodeType{"a": NodeInput})
	seedExecution(t, st, "exec-new", map[string]NodeType{"a": NodeInput})

	// Touch exec-new so its updated_at moves past the cutoff.
	if _, err := st.ApplyValues(ctx, "exec-new", []ValueWrite{{NodeName: "a", NodeValue: mustJSON(t, 1)}}); err != nil {
		t.Fatalf("ApplyValues failed: %v", err)
	}

	cutoff := time.Now().Unix() - 60
	ids, err := st.ListExecutionsUpdatedSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListExecutionsUpdatedSince failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected both executions inside the window, got %v", ids)
	}
	ids, _ = st.ListExecutionsUpdatedSince(ctx, time.Now().Unix()+3600)
	if len(ids) != 0 {
		t.Errorf("expected none past a future cutoff, got %v", ids)
	}

	// FindCurrentExecution skips archived rows.
	ex, err := st.FindCurrentExecution(ctx, "test_graph")
	if err != nil {
		t.Fatalf("FindCurrentExecution failed: %v", err)
	}
	at := time.Now().Unix()
	if err := st.SetArchived(ctx, ex.ID, &at); err != nil {
		t.Fatalf("SetArchived failed: %v", err)
	}
	other, err := st.FindCurrentExecution(ctx, "test_graph")
	if err != nil {
		t.Fatalf("FindCurrentExecution (after archive) failed: %v", err)
	}
	if other.ID == ex.ID {
		t.Error("archived execution should not be current")
	}
}

func TestSQLStore_EvolveExecution(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedExecution(t, st, "exec-1", map[string]NodeType{"a": NodeInput})

	before, _ := st.GetExecution(ctx, "exec-1")

	adds := []Value{{ExecutionID: "exec-1", NodeName: "b", NodeType: NodeCompute}}
	comps := []Computation{{ExecutionID: "exec-1", NodeName: "b", Type: NodeCompute, State: StateNotSet}}
	if err := st.EvolveExecution(ctx, "exec-1", "hash-v2", adds, comps); err != nil {
		t.Fatalf("EvolveExecution failed: %v", err)
	}

	after, _ := st.GetExecution(ctx, "exec-1")
	if after.GraphHash != "hash-v2" {
		t.Errorf("expected hash-v2, got %s", after.GraphHash)
	}
	// Evolution is additive bookkeeping, not an observable value change.
	if after.Revision != before.Revision {
		t.Errorf("evolution must not bump the revision: %d → %d", before.Revision, after.Revision)
	}

	v, err := st.GetValue(ctx, "exec-1", "b")
	if err != nil {
		t.Fatalf("GetValue(b) failed: %v", err)
	}
	if v.Provided() || v.ExRevision != 0 {
		t.Errorf("expected fresh unset slot, got %+v", v)
	}
	active, _ := st.HasActiveComputation(ctx, "exec-1", "b", 0)
	if !active {
		t.Error("expected a not_set computation for the added node")
	}
}

func TestSQLStore_WithNamedLock(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// Same key serializes; the critical sections must not interleave.
	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.WithNamedLock(ctx, "evolve", "exec-1", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithNamedLock failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("critical sections overlapped: max concurrency %d", maxInside)
	}

	// Errors from fn propagate.
	wantErr := errors.New("inner failure")
	err := st.WithNamedLock(ctx, "evolve", "exec-1", func(context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("expected inner error, got: %v", err)
	}
}

func TestSQLStore_Close(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Double-close is a no-op.
	if err := st.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := st.GetExecution(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got: %v", err)
	}
}

func TestJSONEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical bytes", `{"k":1}`, `{"k":1}`, true},
		{"whitespace normalized", `{"k":1}`, `{"k": 1}`, true},
		{"key order normalized", `{"a":1,"b":2}`, `{"b": 2, "a": 1}`, true},
		{"array spacing", `[1,2,3]`, `[1, 2, 3]`, true},
		{"nested normalization", `{"o":{"x":[1,2]}}`, `{"o": {"x": [1, 2]}}`, true},
		{"different values", `{"k":1}`, `{"k":2}`, false},
		{"different shapes", `{"k":1}`, `[1]`, false},
		{"null equals empty", `null`, ``, true},
		{"null vs value", `null`, `{"k":1}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := jsonEqual(json.RawMessage(tc.a), json.RawMessage(tc.b)); got != tc.want {
				t.Errorf("jsonEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestSQLStore_ApplyValuesNoOpAcrossJSONNormalization(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedExecution(t, st, "exec-1", map[string]NodeType{"a": NodeInput})

	// Simulate a backend that rewrites stored JSON (MySQL JSON, Postgres
	// JSONB) by seeding the slot with server-style rendering.
	res, err := st.ApplyValues(ctx, "exec-1", []ValueWrite{
		{NodeName: "a", NodeValue: json.RawMessage(`{"b": 2, "a": 1}`)},
	})
	if err != nil {
		t.Fatalf("ApplyValues failed: %v", err)
	}
	rev := res.Revision

	// Re-setting the semantically identical compact encoding is a no-op.
	res, err = st.ApplyValues(ctx, "exec-1", []ValueWrite{
		{NodeName: "a", NodeValue: json.RawMessage(`{"a":1,"b":2}`)},
	})
	if err != nil {
		t.Fatalf("ApplyValues (re-set) failed: %v", err)
	}
	if !res.NoOp || res.Revision != rev {
		t.Errorf("expected a no-op at revision %d, got %+v", rev, res)
	}

	// A genuinely different value still writes.
	res, err = st.ApplyValues(ctx, "exec-1", []ValueWrite{
		{NodeName: "a", NodeValue: json.RawMessage(`{"a":1,"b":3}`)},
	})
	if err != nil {
		t.Fatalf("ApplyValues (change) failed: %v", err)
	}
	if res.NoOp || res.Revision != rev+1 {
		t.Errorf("expected a revision bump to %d, got %+v", rev+1, res)
	}
}
