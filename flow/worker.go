package flow

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"time"

	"github.com/dshills/stateflow-go/flow/store"
)

// Workers run grabbed computations detached from the caller that
// triggered the advance: a Set returns as soon as its transaction
// commits, and the cascade continues in the background.

const maxErrorDetails = 2000

func (e *Engine) launchWorker(g *Graph, executionID string, grab store.Grabbed) {
	e.wg.Add(1)
	e.metrics().IncInflight()
	go func() {
		defer e.wg.Done()
		defer e.metrics().DecInflight()
		e.runWorker(g, executionID, grab)
	}()
}

func (e *Engine) runWorker(g *Graph, executionID string, grab store.Grabbed) {
	comp := grab.Computation
	n := g.Node(comp.NodeName)
	if n == nil {
		// The graph lost this node between grab and launch; only possible
		// with a miscataloged definition. Cancel rather than guess.
		_, _ = e.store.CompleteComputation(e.baseCtx, comp.ID, store.StateCancelled, 0, nil, "node not in graph")
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	defer cancel()
	wd := e.startWatchdog(ctx, cancel, &comp, n)
	defer wd.stop()

	values, err := e.store.ListValues(ctx, executionID)
	if err != nil {
		e.failComputation(g, executionID, &comp, n, fmt.Errorf("load values: %w", err))
		return
	}
	views, err := snapshotViews(values)
	if err != nil {
		e.failComputation(g, executionID, &comp, n, err)
		return
	}
	witness, err := snapshotViews(flattenRows(grab.Witness))
	if err != nil {
		e.failComputation(g, executionID, &comp, n, err)
		return
	}
	params := Params{Values: providedValues(views), Nodes: witness}

	var result any
	var ferr error
	switch n.Type {
	case store.NodeHistorian:
		// The computed_with snapshot of the last success survives the
		// max_entries trim, so it is the authoritative floor for which
		// leaf revisions have already been recorded.
		var floor map[string]int64
		if latest, lerr := e.store.LatestSuccess(ctx, executionID, n.Name); lerr == nil {
			floor = latest.ComputedWith
		} else if !isNotFound(lerr) {
			e.failComputation(g, executionID, &comp, n, lerr)
			return
		}
		result, ferr = historianList(views[n.Name], witness, floor, n.MaxEntries, e.now())
	case store.NodeArchive:
		// No user function; firing is the effect.
	default:
		result, ferr = safeInvoke(ctx, n.Fn, params)
	}
	wd.stop()

	if ferr != nil {
		e.failComputation(g, executionID, &comp, n, ferr)
		return
	}

	rev, changed, serr := e.saveSuccess(ctx, executionID, n, result)
	if serr != nil {
		e.failComputation(g, executionID, &comp, n, serr)
		return
	}

	done, err := e.store.CompleteComputation(ctx, comp.ID, store.StateSuccess, rev, upstreamSnapshot(n, views), "")
	if err != nil {
		e.emitError(executionID, n.Name, "computation_complete_error", err)
		return
	}
	if !done {
		// Abandoned while we were writing; the sweep owns the retry.
		return
	}
	e.metrics().ObserveCompleted(store.StateSuccess)
	e.emitValues(executionID, rev, "computation_success", []string{n.Name})

	e.fireOnSave(g, n, executionID, Result{Value: result})

	if n.Type == store.NodeCompute && len(changed) > 0 {
		if _, err := e.invalidate(e.baseCtx, g, executionID, changed); err != nil {
			e.emitError(executionID, n.Name, "invalidate_error", err)
		}
	}
	if err := e.advance(e.baseCtx, executionID); err != nil {
		e.emitError(executionID, n.Name, "advance_error", err)
	}
}

// saveSuccess applies the per-node-type write for a successful result
// and returns the resulting revision plus the changed slot names.
func (e *Engine) saveSuccess(ctx context.Context, executionID string, n *NodeDef, result any) (int64, []string, error) {
	switch n.Type {
	case store.NodeCompute, store.NodeHistorian:
		raw, err := encodeValue(result)
		if err != nil {
			return 0, nil, err
		}
		res, err := e.store.ApplyValues(ctx, executionID, []store.ValueWrite{{NodeName: n.Name, NodeValue: raw}})
		if err != nil {
			return 0, nil, err
		}
		return res.Revision, res.Changed, nil

	case store.NodeScheduleOnce, store.NodeScheduleRecurring:
		at, ok := asEpochSeconds(result)
		if !ok {
			return 0, nil, fmt.Errorf("schedule node %q returned %T, want epoch seconds", n.Name, result)
		}
		raw, err := encodeValue(at)
		if err != nil {
			return 0, nil, err
		}
		res, err := e.store.ApplyValues(ctx, executionID, []store.ValueWrite{{NodeName: n.Name, NodeValue: raw}})
		if err != nil {
			return 0, nil, err
		}
		return res.Revision, res.Changed, nil

	case store.NodeMutate:
		targetRaw, err := encodeValue(result)
		if err != nil {
			return 0, nil, err
		}
		markerRaw, err := encodeValue(fmt.Sprintf("updated %s", n.Mutates))
		if err != nil {
			return 0, nil, err
		}
		writes := []store.ValueWrite{
			{NodeName: n.Name, NodeValue: markerRaw},
			{NodeName: n.Mutates, NodeValue: targetRaw, KeepRevision: !n.UpdateRevision},
		}
		res, err := e.store.ApplyValues(ctx, executionID, writes)
		if err != nil {
			return 0, nil, err
		}
		if n.UpdateRevision {
			return res.Revision, res.Changed, nil
		}
		// The target's revision was preserved, so only the marker counts
		// as a change for cascade purposes.
		return res.Revision, []string{n.Name}, nil

	case store.NodeArchive:
		now := e.now()
		if err := e.store.SetArchived(ctx, executionID, &now); err != nil {
			return 0, nil, err
		}
		ex, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return 0, nil, err
		}
		e.emit(executionID, n.Name, ex.Revision, "execution_archived", nil)
		return ex.Revision, nil, nil

	default:
		return 0, nil, fmt.Errorf("node %q: unexpected type %q", n.Name, n.Type)
	}
}

// failComputation records a failure and inserts a retry row while the
// current cycle's budget lasts.
func (e *Engine) failComputation(g *Graph, executionID string, comp *store.Computation, n *NodeDef, ferr error) {
	ctx := e.baseCtx
	details := ferr.Error()
	if len(details) > maxErrorDetails {
		details = details[:maxErrorDetails]
	}

	rev := comp.ExRevisionAtStart
	if ex, err := e.store.GetExecution(ctx, executionID); err == nil {
		rev = ex.Revision
	}

	done, err := e.store.CompleteComputation(ctx, comp.ID, store.StateFailed, rev, nil, details)
	if err != nil || !done {
		return
	}
	e.metrics().ObserveCompleted(store.StateFailed)
	e.emit(executionID, n.Name, rev, "computation_failed", map[string]interface{}{"error": details})

	failures, err := e.store.CountFailures(ctx, executionID, n.Name, comp.ExRevisionAtStart)
	if err == nil && failures < n.MaxRetries {
		e.sleepRetryBackoff(failures)
		retry := &store.Computation{
			ExecutionID:       executionID,
			NodeName:          n.Name,
			Type:              n.Type,
			State:             store.StateNotSet,
			ExRevisionAtStart: comp.ExRevisionAtStart,
		}
		if err := e.store.InsertComputation(ctx, retry); err == nil {
			e.metrics().ObserveRetry()
		}
	}

	e.fireOnSave(g, n, executionID, Result{Err: ferr})

	if err := e.advance(ctx, executionID); err != nil {
		e.emitError(executionID, n.Name, "advance_error", err)
	}
}

// fireOnSave runs the node-level and graph-level hooks in detached
// goroutines, each with its own panic guard.
func (e *Engine) fireOnSave(g *Graph, n *NodeDef, executionID string, r Result) {
	run := func(fn func()) {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { _ = recover() }()
			fn()
		}()
	}
	if n.OnSave != nil {
		hook := n.OnSave
		run(func() { hook(executionID, r) })
	}
	if g.onSave != nil {
		hook := g.onSave
		name := n.Name
		run(func() { hook(executionID, name, r) })
	}
}

// safeInvoke calls the user function, converting a panic into a failure
// carrying the panic text and stack.
func safeInvoke(ctx context.Context, fn ComputeFunc, p Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, p)
}

// historianList builds the node's next record list: one record per
// witness leaf whose revision has not been recorded yet, appended in
// revision order, oldest dropped past maxEntries.
//
// floor carries the per-leaf revisions already recorded by the previous
// success; a trimmed record must not reappear, so the floor is consulted
// even when the record itself is gone from the list.
func historianList(current ValueView, witness map[string]ValueView, floor map[string]int64, maxEntries *int, now int64) (any, error) {
	lastRev := make(map[string]int64, len(floor))
	for name, rev := range floor {
		lastRev[name] = rev
	}
	var records []any
	if existing, ok := current.Value.([]any); ok {
		records = append(records, existing...)
		for _, r := range existing {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			node, _ := m["node"].(string)
			if rev, ok := asEpochSeconds(m["revision"]); ok && rev > lastRev[node] {
				lastRev[node] = rev
			}
		}
	}

	var fresh []ValueView
	for name, row := range witness {
		if !row.Provided() || row.Revision <= lastRev[name] {
			continue
		}
		fresh = append(fresh, row)
	}
	// Keep the list revision-ascending when several leaves append in one
	// pass; ties break on the node name.
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].Revision != fresh[j].Revision {
			return fresh[i].Revision < fresh[j].Revision
		}
		return fresh[i].Name < fresh[j].Name
	})
	for _, row := range fresh {
		records = append(records, map[string]any{
			"value":     row.Value,
			"node":      row.Name,
			"timestamp": now,
			"revision":  row.Revision,
			"metadata":  row.Metadata,
		})
	}
	if records == nil {
		records = []any{}
	}

	if maxEntries != nil && *maxEntries >= 0 && len(records) > *maxEntries {
		records = records[len(records)-*maxEntries:]
	}
	return records, nil
}

// sleepRetryBackoff sleeps a jittered back-off before a retry insert so
// racing cascades do not hammer a flapping node.
func (e *Engine) sleepRetryBackoff(attempt int) {
	if e.retryBackoffBase <= 0 {
		return
	}
	d := e.retryBackoffBase << uint(attempt)
	if d > e.retryBackoffCap {
		d = e.retryBackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	select {
	case <-e.baseCtx.Done():
	case <-time.After(d/2 + jitter):
	}
}
