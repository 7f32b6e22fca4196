package flow

import (
	"context"
	"fmt"

	"github.com/dshills/stateflow-go/flow/store"
)

// advance is the scheduler pipeline for one execution: reconcile the
// stored graph hash, detect owed computations, grab the ready ones under
// row locks, and launch a detached worker per grab.
//
// advance is safe to call concurrently from any number of processes;
// the grab transaction's guarded promotion ensures each computation row
// is handed to at most one worker.
func (e *Engine) advance(ctx context.Context, executionID string) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("advance %s: %w", executionID, err)
	}
	g, err := e.catalog.lookup(ex.GraphName, ex.GraphVersion)
	if err != nil {
		return fmt.Errorf("advance %s: %w", executionID, err)
	}

	if ex.GraphHash != g.Hash() {
		if err := e.evolve(ctx, g, ex); err != nil {
			return fmt.Errorf("advance %s: %w", executionID, err)
		}
	}
	if ex.Archived() {
		return nil
	}

	values, err := e.store.ListValues(ctx, executionID)
	if err != nil {
		return fmt.Errorf("advance %s: %w", executionID, err)
	}
	views, err := snapshotViews(values)
	if err != nil {
		return fmt.Errorf("advance %s: %w", executionID, err)
	}

	if _, err := e.detectRecompute(ctx, g, executionID, views); err != nil {
		return err
	}

	now := e.now()
	grabbed, err := e.store.GrabComputations(ctx, executionID, now, func(c store.Computation, rows map[string]store.Value) *store.GrabDecision {
		n := g.Node(c.NodeName)
		if n == nil {
			return nil
		}
		snapshot, err := snapshotViews(flattenRows(rows))
		if err != nil {
			return nil
		}
		r := evaluateGate(runtimeGate(g, n, now), snapshot)
		if !r.Ready {
			return nil
		}
		witness := make(map[string]store.Value, len(r.Met))
		for _, w := range r.Met {
			if row, ok := rows[w.Node]; ok {
				witness[w.Node] = row
			}
		}
		return &store.GrabDecision{
			HeartbeatDeadline: now + n.HeartbeatTimeoutSeconds,
			Witness:           witness,
		}
	})
	if err != nil {
		return fmt.Errorf("advance %s: %w", executionID, err)
	}

	for _, grab := range grabbed {
		e.metrics().ObserveGrab()
		e.launchWorker(g, executionID, grab)
	}
	return nil
}

// runtimeGate rewrites the node's gate for grab-time evaluation: a
// default (Provided) leaf over a timer upstream only holds once the
// stored moment has arrived and is non-zero. Explicit predicates are
// left alone.
func runtimeGate(g *Graph, n *NodeDef, now int64) Cond {
	return rewriteTimerLeaves(g, n.GatedBy, now)
}

func rewriteTimerLeaves(g *Graph, c Cond, now int64) Cond {
	switch c.op {
	case condLeaf:
		up := g.Node(c.node)
		if c.pred == nil && up != nil && up.Type.Schedule() {
			c.pred = timerFired(now)
		}
		return c
	case condAnd, condOr, condNot:
		kids := make([]Cond, len(c.kids))
		for i, k := range c.kids {
			kids[i] = rewriteTimerLeaves(g, k, now)
		}
		c.kids = kids
		return c
	default:
		return c
	}
}

// timerFired holds when the slot stores a non-zero epoch-second moment
// at or before now. A 0 is a skipped tick and never fires.
func timerFired(now int64) PredicateFn {
	return func(row ValueView) bool {
		if !row.Provided() {
			return false
		}
		at, ok := asEpochSeconds(row.Value)
		return ok && at != 0 && at <= now
	}
}

// asEpochSeconds coerces a decoded JSON number to epoch seconds.
func asEpochSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

// flattenRows converts the grab transaction's name-keyed snapshot to the
// list shape shared with ListValues.
func flattenRows(rows map[string]store.Value) []store.Value {
	out := make([]store.Value, 0, len(rows))
	for _, v := range rows {
		out = append(out, v)
	}
	return out
}
