package flow

import (
	"context"
	"fmt"

	"github.com/dshills/stateflow-go/flow/store"
)

// Recompute detection: decide, per derived node, whether a fresh
// computation row is owed, keyed entirely off upstream revisions.

// maxUpstreamRev returns the maximum ex_revision among the node's gate
// leaves, over every name reachable in the expression tree (including
// not/or branches). A node with no gate has max revision 0.
func maxUpstreamRev(n *NodeDef, views map[string]ValueView) int64 {
	var max int64
	for _, leaf := range n.GatedBy.Leaves() {
		if row, ok := views[leaf]; ok && row.Revision > max {
			max = row.Revision
		}
	}
	return max
}

// upstreamSnapshot captures the leaf → ex_revision map recorded as
// computed_with at success and compared on later detection passes.
func upstreamSnapshot(n *NodeDef, views map[string]ValueView) map[string]int64 {
	leaves := n.GatedBy.Leaves()
	if len(leaves) == 0 {
		return nil
	}
	snap := make(map[string]int64, len(leaves))
	for _, leaf := range leaves {
		if row, ok := views[leaf]; ok {
			snap[leaf] = row.Revision
		}
	}
	return snap
}

func snapshotsEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// detectRecompute inserts a not_set computation for each derived node
// whose upstreams have advanced past its latest success, unless an
// active row already covers the current cycle or the retry budget for
// this cycle is spent. Returns the number of rows inserted.
func (e *Engine) detectRecompute(ctx context.Context, g *Graph, executionID string, views map[string]ValueView) (int, error) {
	inserted := 0
	for _, n := range g.derivedNodes() {
		maxRev := maxUpstreamRev(n, views)

		// A pending row from an older cycle would otherwise be grabbed
		// next to the row inserted below.
		if _, err := e.store.CancelStaleComputations(ctx, executionID, n.Name, maxRev); err != nil {
			return inserted, fmt.Errorf("detect %s/%s: %w", executionID, n.Name, err)
		}

		active, err := e.store.HasActiveComputation(ctx, executionID, n.Name, maxRev)
		if err != nil {
			return inserted, fmt.Errorf("detect %s/%s: %w", executionID, n.Name, err)
		}
		if active {
			continue
		}

		snap := upstreamSnapshot(n, views)
		latest, err := e.store.LatestSuccess(ctx, executionID, n.Name)
		switch {
		case err == nil:
			if snapshotsEqual(latest.ComputedWith, snap) {
				continue
			}
		case isNotFound(err):
			// Never succeeded; fall through.
		default:
			return inserted, fmt.Errorf("detect %s/%s: %w", executionID, n.Name, err)
		}

		// Current-cycle retry accounting: only failures at or past this
		// cycle's revision count against the budget.
		failures, err := e.store.CountFailures(ctx, executionID, n.Name, maxRev)
		if err != nil {
			return inserted, fmt.Errorf("detect %s/%s: %w", executionID, n.Name, err)
		}
		if failures >= n.MaxRetries {
			continue
		}

		comp := &store.Computation{
			ExecutionID:       executionID,
			NodeName:          n.Name,
			Type:              n.Type,
			State:             store.StateNotSet,
			ExRevisionAtStart: maxRev,
		}
		if err := e.store.InsertComputation(ctx, comp); err != nil {
			return inserted, fmt.Errorf("detect %s/%s: %w", executionID, n.Name, err)
		}
		inserted++
	}
	return inserted, nil
}
