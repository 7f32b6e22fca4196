package flow

import (
	"context"
	"fmt"

	"github.com/dshills/stateflow-go/flow/store"
)

// Invalidator: after any value change, derived slots whose gating no
// longer holds are cleared, and each clearing is itself a value change,
// so the pass iterates to a fixed point.
//
// Timer nodes are exempt twice over: their own slots are never cleared,
// and a timer leaf evaluates as plain Provided here, so a schedule that
// paused (returned 0) counts as a non-firing tick rather than a reason
// to clear downstream.

// invalidate clears unsupported derived slots of one execution, starting
// from the given changed node names. Returns the names it cleared.
func (e *Engine) invalidate(ctx context.Context, g *Graph, executionID string, changed []string) ([]string, error) {
	dirty := make(map[string]bool, len(changed))
	for _, name := range changed {
		dirty[name] = true
	}

	var cleared []string
	for len(dirty) > 0 {
		values, err := e.store.ListValues(ctx, executionID)
		if err != nil {
			return cleared, fmt.Errorf("invalidate %s: %w", executionID, err)
		}
		views, err := snapshotViews(values)
		if err != nil {
			return cleared, fmt.Errorf("invalidate %s: %w", executionID, err)
		}

		var writes []store.ValueWrite
		next := make(map[string]bool)
		for _, n := range g.derivedNodes() {
			if n.Type.Schedule() {
				continue
			}
			if n.GatedBy.Empty() || !dependsOn(n.GatedBy, dirty) {
				continue
			}
			row, ok := views[n.Name]
			if !ok || !row.Provided() {
				continue
			}
			if r := evaluateGate(n.GatedBy, views); !r.Ready {
				writes = append(writes, store.ValueWrite{NodeName: n.Name, Unset: true})
				next[n.Name] = true
			}
		}
		if len(writes) == 0 {
			break
		}

		res, err := e.store.ApplyValues(ctx, executionID, writes)
		if err != nil {
			return cleared, fmt.Errorf("invalidate %s: %w", executionID, err)
		}
		if !res.NoOp {
			cleared = append(cleared, res.Changed...)
			e.emitValues(executionID, res.Revision, "value_invalidated", res.Changed)
			e.metrics().ObserveInvalidations(len(res.Changed))
		}
		dirty = next
	}
	return cleared, nil
}

// dependsOn reports whether any gate leaf is in the dirty set.
func dependsOn(c Cond, dirty map[string]bool) bool {
	for _, leaf := range c.Leaves() {
		if dirty[leaf] {
			return true
		}
	}
	return false
}
