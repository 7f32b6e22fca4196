package flow

import (
	"context"
	"fmt"

	"github.com/dshills/stateflow-go/flow/store"
)

// Schema evolution: executions created against an older shape of a graph
// are additively reconciled when loaded. Nodes that exist in the graph
// but have no value row get one (unset, revision 0), derived additions
// get a not_set computation, and the stored hash is updated. Deletions
// and type changes are not supported.

const evolveLockNamespace = "evolve"

func (e *Engine) evolve(ctx context.Context, g *Graph, ex *store.Execution) error {
	return e.store.WithNamedLock(ctx, evolveLockNamespace, ex.ID, func(ctx context.Context) error {
		// Re-read inside the lock; a concurrent evolution may have won.
		fresh, err := e.store.GetExecution(ctx, ex.ID)
		if err != nil {
			return err
		}
		if fresh.GraphHash == g.Hash() {
			*ex = *fresh
			return nil
		}

		values, err := e.store.ListValues(ctx, ex.ID)
		if err != nil {
			return err
		}
		have := make(map[string]bool, len(values))
		for _, v := range values {
			have[v.NodeName] = true
		}

		var adds []store.Value
		var comps []store.Computation
		for _, n := range g.Nodes() {
			if have[n.Name] {
				continue
			}
			adds = append(adds, store.Value{
				ExecutionID: ex.ID,
				NodeName:    n.Name,
				NodeType:    n.Type,
			})
			if n.Type.Derived() {
				comps = append(comps, store.Computation{
					ExecutionID: ex.ID,
					NodeName:    n.Name,
					Type:        n.Type,
					State:       store.StateNotSet,
				})
			}
		}

		if err := e.store.EvolveExecution(ctx, ex.ID, g.Hash(), adds, comps); err != nil {
			return fmt.Errorf("evolve %s: %w", ex.ID, err)
		}

		added := make([]string, 0, len(adds))
		for _, a := range adds {
			added = append(added, a.NodeName)
		}
		e.emit(ex.ID, "", fresh.Revision, "execution_evolved", map[string]interface{}{
			"added":    added,
			"old_hash": fresh.GraphHash,
			"new_hash": g.Hash(),
		})

		fresh, err = e.store.GetExecution(ctx, ex.ID)
		if err != nil {
			return err
		}
		*ex = *fresh
		return nil
	})
}
