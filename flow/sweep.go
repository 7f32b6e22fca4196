package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/stateflow-go/flow/store"
)

// Background sweeps cover what the event-driven cascade cannot: timers
// whose moment arrives with no value change to trigger an advance,
// computations whose worker died, and recurring schedules owed their
// next tick. Every sweep is incremental: only executions touched since
// a watermark derived from the previous completed run are examined.

const (
	SweepScheduleFire        = "schedule_fire"
	SweepAbandoned           = "abandoned"
	SweepRecurringReschedule = "recurring_reschedule"

	// sweepCutoffOverlap is subtracted from the previous run's start so
	// adjacent runs overlap rather than leave gaps.
	sweepCutoffOverlap int64 = 60

	// sweepCutoffFallback bounds the first run when no completed
	// watermark exists.
	sweepCutoffFallback int64 = 3600
)

// Sweeper runs the three background sweeps on a fixed interval. Any
// number of sweepers may run against one store; the per-row guarded
// transitions make their actions idempotent.
type Sweeper struct {
	eng      *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper bound to the engine's store and catalog.
func (e *Engine) NewSweeper() *Sweeper {
	return &Sweeper{eng: e, interval: e.sweepInterval}
}

// Run ticks all sweep types until the context is cancelled. Per-sweep
// errors are emitted, not propagated; one broken execution must not
// stall the loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass of every sweep type.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.runSweep(ctx, SweepScheduleFire, s.sweepScheduleFire)
	s.runSweep(ctx, SweepAbandoned, s.sweepAbandoned)
	s.runSweep(ctx, SweepRecurringReschedule, s.sweepRecurringReschedule)
}

// runSweep wraps one sweep action with SweepRun bookkeeping: watermark
// cutoff, candidate listing, and completion stamping.
func (s *Sweeper) runSweep(ctx context.Context, sweepType string, action func(ctx context.Context, executionID string) (bool, error)) {
	e := s.eng
	started := e.now()

	cutoff := started - sweepCutoffFallback
	if last, err := e.store.LastCompletedSweep(ctx, sweepType); err == nil {
		cutoff = last.StartedAt - sweepCutoffOverlap
	}

	runID, err := e.store.StartSweep(ctx, sweepType, started)
	if err != nil {
		e.emitError("", "", "sweep_start_error", err)
		e.metrics().ObserveSweep(sweepType, "error", 0)
		return
	}

	candidates, err := e.store.ListExecutionsUpdatedSince(ctx, cutoff)
	if err != nil {
		e.emitError("", "", "sweep_list_error", err)
		e.metrics().ObserveSweep(sweepType, "error", time.Duration(e.now()-started)*time.Second)
		return
	}

	var processed int64
	status := "ok"
	for _, id := range candidates {
		acted, err := action(ctx, id)
		if err != nil {
			status = "partial"
			e.emit(id, "", 0, "sweep_error", map[string]interface{}{
				"sweep_type": sweepType,
				"error":      err.Error(),
			})
			continue
		}
		if acted {
			processed++
		}
	}

	if err := e.store.CompleteSweep(ctx, runID, e.now(), processed); err != nil {
		e.emitError("", "", "sweep_complete_error", err)
		return
	}
	e.metrics().ObserveSweep(sweepType, status, time.Duration(e.now()-started)*time.Second)
}

// sweepScheduleFire advances executions holding a timer whose stored
// moment has arrived, so downstream gates are re-evaluated even though
// no value changed.
func (s *Sweeper) sweepScheduleFire(ctx context.Context, executionID string) (bool, error) {
	e := s.eng
	g, views, err := e.loadForSweep(ctx, executionID)
	if err != nil || g == nil {
		return false, err
	}

	now := e.now()
	fired := false
	for _, n := range g.Nodes() {
		if !n.Type.Schedule() {
			continue
		}
		row, ok := views[n.Name]
		if !ok || !row.Provided() {
			continue
		}
		if at, ok := asEpochSeconds(row.Value); ok && at != 0 && at <= now {
			fired = true
			break
		}
	}
	if !fired {
		return false, nil
	}
	return true, e.advance(ctx, executionID)
}

// sweepAbandoned abandons computing rows past their deadline (plus
// grace) and re-enqueues them per the retry policy.
func (s *Sweeper) sweepAbandoned(ctx context.Context, executionID string) (bool, error) {
	e := s.eng
	g, _, err := e.loadForSweep(ctx, executionID)
	if err != nil || g == nil {
		return false, err
	}

	expired, err := e.store.ListExpiredComputing(ctx, executionID, e.now(), e.heartbeatGrace)
	if err != nil {
		return false, err
	}
	acted := false
	for _, comp := range expired {
		ok, err := e.store.AbandonComputation(ctx, comp.ID)
		if err != nil {
			return acted, err
		}
		if !ok {
			continue
		}
		acted = true
		e.metrics().ObserveCompleted(store.StateAbandoned)
		e.emit(executionID, comp.NodeName, 0, "computation_abandoned", map[string]interface{}{
			"sweep_type": SweepAbandoned,
		})

		n := g.Node(comp.NodeName)
		if n == nil {
			continue
		}
		failures, err := e.store.CountFailures(ctx, executionID, comp.NodeName, comp.ExRevisionAtStart)
		if err != nil || failures >= n.MaxRetries {
			continue
		}
		retry := &store.Computation{
			ExecutionID:       executionID,
			NodeName:          comp.NodeName,
			Type:              comp.Type,
			State:             store.StateNotSet,
			ExRevisionAtStart: comp.ExRevisionAtStart,
		}
		if err := e.store.InsertComputation(ctx, retry); err == nil {
			e.metrics().ObserveRetry()
		}
	}
	if acted {
		return true, e.advance(ctx, executionID)
	}
	return false, nil
}

// sweepRecurringReschedule ensures each fired recurring timer whose tick
// has been consumed downstream gets a fresh not_set computation to
// produce its next moment.
func (s *Sweeper) sweepRecurringReschedule(ctx context.Context, executionID string) (bool, error) {
	e := s.eng
	g, views, err := e.loadForSweep(ctx, executionID)
	if err != nil || g == nil {
		return false, err
	}

	now := e.now()
	acted := false
	for _, n := range g.derivedNodes() {
		if n.Type != store.NodeScheduleRecurring {
			continue
		}
		row, ok := views[n.Name]
		if !ok || !row.Provided() {
			continue
		}
		at, ok := asEpochSeconds(row.Value)
		if !ok || at == 0 || at > now {
			continue
		}
		consumed, err := e.timerConsumed(ctx, g, executionID, n.Name, row.Revision)
		if err != nil {
			return acted, err
		}
		if !consumed {
			continue
		}

		maxRev := maxUpstreamRev(n, views)
		if maxRev < row.Revision {
			// A recurring timer owes its next tick even when its own
			// gate's upstreams have not moved since the last firing.
			maxRev = row.Revision
		}
		active, err := e.store.HasActiveComputation(ctx, executionID, n.Name, maxRev)
		if err != nil {
			return acted, err
		}
		if active {
			continue
		}
		next := &store.Computation{
			ExecutionID:       executionID,
			NodeName:          n.Name,
			Type:              n.Type,
			State:             store.StateNotSet,
			ExRevisionAtStart: maxRev,
		}
		if err := e.store.InsertComputation(ctx, next); err != nil {
			return acted, err
		}
		acted = true
	}
	if acted {
		return true, e.advance(ctx, executionID)
	}
	return false, nil
}

// timerConsumed reports whether every downstream consumer of the timer
// has observed the tick at slotRev: its latest success computed with the
// timer at or past slotRev, or its retry budget for that cycle is spent.
func (e *Engine) timerConsumed(ctx context.Context, g *Graph, executionID, timerName string, slotRev int64) (bool, error) {
	for _, n := range g.derivedNodes() {
		if n.Name == timerName {
			continue
		}
		gated := false
		for _, leaf := range n.GatedBy.Leaves() {
			if leaf == timerName {
				gated = true
				break
			}
		}
		if !gated {
			continue
		}

		latest, err := e.store.LatestSuccess(ctx, executionID, n.Name)
		if err == nil && latest.ComputedWith[timerName] >= slotRev {
			continue
		}
		if err != nil && !isNotFound(err) {
			return false, err
		}

		failures, err := e.store.CountFailures(ctx, executionID, n.Name, slotRev)
		if err != nil {
			return false, err
		}
		active, err := e.store.HasActiveComputation(ctx, executionID, n.Name, 0)
		if err != nil {
			return false, err
		}
		if !active && failures >= n.MaxRetries {
			// Permanently failed for this cycle counts as consumed, or
			// the schedule would stall forever.
			continue
		}
		return false, nil
	}
	return true, nil
}

// loadForSweep loads the graph and value snapshot of one candidate. A
// nil graph (archived execution or unregistered definition) means skip.
func (e *Engine) loadForSweep(ctx context.Context, executionID string) (*Graph, map[string]ValueView, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if ex.Archived() {
		return nil, nil, nil
	}
	g, err := e.catalog.lookup(ex.GraphName, ex.GraphVersion)
	if err != nil {
		// Another process may own this graph's definition.
		return nil, nil, nil
	}
	values, err := e.store.ListValues(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	views, err := snapshotViews(values)
	if err != nil {
		return nil, nil, fmt.Errorf("sweep %s: %w", executionID, err)
	}
	return g, views, nil
}
