package flow

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/stateflow-go/flow/store"
)

// watchdog keeps one computing row alive: it heartbeats on a jittered
// interval, extends the deadline, and abandons the row (killing the
// worker cooperatively via its context cancel) when a deadline was
// missed or the row was taken over elsewhere.
type watchdog struct {
	done chan struct{}
	once sync.Once
}

func (w *watchdog) stop() {
	w.once.Do(func() { close(w.done) })
}

func (e *Engine) startWatchdog(ctx context.Context, kill context.CancelFunc, comp *store.Computation, n *NodeDef) *watchdog {
	wd := &watchdog{done: make(chan struct{})}

	interval := time.Duration(n.HeartbeatIntervalSeconds) * time.Second
	timeout := n.HeartbeatTimeoutSeconds
	deadline := e.now() + timeout
	if comp.HeartbeatDeadline != nil {
		deadline = *comp.HeartbeatDeadline
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-wd.done:
				return
			case <-ctx.Done():
				return
			case <-e.after(jittered(interval)):
			}

			now := e.now()
			if now > deadline {
				// A heartbeat was missed; the row is past due. Abandon it
				// and kill the worker.
				if ok, _ := e.store.AbandonComputation(ctx, comp.ID); ok {
					e.metrics().ObserveCompleted(store.StateAbandoned)
					e.emit(comp.ExecutionID, comp.NodeName, 0, "computation_abandoned", nil)
				}
				kill()
				return
			}

			deadline = now + timeout
			state, err := e.store.Heartbeat(ctx, comp.ID, now, deadline)
			if err != nil {
				continue
			}
			if state != store.StateComputing {
				// Completed or abandoned elsewhere; nothing left to guard.
				kill()
				return
			}
		}
	}()
	return wd
}

// jittered spreads a duration by up to ±20% so herds of watchdogs do not
// heartbeat in lockstep.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 5
	return d - time.Duration(spread) + time.Duration(rand.Int63n(2*spread+1))
}
