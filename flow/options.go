package flow

import (
	"time"

	"github.com/dshills/stateflow-go/flow/emit"
)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithEmitter sets the event emitter. The default is emit.NewNullEmitter.
//
// Example:
//
//	eng, err := flow.New(st, flow.WithEmitter(emit.NewLogEmitter(os.Stdout, false)))
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithMetrics attaches a Prometheus metrics collector. Without it, all
// metric observations are no-ops.
func WithMetrics(pm *PrometheusMetrics) Option {
	return func(e *Engine) { e.pm = pm }
}

// WithGraphs registers graph definitions at construction. Equivalent to
// calling Register for each; a registration conflict fails New.
func WithGraphs(graphs ...*Graph) Option {
	return func(e *Engine) {
		e.pendingGraphs = append(e.pendingGraphs, graphs...)
	}
}

// WithHeartbeatGrace sets the slack, in seconds, added to heartbeat
// deadlines before the abandoned sweep acts (default 10).
func WithHeartbeatGrace(seconds int64) Option {
	return func(e *Engine) {
		if seconds >= 0 {
			e.heartbeatGrace = seconds
		}
	}
}

// WithSweepInterval sets the tick interval of sweepers created from this
// engine (default 1 minute).
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithWaitBackoff tunes the waiter poll back-off: the initial delay and
// the cap it grows to (defaults 100ms and 30s).
func WithWaitBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		if base > 0 {
			e.waitBackoffBase = base
		}
		if max > 0 {
			e.waitBackoffCap = max
		}
	}
}

// WithRetryBackoff tunes the sleep before a failed computation's retry
// row is inserted (defaults 250ms base, 10s cap). A zero base disables
// the sleep, which tests rely on.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		e.retryBackoffBase = base
		if max > 0 {
			e.retryBackoffCap = max
		}
	}
}

// withClock overrides the engine clock. Test hook.
func withClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// withTimeAfter overrides the watchdog's sleep between heartbeats. Test
// hook; pairs with withClock so heartbeat timing is fully simulated.
func withTimeAfter(after func(d time.Duration) <-chan time.Time) Option {
	return func(e *Engine) { e.after = after }
}
