package flow

import (
	"context"

	"github.com/dshills/stateflow-go/flow/store"
)

// Defaults applied to derived nodes when not configured per node.
const (
	// DefaultMaxRetries is the retry budget per upstream cycle.
	DefaultMaxRetries = 1

	// DefaultHeartbeatInterval is the watchdog tick in seconds.
	DefaultHeartbeatInterval int64 = 60

	// DefaultHeartbeatTimeout is the deadline extension in seconds; a
	// computing row whose deadline passes is abandoned.
	DefaultHeartbeatTimeout int64 = 600
)

// Params is the input handed to a user function.
type Params struct {
	// Values is a snapshot of all currently-set value slots, name →
	// decoded payload.
	Values map[string]any

	// Nodes carries the full value rows for the leaves that satisfied
	// the node's gating expression (the readiness proof).
	Nodes map[string]ValueView
}

// ComputeFunc is the user function of a derived node.
//
// Contract on return:
//   - (v, nil): success; v must be JSON-representable. For schedule
//     nodes v is an epoch-second timestamp (0 pauses the tick).
//   - (_, err): failure; recorded on the computation row and retried
//     per the node's retry budget.
//   - A panic is captured and converted to a failure carrying the panic
//     text and stack.
type ComputeFunc func(ctx context.Context, p Params) (any, error)

// Result is the outcome passed to on-save hooks.
type Result struct {
	Value any
	Err   error
}

// NodeOnSave is the per-node hook invoked after a computation outcome is
// recorded. It runs in a detached goroutine with its own panic guard.
type NodeOnSave func(executionID string, r Result)

// GraphOnSave is the graph-wide hook invoked after any node's
// computation outcome is recorded.
type GraphOnSave func(executionID, nodeName string, r Result)

// NodeDef declares one cell of a graph: an input, a derived computation,
// a timer, or a mutator. Build with the constructors below.
type NodeDef struct {
	Name    string
	Type    store.NodeType
	GatedBy Cond
	Fn      ComputeFunc

	// Mutates names the target slot of a mutate node.
	Mutates string

	// UpdateRevision makes a mutate write a true value change: the
	// target slot's revision advances and downstream recomputes.
	UpdateRevision bool

	// MaxEntries caps a historian's list length; nil means unbounded.
	MaxEntries *int

	MaxRetries               int
	AbandonAfterSeconds      int64
	HeartbeatIntervalSeconds int64
	HeartbeatTimeoutSeconds  int64

	OnSave NodeOnSave
}

// NodeOption configures optional NodeDef fields.
type NodeOption func(*NodeDef)

// WithMaxRetries sets the per-upstream-cycle retry budget (default 1).
func WithMaxRetries(n int) NodeOption {
	return func(d *NodeDef) { d.MaxRetries = n }
}

// WithAbandonAfter bounds total computation lifetime in seconds.
func WithAbandonAfter(seconds int64) NodeOption {
	return func(d *NodeDef) { d.AbandonAfterSeconds = seconds }
}

// WithHeartbeat sets the watchdog interval and deadline extension in
// seconds. Bounds are validated at graph construction: interval >= 30
// and interval <= timeout/2.
func WithHeartbeat(intervalSeconds, timeoutSeconds int64) NodeOption {
	return func(d *NodeDef) {
		d.HeartbeatIntervalSeconds = intervalSeconds
		d.HeartbeatTimeoutSeconds = timeoutSeconds
	}
}

// WithNodeOnSave attaches a per-node on-save hook.
func WithNodeOnSave(fn NodeOnSave) NodeOption {
	return func(d *NodeDef) { d.OnSave = fn }
}

// WithUpdateRevision makes a mutate node's write a true value change.
func WithUpdateRevision() NodeOption {
	return func(d *NodeDef) { d.UpdateRevision = true }
}

// WithMaxEntries caps a historian node's record list.
func WithMaxEntries(n int) NodeOption {
	return func(d *NodeDef) { d.MaxEntries = &n }
}

func newNode(name string, t store.NodeType, gatedBy Cond, fn ComputeFunc, opts ...NodeOption) NodeDef {
	d := NodeDef{
		Name:                     name,
		Type:                     t,
		GatedBy:                  gatedBy,
		Fn:                       fn,
		MaxRetries:               DefaultMaxRetries,
		HeartbeatIntervalSeconds: DefaultHeartbeatInterval,
		HeartbeatTimeoutSeconds:  DefaultHeartbeatTimeout,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Input declares an input node: a slot set directly by callers, with no
// gate and no user function.
func Input(name string) NodeDef {
	return NodeDef{Name: name, Type: store.NodeInput}
}

// Compute declares a derived node: fn runs whenever gatedBy holds and an
// upstream revision has advanced; the returned value is written to the
// node's slot.
func Compute(name string, gatedBy Cond, fn ComputeFunc, opts ...NodeOption) NodeDef {
	return newNode(name, store.NodeCompute, gatedBy, fn, opts...)
}

// Mutate declares a targeted mutator: fn's return value is written to
// the slot named by mutates, and the node's own slot records a fixed
// marker. By default the mutation does not advance the target's
// revision; use WithUpdateRevision to propagate downstream.
func Mutate(name string, gatedBy Cond, fn ComputeFunc, mutates string, opts ...NodeOption) NodeDef {
	d := newNode(name, store.NodeMutate, gatedBy, fn, opts...)
	d.Mutates = mutates
	return d
}

// ScheduleOnce declares a one-shot timer: fn returns an epoch-second
// moment; downstream nodes gated on the timer become ready when the
// moment arrives. Returning 0 skips the tick.
func ScheduleOnce(name string, gatedBy Cond, fn ComputeFunc, opts ...NodeOption) NodeDef {
	return newNode(name, store.NodeScheduleOnce, gatedBy, fn, opts...)
}

// ScheduleRecurring declares a recurring timer: after downstream
// consumers observe a fired tick, a fresh computation is enqueued so fn
// can produce the next moment. Returning 0 pauses the schedule without
// clearing downstream.
func ScheduleRecurring(name string, gatedBy Cond, fn ComputeFunc, opts ...NodeOption) NodeDef {
	return newNode(name, store.NodeScheduleRecurring, gatedBy, fn, opts...)
}

// Historian declares an append-only observer: each time its gate's
// upstreams advance, a record {value, node, timestamp, revision,
// metadata} per satisfied leaf is appended to the node's slot. Use
// WithMaxEntries to cap the list (oldest dropped).
func Historian(name string, gatedBy Cond, opts ...NodeOption) NodeDef {
	return newNode(name, store.NodeHistorian, gatedBy, nil, opts...)
}

// Archive declares a terminal node: when its gate holds, the execution's
// archived_at is stamped.
func Archive(name string, gatedBy Cond, opts ...NodeOption) NodeDef {
	return newNode(name, store.NodeArchive, gatedBy, nil, opts...)
}
