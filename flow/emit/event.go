package emit

// Event represents an observability event emitted during dataflow
// execution.
//
// Events provide insight into scheduler behavior:
//   - Value sets, unsets, and invalidations
//   - Computation grab, success, failure, abandonment
//   - Sweep runs and schema evolution
//
// Events are emitted to an Emitter which can log them, create spans, or
// buffer them for inspection.
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// Node identifies which graph node the event concerns.
	// Empty for execution-level events (create, archive, sweep).
	Node string

	// Revision is the execution revision observed when the event was
	// emitted. Zero when no revision applies.
	Revision int64

	// Msg is a short machine-stable description, e.g. "value_set",
	// "computation_success", "sweep_completed".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "changed": node names written by a set
	//   - "error": failure details
	//   - "state": computation state after a transition
	//   - "sweep_type": which background sweep ran
	Meta map[string]interface{}
}
