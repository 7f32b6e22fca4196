package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use when event output is not desired; it is the engine's default when
// no emitter is configured.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter. Safe for concurrent use with
// zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
