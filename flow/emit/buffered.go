package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are organized by execution ID for efficient retrieval and
// filtering. Intended for tests, debugging, and dashboards.
//
// Warning: all events are held in memory; long-running deployments
// should Clear finished executions or use a different emitter.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	eng := flow.New(st, flow.WithEmitter(emitter))
//
//	// ... drive the execution ...
//
//	history := emitter.GetHistory(exec.ID)
//	failures := emitter.GetHistoryWithFilter(exec.ID, emit.HistoryFilter{Msg: "computation_failed"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter specifies criteria for filtering captured events.
//
// All fields are optional; set fields combine with AND logic.
type HistoryFilter struct {
	// Node filters by node name (empty = no filter).
	Node string

	// Msg filters by event message (empty = no filter).
	Msg string

	// MinRevision filters events with Revision >= MinRevision (nil = no filter).
	MinRevision *int64

	// MaxRevision filters events with Revision <= MaxRevision (nil = no filter).
	MaxRevision *int64
}

// NewBufferedEmitter creates a BufferedEmitter. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores the event in memory, keyed by execution ID.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory returns all captured events for an execution, in emission
// order. Returns a copy; callers may mutate the result freely.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[executionID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// GetHistoryWithFilter returns captured events matching the filter.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.events[executionID] {
		if filter.Node != "" && ev.Node != filter.Node {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		if filter.MinRevision != nil && ev.Revision < *filter.MinRevision {
			continue
		}
		if filter.MaxRevision != nil && ev.Revision > *filter.MaxRevision {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear removes all captured events for one execution.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, executionID)
}

// ClearAll removes every captured event.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string][]Event)
}

// Len returns the number of captured events for an execution.
func (b *BufferedEmitter) Len(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events[executionID])
}
