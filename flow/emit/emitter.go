// Package emit provides observability events and pluggable emitters for
// the dataflow engine.
package emit

// Emitter receives and processes observability events from dataflow
// execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry
//   - In-memory capture for tests and dashboards
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down scheduler and workers
//   - Thread-safe: Called concurrently from workers, sweeps, and waiters
//   - Resilient: Handle failures gracefully (never crash the engine)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not block and should not panic. Errors are handled
	// internally.
	Emit(event Event)
}
