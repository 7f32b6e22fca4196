// Package flow provides a persistent dataflow workflow engine.
//
// A graph of named nodes (inputs, derived computations, timers, mutators)
// is registered once; executions are created against it. Setting any
// input triggers the stateless scheduler to advance derived nodes whose
// gating conditions hold, recursively and concurrently. All state lives
// in a relational store (see flow/store); any number of processes may
// run the scheduler against one store.
package flow

import "errors"

// ErrNotSet is returned by Get when the value slot has no set_time,
// including after a waiter timeout.
var ErrNotSet = errors.New("value not set")

// ErrComputationFailed is returned by Get when the target node has no
// active computation and its retry budget for the current upstream cycle
// is exhausted.
var ErrComputationFailed = errors.New("computation failed")

// ErrInvalidInputNode indicates an attempt to set or unset a node that
// is not an input.
var ErrInvalidInputNode = errors.New("not an input node")

// ErrInvalidValueShape indicates a map value or metadata with non-string
// keys, or a value that is not JSON-representable.
var ErrInvalidValueShape = errors.New("value is not JSON-representable with string keys")

// ErrInvalidGatingExpression indicates a gating tree the evaluator
// cannot interpret.
var ErrInvalidGatingExpression = errors.New("invalid gating expression")

// ErrDuplicateNodeName indicates two nodes in one graph share a name.
var ErrDuplicateNodeName = errors.New("duplicate node name")

// ErrUnknownDependency indicates a gating expression references a node
// the graph does not declare.
var ErrUnknownDependency = errors.New("gating references undeclared node")

// ErrInvalidHeartbeatConfig indicates heartbeat settings outside the
// allowed bounds (interval >= 30s, interval <= timeout/2, timeout <=
// abandon_after where both are set).
var ErrInvalidHeartbeatConfig = errors.New("invalid heartbeat configuration")

// ErrGraphNotRegistered indicates the execution's (graph_name,
// graph_version) has no catalog entry in this process.
var ErrGraphNotRegistered = errors.New("graph not registered")

// FlowError is a structured engine error carrying a machine-readable
// code alongside the message. It wraps the matching sentinel, so
// errors.Is against the sentinels above keeps working.
type FlowError struct {
	Message string
	Code    string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *FlowError) Unwrap() error { return e.Err }
