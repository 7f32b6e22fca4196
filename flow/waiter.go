package flow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dshills/stateflow-go/flow/store"
)

// Waiters: Get is a polling read over the value store. Without options
// it returns the current value or ErrNotSet; with a wait mode it polls
// with exponential back-off and jitter until the condition holds, the
// context expires, or the target is observed permanently failed.

type waitMode int

const (
	waitNone waitMode = iota
	waitAny
	waitNewer
	waitNewerThan
)

type getConfig struct {
	mode      waitMode
	newerThan int64
}

// GetOption configures the wait behavior of Get.
type GetOption func(*getConfig)

// WaitAny polls until the slot has been set at all. Bound the wait with
// the context deadline.
func WaitAny() GetOption {
	return func(c *getConfig) { c.mode = waitAny }
}

// WaitNewer captures the slot's current revision and polls until the
// slot is set at a higher one.
func WaitNewer() GetOption {
	return func(c *getConfig) { c.mode = waitNewer }
}

// WaitNewerThan polls until the slot is set at a revision greater than
// rev.
func WaitNewerThan(rev int64) GetOption {
	return func(c *getConfig) {
		c.mode = waitNewerThan
		c.newerThan = rev
	}
}

// Get reads one value slot.
//
// Plain Get returns the decoded value or ErrNotSet. With a wait option,
// Get polls until the condition holds; if the target node has no active
// computation and its retry budget for the current upstream cycle is
// exhausted, it returns ErrComputationFailed early instead of waiting
// out the context.
func (e *Engine) Get(ctx context.Context, executionID, nodeName string, opts ...GetOption) (ValueView, error) {
	var cfg getConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	view, err := e.getOnce(ctx, executionID, nodeName)
	if err != nil {
		return ValueView{}, err
	}

	threshold := cfg.newerThan
	if cfg.mode == waitNewer {
		threshold = view.Revision
	}

	if satisfied(cfg.mode, view, threshold) {
		return view, nil
	}
	if cfg.mode == waitNone {
		return ValueView{}, &FlowError{
			Code:    "not_set",
			Message: fmt.Sprintf("%s/%s has no value", executionID, nodeName),
			Err:     ErrNotSet,
		}
	}

	backoff := e.waitBackoffBase
	for {
		if failed, err := e.permanentlyFailed(ctx, executionID, nodeName); err != nil {
			return ValueView{}, err
		} else if failed {
			return ValueView{}, &FlowError{
				Code:    "computation_failed",
				Message: fmt.Sprintf("%s/%s failed permanently for the current upstream cycle", executionID, nodeName),
				Err:     ErrComputationFailed,
			}
		}

		select {
		case <-ctx.Done():
			return ValueView{}, &FlowError{
				Code:    "not_set",
				Message: fmt.Sprintf("%s/%s: wait expired", executionID, nodeName),
				Err:     ErrNotSet,
			}
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))):
		}
		backoff *= 2
		if backoff > e.waitBackoffCap {
			backoff = e.waitBackoffCap
		}
		e.metrics().ObserveWaiterPoll()

		view, err = e.getOnce(ctx, executionID, nodeName)
		if err != nil {
			return ValueView{}, err
		}
		if satisfied(cfg.mode, view, threshold) {
			return view, nil
		}
	}
}

func satisfied(mode waitMode, view ValueView, threshold int64) bool {
	switch mode {
	case waitNone, waitAny:
		return view.Provided()
	case waitNewer, waitNewerThan:
		return view.Provided() && view.Revision > threshold
	default:
		return false
	}
}

func (e *Engine) getOnce(ctx context.Context, executionID, nodeName string) (ValueView, error) {
	v, err := e.store.GetValue(ctx, executionID, nodeName)
	if err != nil {
		return ValueView{}, fmt.Errorf("get %s/%s: %w", executionID, nodeName, err)
	}
	return viewOf(*v)
}

// permanentlyFailed reports whether the node has no active computation
// and has burned its retry budget for the current upstream cycle.
func (e *Engine) permanentlyFailed(ctx context.Context, executionID, nodeName string) (bool, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	g, err := e.catalog.lookup(ex.GraphName, ex.GraphVersion)
	if err != nil {
		return false, err
	}
	n := g.Node(nodeName)
	if n == nil || !n.Type.Derived() {
		return false, nil
	}

	values, err := e.store.ListValues(ctx, executionID)
	if err != nil {
		return false, err
	}
	views, err := snapshotViews(values)
	if err != nil {
		return false, err
	}
	maxRev := maxUpstreamRev(n, views)

	active, err := e.store.HasActiveComputation(ctx, executionID, nodeName, 0)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}
	failures, err := e.store.CountFailures(ctx, executionID, nodeName, maxRev)
	if err != nil {
		return false, err
	}
	return failures >= n.MaxRetries, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
