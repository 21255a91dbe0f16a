package vm

import (
	"context"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// cancellation: cooperative stop signal for one Run
// ---------------------------------------------------------------------------

// cancellation wraps a context with a cached flag so the interpreter loop
// can poll it with a single atomic load.
type cancellation struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool // cached cancelled state
}

func newCancellation(parent context.Context) *cancellation {
	ctx, cancel := context.WithCancel(parent)
	c := &cancellation{ctx: ctx, cancel: cancel}
	if parent.Err() != nil {
		c.cancelled.Store(true)
	}
	return c
}

// Cancel cancels the context and sets the flag. A nil cancellation is a
// no-op.
func (c *cancellation) Cancel() {
	if c == nil {
		return
	}
	c.cancelled.Store(true)
	c.cancel()
}

// IsCancelled returns true if Cancel was called or the parent context ended.
func (c *cancellation) IsCancelled() bool {
	if c.cancelled.Load() {
		return true
	}
	select {
	case <-c.ctx.Done():
		c.cancelled.Store(true)
		return true
	default:
		return false
	}
}

// Context returns the context that ends when the run is cancelled.
func (c *cancellation) Context() context.Context {
	return c.ctx
}

// Done returns the done channel for use with select.
func (c *cancellation) Done() <-chan struct{} {
	return c.ctx.Done()
}
