// Package gate implements the synchronization layer that sits between a
// database provider and the consumer of a freshly created database instance.
//
// Providers apply structural operations (cloning a template, running session
// setup) asynchronously after handing the instance back to the caller. The
// gate guarantees that no connection is released to a consumer until every
// queued structural operation for that specific instance has finished, so a
// consumer can never observe a partially prepared database. Instances gate
// independently of each other.
package gate

import (
	"context"
	"sync"
)

// Gate is a one-shot readiness latch. It starts closed; Open releases every
// current and future waiter with the outcome of the preparation work.
type Gate struct {
	done chan struct{}
	once sync.Once
	err  error
}

// New returns a closed gate.
func New() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Open releases all waiters. A nil err marks the guarded resource as ready;
// a non-nil err is handed to every waiter instead. Subsequent calls are
// no-ops, so the first outcome wins.
func (g *Gate) Open(err error) {
	g.once.Do(func() {
		g.err = err
		close(g.done)
	})
}

// Wait blocks until the gate opens or the context is done. It returns the
// error recorded by Open, or the context error if the caller gave up first.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Opened reports whether the gate has been opened, without blocking.
func (g *Gate) Opened() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}
