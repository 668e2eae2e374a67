// Package queue implements the PromiseQueue abstraction the provisioning
// coordinator and storage-service waiters are built on: a bounded FIFO with
// two rendezvous shapes (fire-and-forget Push/Shift, and PushAndWait/Shift
// with a reply channel), every blocking operation subject to a caller
// supplied timeout. It plays the role go.mau.fi/util/exsync's Event and
// generic Map play for the teacher's WebSocket in-flight request table,
// adapted here to model the source's asynchronous test-harness handoff
// instead of a network response correlation table.
package queue

import (
	"context"
	"errors"
)

// ErrTimeout is returned by Shift/PushAndWait/Reply-wait when the caller's
// context is done before a rendezvous completes. It corresponds to the
// protocol's QueueTimeout error, raised to the test harness rather than the
// client.
var ErrTimeout = errors.New("queue: timed out waiting for rendezvous")

// ErrClosed is returned once a queue has been closed (e.g. on server
// shutdown) and no further items will ever arrive.
var ErrClosed = errors.New("queue: closed")

// envelope carries a pushed value plus, for PushAndWait, the reply channel
// the consumer must fulfil exactly once.
type envelope[T any, R any] struct {
	value T
	reply chan R
}

// PromiseQueue is a generic bounded FIFO with timeout-bearing rendezvous
// operations. T is the type of value pushed into the queue; R is the type of
// acknowledgement PushAndWait waits for.
type PromiseQueue[T any, R any] struct {
	items  chan envelope[T, R]
	closed chan struct{}
}

// New creates a PromiseQueue with the given buffer capacity. A capacity of 0
// makes Push/PushAndWait block until a waiter is ready to Shift, matching a
// strict rendezvous; a positive capacity allows some slack, matching
// "bounded-ish FIFO" in the design notes.
func New[T any, R any](capacity int) *PromiseQueue[T, R] {
	return &PromiseQueue[T, R]{
		items:  make(chan envelope[T, R], capacity),
		closed: make(chan struct{}),
	}
}

// Close unblocks every pending and future Shift/Push with ErrClosed. It is
// safe to call Close more than once.
func (q *PromiseQueue[T, R]) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

// Push enqueues a value with no reply channel; the eventual Shift-er
// receives it via Shift and there is nothing further to acknowledge.
func (q *PromiseQueue[T, R]) Push(ctx context.Context, value T) error {
	select {
	case q.items <- envelope[T, R]{value: value}:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushAndWait enqueues a value together with a fresh reply channel, then
// blocks until the consumer (via Shift, then Reply) fulfils it or ctx is
// done. This is the shape the provisioning coordinator uses: the HTTP
// handler pushes a PendingProvision and waits for the test harness to
// complete it.
func (q *PromiseQueue[T, R]) PushAndWait(ctx context.Context, value T) (R, error) {
	var zero R
	env := envelope[T, R]{value: value, reply: make(chan R, 1)}
	select {
	case q.items <- env:
	case <-q.closed:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case reply := <-env.reply:
		return reply, nil
	case <-q.closed:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Item is what Shift returns: the pushed value, and — if the pusher used
// PushAndWait — a Reply function the consumer must call exactly once to
// complete the rendezvous. Reply is nil for plain Push values.
type Item[T any, R any] struct {
	Value T
	reply chan R
}

// HasReply reports whether the pusher is waiting on a reply (i.e. the value
// arrived via PushAndWait rather than Push).
func (i Item[T, R]) HasReply() bool {
	return i.reply != nil
}

// Reply fulfils the pusher's PushAndWait. Calling it when HasReply is false
// is a no-op; calling it twice panics, matching "each value is delivered to
// exactly one waiter" for the reply side too.
func (i Item[T, R]) Reply(value R) {
	if i.reply == nil {
		return
	}
	i.reply <- value
}

// Shift blocks until an item is available or ctx is done, returning
// ErrTimeout-compatible ctx.Err() on expiry. Multiple concurrent Shift
// callers on the same queue are served in arrival order by Go's channel
// semantics.
func (q *PromiseQueue[T, R]) Shift(ctx context.Context) (Item[T, R], error) {
	select {
	case env := <-q.items:
		return Item[T, R]{Value: env.value, reply: env.reply}, nil
	case <-q.closed:
		return Item[T, R]{}, ErrClosed
	case <-ctx.Done():
		return Item[T, R]{}, ctx.Err()
	}
}

// Len reports the number of buffered-but-unconsumed items. It is a best
// effort snapshot, useful only for tests and diagnostics.
func (q *PromiseQueue[T, R]) Len() int {
	return len(q.items)
}
