package state

import "sync"

// broadcaster is a manual-reset "generation changed" signal: every
// broadcast() call wakes every goroutine currently blocked on a channel
// obtained from chan(), then arms a fresh channel for the next generation.
// It plays the role of go.mau.fi/util/exsync.Event for the storage-manifest
// waiters (manifestQueueByUuid in the design notes), adapted to a broadcast
// (many readers, one writer-per-version) rather than a queue (one reader
// per item) shape.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

func (b *broadcaster) chanToWait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcaster) broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}
