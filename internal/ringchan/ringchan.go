// Package ringchan provides a bounded channel that never blocks its
// producers: when full, the oldest buffered value is discarded.
package ringchan

import (
	"context"
	"sync"
	"sync/atomic"
)

// RingChannel is a buffered channel with overwrite-oldest semantics.
// Consumers read from C() like any channel, or use Receive with a context.
//
//	rc := ringchan.New[Frame](3)
//	for i := 0; i < 10; i++ {
//		rc.Send(frames[i]) // never blocks; only the last 3 are kept
//	}
type RingChannel[T any] struct {
	ch        chan T
	mu        sync.Mutex // serialises producers
	closeOnce sync.Once
	closed    atomic.Bool

	written     atomic.Uint64
	overwritten atomic.Uint64
	received    atomic.Uint64
}

// Metrics is a snapshot of the channel counters. Received counts only
// values taken with Receive or TryReceive.
type Metrics struct {
	Written     uint64
	Overwritten uint64
	Received    uint64
}

// New creates a RingChannel holding at most capacity values.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, dropping the oldest value if the buffer is full. It
// reports whether a value was dropped. Send after Close is a no-op.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed.Load() {
		return false
	}
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		// Full. A consumer may empty the buffer concurrently, so the
		// drop is non-blocking as well.
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed.Load() {
		return false
	}
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available, the channel is closed, or ctx
// is done. ok is false in the latter two cases.
func (rc *RingChannel[T]) Receive(ctx context.Context) (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.received.Add(1)
		}
		return v, ok
	case <-ctx.Done():
		return v, false
	}
}

// TryReceive returns a buffered value without blocking.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.received.Add(1)
		}
		return v, ok
	default:
		return v, false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the receive side once buffered values are consumed. It is
// safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.closeOnce.Do(func() {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		rc.closed.Store(true)
		close(rc.ch)
	})
}

// Metrics returns the current counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     rc.written.Load(),
		Overwritten: rc.overwritten.Load(),
		Received:    rc.received.Load(),
	}
}
