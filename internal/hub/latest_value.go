package hub

import (
	"context"
	"sync"
	"sync/atomic"
)

// LatestValue is the single-slot, single-writer/many-reader broadcast
// primitive of spec.md §4.3: publishes overwrite, intermediate updates may
// be coalesced, and a wait primitive wakes readers on change. Get never
// takes a lock — it is a single atomic pointer load, satisfying the "no
// locking on the hot read path" requirement of spec §5.
type LatestValue[T any] struct {
	val    atomic.Pointer[T]
	notify atomic.Pointer[chan struct{}]
	mu     sync.Mutex // serializes writers only; Get/Wait never block on it
}

// NewLatestValue creates an empty LatestValue. Get returns ok=false until
// the first Set.
func NewLatestValue[T any]() *LatestValue[T] {
	lv := &LatestValue[T]{}
	ch := make(chan struct{})
	lv.notify.Store(&ch)
	return lv
}

// Set publishes a new value, overwriting any prior one, and wakes every
// goroutine blocked in Wait.
func (l *LatestValue[T]) Set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.val.Store(&v)
	next := make(chan struct{})
	old := l.notify.Swap(&next)
	close(*old)
}

// Get returns the most recently published value. ok is false if Set has
// never been called.
func (l *LatestValue[T]) Get() (T, bool) {
	p := l.val.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Wait blocks until the next Set after the call, or until ctx is done; a
// Set that happened before the call does not wake it. It returns the value
// current at wakeup, or zero/false if ctx ended first.
func (l *LatestValue[T]) Wait(ctx context.Context) (T, bool) {
	ch := *l.notify.Load()
	select {
	case <-ch:
		return l.Get()
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}
