// Package ring provides the bounded queues that connect pipeline lanes.
//
// A Buffer never grows past its watermark: pushing into a full buffer evicts
// the oldest item and counts it as dropped. Live pipelines prefer recent
// frames over complete ones.
package ring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("ring: buffer closed")

type Buffer[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	closed  bool
	signal  chan struct{}
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

func New[T any](watermark int) *Buffer[T] {
	if watermark < 1 {
		watermark = 1
	}
	return &Buffer[T]{
		items:  make([]T, watermark),
		signal: make(chan struct{}, 1),
	}
}

// Push appends v. When the buffer is at its watermark the oldest item is
// evicted and returned. Pushing into a closed buffer is a no-op reported as
// an eviction of v itself.
func (b *Buffer[T]) Push(v T) (evicted T, dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.dropped.Add(1)
		return v, true
	}
	b.pushed.Add(1)
	if b.size == len(b.items) {
		evicted = b.items[b.head]
		b.items[b.head] = v
		b.head = (b.head + 1) % len(b.items)
		b.dropped.Add(1)
		dropped = true
	} else {
		b.items[(b.head+b.size)%len(b.items)] = v
		b.size++
	}
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return evicted, dropped
}

func (b *Buffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pop()
}

func (b *Buffer[T]) pop() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	v := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	return v, true
}

// Pop blocks until an item is available. Once the buffer is closed the
// remaining items are still handed out; ErrClosed is returned when it is
// empty.
func (b *Buffer[T]) Pop(ctx context.Context) (T, error) {
	for {
		b.mu.Lock()
		v, ok := b.pop()
		closed := b.closed
		b.mu.Unlock()
		if ok {
			return v, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-b.signal:
		}
	}
}

// Drain removes and returns everything currently buffered.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, 0, b.size)
	for {
		v, ok := b.pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.signal)
}

func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer[T]) Watermark() int {
	return len(b.items)
}

func (b *Buffer[T]) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Buffer[T]) Pushed() uint64 {
	return b.pushed.Load()
}
