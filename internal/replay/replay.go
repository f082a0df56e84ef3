// Package replay implements a bounded FIFO that replays its retained items
// to every new subscriber before forwarding live ones.
package replay

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry[T any] struct {
	value T
	at    time.Time
}

// Buffer retains at most size items, none older than window.
type Buffer[T any] struct {
	size   int
	window time.Duration
	clock  clock.Clock

	mu     sync.Mutex
	items  []entry[T]
	subs   map[*subscriber[T]]struct{}
	closed bool
	done   chan struct{}
}

// New creates a Buffer. A nil clock selects the wall clock.
func New[T any](size int, window time.Duration, clk clock.Clock) *Buffer[T] {
	if clk == nil {
		clk = clock.New()
	}
	if size < 1 {
		size = 1
	}
	return &Buffer[T]{
		size:   size,
		window: window,
		clock:  clk,
		subs:   make(map[*subscriber[T]]struct{}),
		done:   make(chan struct{}),
	}
}

// Push appends v and hands it to every subscriber. Pushing to a closed
// buffer is a no-op.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.items = append(b.items, entry[T]{value: v, at: b.clock.Now()})
	b.trim()
	for s := range b.subs {
		s.enqueue(v)
	}
}

// Snapshot returns the retained items, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trim()
	out := make([]T, len(b.items))
	for i, e := range b.items {
		out[i] = e.value
	}
	return out
}

// Subscribe returns a channel that first yields the retained items and
// then every later Push, in order. It is closed when ctx ends or the
// buffer is closed.
func (b *Buffer[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T)
	s := &subscriber[T]{signal: make(chan struct{}, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out
	}
	b.trim()
	for _, e := range b.items {
		s.queue = append(s.queue, e.value)
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		}()

		for {
			v, ok := s.next()
			if !ok {
				select {
				case <-s.signal:
					continue
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
	return out
}

// Close drops the retained items and ends every subscription.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.items = nil
	close(b.done)
}

// trim drops items beyond size or older than window. Callers hold mu.
func (b *Buffer[T]) trim() {
	if over := len(b.items) - b.size; over > 0 {
		b.items = b.items[over:]
	}
	if b.window <= 0 {
		return
	}
	cutoff := b.clock.Now().Add(-b.window)
	i := 0
	for i < len(b.items) && b.items[i].at.Before(cutoff) {
		i++
	}
	b.items = b.items[i:]
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
}

func (s *subscriber[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	v := s.queue[0]
	s.queue = s.queue[1:]
	return v, true
}
