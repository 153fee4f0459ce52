package presence

import (
	"context"
	"sync"
)

// Bus is an in-process Channel fan-out. Every subscriber, including the
// publisher's own, receives each update; trackers filter their own
// connection id. It backs single-process setups and tests.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]func(Update)
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Update))}
}

// Publish delivers u to all current subscribers synchronously.
func (b *Bus) Publish(_ context.Context, u Update) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	fns := make([]func(Update), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
	return nil
}

// Subscribe registers fn. The returned cancel is idempotent.
func (b *Bus) Subscribe(_ context.Context, fn func(Update)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

// Close drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]func(Update))
	return nil
}
