package relay

import (
	"context"
	"sync"
)

// Bus is an in-process Transport: every envelope is delivered to every
// receiver synchronously, the sender's own included. It backs
// single-process collaboration and tests.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]func(Envelope)
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Envelope))}
}

// Send delivers env to all current receivers.
func (b *Bus) Send(_ context.Context, env Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	fns := make([]func(Envelope), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
	return nil
}

// Receive registers fn. The returned cancel is idempotent.
func (b *Bus) Receive(_ context.Context, fn func(Envelope)) (func(), error) {
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

// Close drops all receivers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]func(Envelope))
	return nil
}
