// Package transport provides channel-addressed pub/sub implementations of
// core.Transport.
package transport

import (
	"context"
	"sync"
)

// InMemory is a process-local core.Transport. Delivery is at-most-once to the
// subscribers present at publish time; each subscriber receives the payload
// on its own goroutine so a slow or re-entrant handler cannot stall the
// publisher or its siblings.
//
// Suitable for tests, examples and single-process deployments. Multi-process
// deployments should back Transport with a broker that offers the same
// channel semantics.
type InMemory struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func([]byte)
	nextID int
}

// NewInMemory returns an empty in-memory transport.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string]map[int]func([]byte))}
}

// Publish hands data to every current subscriber of the channel and returns
// the subscriber count. The payload slice is copied once per publish so
// subscribers cannot observe later caller mutations.
func (t *InMemory) Publish(ctx context.Context, channel string, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	t.mu.RLock()
	handlers := make([]func([]byte), 0, len(t.subs[channel]))
	for _, fn := range t.subs[channel] {
		handlers = append(handlers, fn)
	}
	t.mu.RUnlock()

	for _, fn := range handlers {
		go fn(cp)
	}
	return len(handlers), nil
}

// Subscribe registers a handler for the channel and returns an unsubscribe
// function. Unsubscribing twice is a no-op.
func (t *InMemory) Subscribe(channel string, fn func(data []byte)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs[channel] == nil {
		t.subs[channel] = make(map[int]func([]byte))
	}
	id := t.nextID
	t.nextID++
	t.subs[channel][id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if m, ok := t.subs[channel]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(t.subs, channel)
			}
		}
	}, nil
}

// Subscribers reports the current subscriber count for a channel.
func (t *InMemory) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[channel])
}
