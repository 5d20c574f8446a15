// Package mailbox provides durable per-agent FIFO stores backing the
// messenger's offline delivery path.
package mailbox

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// InMemory is a process-local core.MailboxStore. Entries are kept in arrival
// order per agent; expired entries are skipped and discarded on drain.
type InMemory struct {
	mu    sync.Mutex
	boxes map[string][]entry
}

// NewInMemory returns an empty in-memory mailbox store.
func NewInMemory() *InMemory {
	return &InMemory{boxes: make(map[string][]entry)}
}

// Enqueue appends data to the agent's mailbox. A non-positive TTL stores the
// entry without expiry. The payload is copied.
func (m *InMemory) Enqueue(ctx context.Context, agentID string, data []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	e := entry{data: cp}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[agentID] = append(m.boxes[agentID], e)
	return nil
}

// Drain removes and returns every non-expired entry in FIFO order.
func (m *InMemory) Drain(ctx context.Context, agentID string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.boxes[agentID]
	delete(m.boxes, agentID)

	now := time.Now()
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		out = append(out, e.data)
	}
	return out, nil
}

// Len reports the number of stored entries, expired ones included.
func (m *InMemory) Len(ctx context.Context, agentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes[agentID]), nil
}
