// Package memory provides long-term memory store implementations. Durable
// memories are the only bridge out of the ephemeral shared context and are
// always written explicitly.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/opensentinel/collab/core"
)

// InMemoryStore is a naive process-local MemoryStore. It keeps persisted
// records per user in arrival order and offers a substring Search for
// inspection and tests.
//
// Concurrency: protected by RWMutex.
// Search: linear scan with substring matching (case sensitive). Suitable only
// for tests / demos; swap for a vector DB or semantic index for production
// retrieval.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]core.MemoryRecord // userID -> persisted records
}

// NewInMemoryStore creates a new in-memory memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]core.MemoryRecord)}
}

// Persist appends a durable memory record. Importance is clamped to 1..10
// and the memory type defaults to semantic when unset, matching the platform
// convention.
func (m *InMemoryStore) Persist(ctx context.Context, rec core.MemoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Content == "" {
		return fmt.Errorf("memory content must not be empty")
	}
	if rec.MemoryType == "" {
		rec.MemoryType = "semantic"
	}
	if rec.Importance < 1 {
		rec.Importance = 1
	} else if rec.Importance > 10 {
		rec.Importance = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = append(m.records[rec.UserID], rec)
	return nil
}

// Search performs a simple substring match over persisted record contents.
// Results are returned in persistence order up to the provided limit.
func (m *InMemoryStore) Search(userID, query string, limit int) []core.MemoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.MemoryRecord
	for _, rec := range m.records[userID] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if query == "" || strings.Contains(rec.Content, query) {
			out = append(out, rec)
		}
	}
	return out
}

// Count reports the number of persisted records for a user.
func (m *InMemoryStore) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[userID])
}
