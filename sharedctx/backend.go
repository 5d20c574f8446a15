package sharedctx

import (
	"context"
	"sync"

	"github.com/opensentinel/collab/core"
)

// InMemoryBackend is a process-local core.ContextBackend. One backend may
// serve many SharedContext instances; last writer wins on concurrent sets of
// the same key. Entries are copied on read and write so instances cannot
// mutate each other's view through shared slices or maps.
type InMemoryBackend struct {
	mu       sync.RWMutex
	contexts map[string]map[string]core.ContextEntry // contextID -> key -> entry
}

// NewInMemoryBackend returns an empty in-memory context backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{contexts: make(map[string]map[string]core.ContextEntry)}
}

// Get returns a copy of the stored entry or nil when the key is absent.
func (b *InMemoryBackend) Get(ctx context.Context, contextID, key string) (*core.ContextEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, ok := b.contexts[contextID]
	if !ok {
		return nil, nil
	}
	e, ok := entries[key]
	if !ok {
		return nil, nil
	}
	clone := e.Clone()
	return &clone, nil
}

// Set stores or replaces the entry under its key.
func (b *InMemoryBackend) Set(ctx context.Context, contextID string, entry core.ContextEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contexts[contextID] == nil {
		b.contexts[contextID] = make(map[string]core.ContextEntry)
	}
	b.contexts[contextID][entry.Key] = entry.Clone()
	return nil
}

// Delete removes the key, reporting whether it was present.
func (b *InMemoryBackend) Delete(ctx context.Context, contextID, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.contexts[contextID]
	if !ok {
		return false, nil
	}
	if _, ok := entries[key]; !ok {
		return false, nil
	}
	delete(entries, key)
	return true, nil
}

// List returns a copy of every stored entry for the context, expired included.
func (b *InMemoryBackend) List(ctx context.Context, contextID string) ([]core.ContextEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.contexts[contextID]
	out := make([]core.ContextEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Clone())
	}
	return out, nil
}

// Clear removes every entry for the context.
func (b *InMemoryBackend) Clear(ctx context.Context, contextID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contexts, contextID)
	return nil
}
