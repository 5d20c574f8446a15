// Package sharedctx provides the ephemeral shared context store used for
// cross-agent collaboration: keyed, TTL-bound, tag-filterable state with
// provenance, snapshots and an explicit bridge to long-term memory.
package sharedctx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/logging"
)

// Options configures a SharedContext instance.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger

	// Memory receives PersistToMemory writes. Optional; PersistToMemory
	// fails when nil.
	Memory core.MemoryStore
}

// SetOptions parameterizes Set and the convenience wrappers.
type SetOptions struct {
	Type     core.EntryType
	Agent    core.AgentRef
	Tags     []string
	Metadata map[string]any
	TTL      time.Duration
}

// UpdateOptions parameterizes Update.
type UpdateOptions struct {
	Agent    core.AgentRef
	Merge    bool
	Metadata map[string]any
}

// RestoreOptions parameterizes Restore.
type RestoreOptions struct {
	Agent      core.AgentRef
	ClearFirst bool
}

// QueryFilter selects entries matching every given dimension. Zero-valued
// dimensions are ignored.
type QueryFilter struct {
	Types         []core.EntryType
	Keys          []string
	Tags          []string // any overlap matches
	CreatedBy     string
	CreatedByType string
	Since         time.Time // CreatedAt >= Since
}

// SharedContext is one collaboration's view onto a shared, TTL-bound keyed
// state space. Each instance keeps a local per-key cache populated lazily.
//
// Consistency model: the local cache is authoritative for a key until that
// entry's own TTL lapses; it is NOT invalidated by other writers. A write
// made through another instance to an already-cached key stays invisible
// here until the cached entry expires or the key is re-fetched after a local
// delete. This staleness window is deliberate; callers needing atomicity
// must use Update's merge option or disjoint keys.
type SharedContext struct {
	contextID string
	userID    string
	backend   core.ContextBackend
	memory    core.MemoryStore
	logger    logging.Logger

	mu          sync.Mutex
	cache       map[string]core.ContextEntry
	version     uint64
	subscribers map[int]func(core.ContextEntry)
	nextSubID   int
}

// New creates a SharedContext instance over the given backend.
func New(contextID, userID string, backend core.ContextBackend, optFns ...func(o *Options)) *SharedContext {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &SharedContext{
		contextID:   contextID,
		userID:      userID,
		backend:     backend,
		memory:      opts.Memory,
		logger:      opts.Logger,
		cache:       make(map[string]core.ContextEntry),
		subscribers: make(map[int]func(core.ContextEntry)),
	}
}

// ContextID returns the context identifier shared by all instances attached
// to the same collaboration.
func (c *SharedContext) ContextID() string { return c.contextID }

// UserID returns the owning user id.
func (c *SharedContext) UserID() string { return c.userID }

// Version returns the instance-local mutation counter. It increments on
// every successful Set, Update, Delete, Clear and restored entry.
func (c *SharedContext) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Set stores a full replacement entry under key and notifies local
// subscribers synchronously. Subscriber panics are caught and logged, never
// propagated to the writer.
func (c *SharedContext) Set(ctx context.Context, key string, value any, opts SetOptions) (core.ContextEntry, error) {
	if opts.Type == "" {
		opts.Type = core.EntryState
	}
	now := time.Now().UTC()
	entry := core.ContextEntry{
		ID:        core.NewID(),
		Type:      opts.Type,
		Key:       key,
		Value:     value,
		CreatedBy: opts.Agent,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      append([]string(nil), opts.Tags...),
		Metadata:  copyMap(opts.Metadata),
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		entry.ExpiresAt = &exp
	}

	if err := c.backend.Set(ctx, c.contextID, entry); err != nil {
		return core.ContextEntry{}, fmt.Errorf("storing context entry %q: %w", key, err)
	}

	c.mu.Lock()
	c.cache[key] = entry.Clone()
	c.version++
	c.mu.Unlock()

	c.notify(entry)
	return entry, nil
}

// Get returns the entry for key or nil when absent or expired. The local
// cache is checked first; a cached entry past its TTL is evicted and the key
// re-fetched. An expired stored entry is lazily purged. Corrupted backend
// reads are logged and treated as absent.
func (c *SharedContext) Get(ctx context.Context, key string) (*core.ContextEntry, error) {
	now := time.Now().UTC()

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		if !cached.Expired(now) {
			clone := cached.Clone()
			c.mu.Unlock()
			return &clone, nil
		}
		delete(c.cache, key)
	}
	c.mu.Unlock()

	entry, err := c.backend.Get(ctx, c.contextID, key)
	if err != nil {
		c.logger.Warn("failed to read context entry, treating as absent", "key", key, "error", err)
		return nil, nil
	}
	if entry == nil {
		return nil, nil
	}
	if entry.Expired(now) {
		if _, err := c.backend.Delete(ctx, c.contextID, key); err != nil {
			c.logger.Warn("failed to purge expired context entry", "key", key, "error", err)
		}
		return nil, nil
	}

	c.mu.Lock()
	c.cache[key] = entry.Clone()
	c.mu.Unlock()
	return entry, nil
}

// Update mutates an existing entry, preserving its creation time, TTL and
// tags. Missing or expired keys make Update a no-op returning nil. With
// Merge set and both the stored and the new value being string-keyed maps,
// the result is the shallow union with new fields winning; otherwise the
// value is replaced wholesale. Entry metadata is merged with the updater
// recorded under lastUpdatedBy.
func (c *SharedContext) Update(ctx context.Context, key string, value any, opts UpdateOptions) (*core.ContextEntry, error) {
	existing, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	updated := existing.Clone()
	if opts.Merge {
		if oldMap, ok := existing.Value.(map[string]any); ok {
			if newMap, ok := value.(map[string]any); ok {
				merged := make(map[string]any, len(oldMap)+len(newMap))
				for k, v := range oldMap {
					merged[k] = v
				}
				for k, v := range newMap {
					merged[k] = v
				}
				value = merged
			}
		}
	}
	updated.Value = value
	updated.UpdatedAt = time.Now().UTC()

	if updated.Metadata == nil {
		updated.Metadata = make(map[string]any)
	}
	for k, v := range opts.Metadata {
		updated.Metadata[k] = v
	}
	updated.Metadata["lastUpdatedBy"] = map[string]any{"id": opts.Agent.ID, "type": opts.Agent.Type}

	if err := c.backend.Set(ctx, c.contextID, updated); err != nil {
		return nil, fmt.Errorf("updating context entry %q: %w", key, err)
	}

	c.mu.Lock()
	c.cache[key] = updated.Clone()
	c.version++
	c.mu.Unlock()

	c.notify(updated)
	return &updated, nil
}

// Delete removes the key, reporting whether it was present.
func (c *SharedContext) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := c.backend.Delete(ctx, c.contextID, key)
	if err != nil {
		return false, fmt.Errorf("deleting context entry %q: %w", key, err)
	}

	c.mu.Lock()
	delete(c.cache, key)
	if removed {
		c.version++
	}
	c.mu.Unlock()
	return removed, nil
}

// Has reports whether a non-expired entry exists for key.
func (c *SharedContext) Has(ctx context.Context, key string) (bool, error) {
	entry, err := c.Get(ctx, key)
	return entry != nil, err
}

// Keys returns the keys of every non-expired entry.
func (c *SharedContext) Keys(ctx context.Context) ([]string, error) {
	entries, err := c.live(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size reports the number of non-expired entries.
func (c *SharedContext) Size(ctx context.Context) (int, error) {
	entries, err := c.live(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Clear removes every entry for the context and drops the local cache.
func (c *SharedContext) Clear(ctx context.Context) error {
	if err := c.backend.Clear(ctx, c.contextID); err != nil {
		return fmt.Errorf("clearing context: %w", err)
	}
	c.mu.Lock()
	c.cache = make(map[string]core.ContextEntry)
	c.version++
	c.mu.Unlock()
	return nil
}

// Query returns the non-expired entries matching every given filter
// dimension, newest-first by creation time.
func (c *SharedContext) Query(ctx context.Context, filter QueryFilter) ([]core.ContextEntry, error) {
	entries, err := c.live(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]core.ContextEntry, 0, len(entries))
	for _, e := range entries {
		if len(filter.Types) > 0 && !containsType(filter.Types, e.Type) {
			continue
		}
		if len(filter.Keys) > 0 && !containsString(filter.Keys, e.Key) {
			continue
		}
		if len(filter.Tags) > 0 && !tagsOverlap(filter.Tags, e.Tags) {
			continue
		}
		if filter.CreatedBy != "" && e.CreatedBy.ID != filter.CreatedBy {
			continue
		}
		if filter.CreatedByType != "" && e.CreatedBy.Type != filter.CreatedByType {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Snapshot captures every non-expired entry plus a per-type count summary
// and the current version.
func (c *SharedContext) Snapshot(ctx context.Context) (core.Snapshot, error) {
	entries, err := c.live(ctx)
	if err != nil {
		return core.Snapshot{}, err
	}

	summary := make(map[core.EntryType]int)
	for _, e := range entries {
		summary[e.Type]++
	}
	return core.Snapshot{
		ContextID: c.contextID,
		TakenAt:   time.Now().UTC(),
		Version:   c.Version(),
		Entries:   entries,
		Summary:   summary,
	}, nil
}

// Restore replays each captured entry through Set, tagging restored entries
// with restore provenance. Returns the number of entries restored.
func (c *SharedContext) Restore(ctx context.Context, snap core.Snapshot, opts RestoreOptions) (int, error) {
	if opts.ClearFirst {
		if err := c.Clear(ctx); err != nil {
			return 0, err
		}
	}

	restored := 0
	for _, e := range snap.Entries {
		setOpts := SetOptions{
			Type:     e.Type,
			Agent:    opts.Agent,
			Tags:     append(append([]string(nil), e.Tags...), "restored"),
			Metadata: copyMap(e.Metadata),
		}
		if setOpts.Metadata == nil {
			setOpts.Metadata = make(map[string]any)
		}
		setOpts.Metadata["restoredFrom"] = snap.ContextID
		if e.ExpiresAt != nil {
			ttl := time.Until(*e.ExpiresAt)
			if ttl <= 0 {
				continue
			}
			setOpts.TTL = ttl
		}
		if _, err := c.Set(ctx, e.Key, e.Value, setOpts); err != nil {
			return restored, fmt.Errorf("restoring entry %q: %w", e.Key, err)
		}
		restored++
	}
	return restored, nil
}

// ToAgentContext projects all non-expired entries grouped by pluralized type
// (e.g. "findings"), each carrying value, provenance and tags, plus a _meta
// block. This is the materialized view agents receive as task input.
func (c *SharedContext) ToAgentContext(ctx context.Context) (map[string]any, error) {
	entries, err := c.live(ctx)
	if err != nil {
		return nil, err
	}

	view := make(map[string]any)
	for _, e := range entries {
		group := pluralize(e.Type)
		m, ok := view[group].(map[string]any)
		if !ok {
			m = make(map[string]any)
			view[group] = m
		}
		m[e.Key] = map[string]any{
			"value":         e.Value,
			"createdBy":     e.CreatedBy.ID,
			"createdByType": e.CreatedBy.Type,
			"tags":          append([]string(nil), e.Tags...),
			"updatedAt":     e.UpdatedAt,
		}
	}
	view["_meta"] = map[string]any{
		"contextId":   c.contextID,
		"userId":      c.userID,
		"version":     c.Version(),
		"entryCount":  len(entries),
		"generatedAt": time.Now().UTC(),
	}
	return view, nil
}

// StoreArtifact stores a value as an artifact entry.
func (c *SharedContext) StoreArtifact(ctx context.Context, key string, value any, agent core.AgentRef, tags ...string) (core.ContextEntry, error) {
	return c.Set(ctx, key, value, SetOptions{Type: core.EntryArtifact, Agent: agent, Tags: tags})
}

// RecordFinding stores a value as a finding entry.
func (c *SharedContext) RecordFinding(ctx context.Context, key string, value any, agent core.AgentRef, tags ...string) (core.ContextEntry, error) {
	return c.Set(ctx, key, value, SetOptions{Type: core.EntryFinding, Agent: agent, Tags: tags})
}

// RecordDecision stores a value as a decision entry.
func (c *SharedContext) RecordDecision(ctx context.Context, key string, value any, agent core.AgentRef, tags ...string) (core.ContextEntry, error) {
	return c.Set(ctx, key, value, SetOptions{Type: core.EntryDecision, Agent: agent, Tags: tags})
}

// PersistToMemory writes the given entries as durable long-term memory
// records. This is the only ephemeral-to-durable bridge and is always
// explicit. Returns the number of records persisted.
func (c *SharedContext) PersistToMemory(ctx context.Context, entries []core.ContextEntry, memoryType string, importance int) (int, error) {
	if c.memory == nil {
		return 0, fmt.Errorf("no memory store configured")
	}

	persisted := 0
	for _, e := range entries {
		rec := core.MemoryRecord{
			UserID:     c.userID,
			MemoryType: memoryType,
			Content:    fmt.Sprintf("[%s] %s: %v", e.Type, e.Key, e.Value),
			Importance: importance,
			Source:     "shared_context",
			Metadata: map[string]any{
				"contextId": c.contextID,
				"entryId":   e.ID,
				"entryType": string(e.Type),
				"createdBy": e.CreatedBy.ID,
			},
		}
		if err := c.memory.Persist(ctx, rec); err != nil {
			return persisted, fmt.Errorf("persisting entry %q to memory: %w", e.Key, err)
		}
		persisted++
	}
	return persisted, nil
}

// Subscribe registers a synchronous listener invoked on every local mutation.
// Returns an unsubscribe function.
func (c *SharedContext) Subscribe(fn func(core.ContextEntry)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// Disconnect clears the local cache and subscribers. The shared backend is
// left untouched; other instances keep operating.
func (c *SharedContext) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]core.ContextEntry)
	c.subscribers = make(map[int]func(core.ContextEntry))
}

// live returns every non-expired entry, lazily purging expired ones.
func (c *SharedContext) live(ctx context.Context) ([]core.ContextEntry, error) {
	entries, err := c.backend.List(ctx, c.contextID)
	if err != nil {
		return nil, fmt.Errorf("listing context entries: %w", err)
	}
	now := time.Now().UTC()
	out := entries[:0]
	for _, e := range entries {
		if e.Expired(now) {
			if _, err := c.backend.Delete(ctx, c.contextID, e.Key); err != nil {
				c.logger.Warn("failed to purge expired context entry", "key", e.Key, "error", err)
			}
			c.mu.Lock()
			delete(c.cache, e.Key)
			c.mu.Unlock()
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *SharedContext) notify(entry core.ContextEntry) {
	c.mu.Lock()
	subs := make([]func(core.ContextEntry), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("context subscriber panicked", "key", entry.Key, "panic", r)
				}
			}()
			fn(entry.Clone())
		}()
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func pluralize(t core.EntryType) string {
	if t == core.EntryMetadata {
		return string(t)
	}
	return string(t) + "s"
}

func containsType(set []core.EntryType, t core.EntryType) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func tagsOverlap(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
