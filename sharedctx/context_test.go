package sharedctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/memory"
)

var _ core.ContextBackend = (*InMemoryBackend)(nil)

var testAgent = core.AgentRef{ID: "agent-1", Type: "research"}

func newTestContext() *SharedContext {
	return New("ctx-1", "user-1", NewInMemoryBackend())
}

func TestSharedContext_SetAndGet(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	entry, err := sc.Set(ctx, "task:1:output", map[string]any{"x": 1}, SetOptions{
		Type:  core.EntryArtifact,
		Agent: testAgent,
		Tags:  []string{"output"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, core.EntryArtifact, entry.Type)
	assert.EqualValues(t, 1, sc.Version())

	got, err := sc.Get(ctx, "task:1:output")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, map[string]any{"x": 1}, got.Value)
	assert.Equal(t, testAgent, got.CreatedBy)
}

func TestSharedContext_GetAfterDelete(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	_, err := sc.Set(ctx, "k", "v", SetOptions{Agent: testAgent})
	require.NoError(t, err)

	removed, err := sc.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := sc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	removed, err = sc.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSharedContext_TTLExpiry(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	_, err := sc.Set(ctx, "ephemeral", "v", SetOptions{Agent: testAgent, TTL: 10 * time.Millisecond})
	require.NoError(t, err)
	_, err = sc.Set(ctx, "durable", "v", SetOptions{Agent: testAgent})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	got, err := sc.Get(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry must be invisible")

	keys, err := sc.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"durable"}, keys, "expired entry must be absent from keys")

	size, err := sc.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestSharedContext_UpdateMissingKeyIsNoOp(t *testing.T) {
	sc := newTestContext()

	got, err := sc.Update(context.Background(), "missing", "v", UpdateOptions{Agent: testAgent})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, sc.Version())
}

func TestSharedContext_UpdateMerge(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	_, err := sc.Set(ctx, "state", map[string]any{"a": 1, "b": 1}, SetOptions{
		Agent: testAgent,
		Tags:  []string{"keep"},
		TTL:   time.Hour,
	})
	require.NoError(t, err)
	orig, err := sc.Get(ctx, "state")
	require.NoError(t, err)

	updater := core.AgentRef{ID: "agent-2", Type: "coding"}
	got, err := sc.Update(ctx, "state", map[string]any{"b": 2, "c": 3}, UpdateOptions{Agent: updater, Merge: true})
	require.NoError(t, err)
	require.NotNil(t, got)

	// shallow union, new fields win
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, got.Value)

	// creation time, TTL and tags preserved; provenance recorded
	assert.Equal(t, orig.CreatedAt, got.CreatedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, []string{"keep"}, got.Tags)
	assert.Equal(t, testAgent, got.CreatedBy)
	last, ok := got.Metadata["lastUpdatedBy"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-2", last["id"])
}

func TestSharedContext_UpdateReplaceWithoutMerge(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	_, err := sc.Set(ctx, "k", map[string]any{"a": 1}, SetOptions{Agent: testAgent})
	require.NoError(t, err)

	got, err := sc.Update(ctx, "k", "replaced", UpdateOptions{Agent: testAgent})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "replaced", got.Value)
}

func TestSharedContext_Query(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	_, err := sc.Set(ctx, "task:1:output", map[string]any{"x": 1}, SetOptions{Type: core.EntryArtifact, Agent: testAgent})
	require.NoError(t, err)
	_, err = sc.RecordFinding(ctx, "finding:cache", "cache is cold", testAgent, "performance")
	require.NoError(t, err)
	_, err = sc.RecordDecision(ctx, "decision:arch", "use queues", core.AgentRef{ID: "agent-2", Type: "coding"})
	require.NoError(t, err)

	// exactly one artifact with the stored key and value
	res, err := sc.Query(ctx, QueryFilter{Types: []core.EntryType{core.EntryArtifact}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "task:1:output", res[0].Key)
	assert.Equal(t, map[string]any{"x": 1}, res[0].Value)

	res, err = sc.Query(ctx, QueryFilter{Tags: []string{"performance"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "finding:cache", res[0].Key)

	res, err = sc.Query(ctx, QueryFilter{CreatedBy: "agent-2", CreatedByType: "coding"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "decision:arch", res[0].Key)

	res, err = sc.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, res, 3)
}

func TestSharedContext_QueryNewestFirst(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	for _, key := range []string{"first", "second", "third"} {
		_, err := sc.Set(ctx, key, key, SetOptions{Agent: testAgent})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	res, err := sc.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "third", res[0].Key)
	assert.Equal(t, "first", res[2].Key)
}

func TestSharedContext_SnapshotAndRestore(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	_, err := sc.StoreArtifact(ctx, "a", "artifact", testAgent)
	require.NoError(t, err)
	_, err = sc.RecordFinding(ctx, "f", "finding", testAgent)
	require.NoError(t, err)

	snap, err := sc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 2)
	assert.Equal(t, 1, snap.Summary[core.EntryArtifact])
	assert.Equal(t, 1, snap.Summary[core.EntryFinding])
	assert.EqualValues(t, 2, snap.Version)

	restorer := core.AgentRef{ID: "restorer", Type: "system"}
	target := New("ctx-2", "user-1", NewInMemoryBackend())
	n, err := target.Restore(ctx, snap, RestoreOptions{Agent: restorer})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := target.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, got.Tags, "restored")
	assert.Equal(t, restorer, got.CreatedBy)
	assert.Equal(t, "ctx-1", got.Metadata["restoredFrom"])
}

func TestSharedContext_RestoreClearFirst(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	_, err := sc.Set(ctx, "old", "v", SetOptions{Agent: testAgent})
	require.NoError(t, err)

	snap := core.Snapshot{ContextID: "other", Entries: []core.ContextEntry{
		{Key: "new", Value: "v", Type: core.EntryState},
	}}
	n, err := sc.Restore(ctx, snap, RestoreOptions{Agent: testAgent, ClearFirst: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := sc.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, keys)
}

func TestSharedContext_ToAgentContext(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	_, err := sc.RecordFinding(ctx, "f1", "hot path", testAgent, "perf")
	require.NoError(t, err)
	_, err = sc.StoreArtifact(ctx, "a1", map[string]any{"x": 1}, testAgent)
	require.NoError(t, err)

	view, err := sc.ToAgentContext(ctx)
	require.NoError(t, err)

	findings, ok := view["findings"].(map[string]any)
	require.True(t, ok, "finding entries grouped under pluralized key")
	f1, ok := findings["f1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hot path", f1["value"])
	assert.Equal(t, "agent-1", f1["createdBy"])

	_, ok = view["artifacts"].(map[string]any)
	require.True(t, ok)

	meta, ok := view["_meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ctx-1", meta["contextId"])
	assert.Equal(t, 2, meta["entryCount"])
}

func TestSharedContext_SubscribersAndPanicContainment(t *testing.T) {
	sc := newTestContext()
	ctx := context.Background()

	var seen []string
	unsub := sc.Subscribe(func(e core.ContextEntry) { seen = append(seen, e.Key) })
	sc.Subscribe(func(core.ContextEntry) { panic("subscriber bug") })

	_, err := sc.Set(ctx, "k1", "v", SetOptions{Agent: testAgent})
	require.NoError(t, err, "subscriber panic must not propagate")
	assert.Equal(t, []string{"k1"}, seen)

	unsub()
	_, err = sc.Set(ctx, "k2", "v", SetOptions{Agent: testAgent})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, seen, "unsubscribed listener must not fire")
}

func TestSharedContext_CrossInstanceStaleness(t *testing.T) {
	backend := NewInMemoryBackend()
	a := New("ctx-1", "user-1", backend)
	b := New("ctx-1", "user-1", backend)
	ctx := context.Background()

	_, err := a.Set(ctx, "k", "v1", SetOptions{Agent: testAgent})
	require.NoError(t, err)

	// b caches the key, then a overwrites it
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", got.Value)

	_, err = a.Set(ctx, "k", "v2", SetOptions{Agent: testAgent})
	require.NoError(t, err)

	// b's cache is not invalidated: the stale value remains visible
	got, err = b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", got.Value, "cross-instance writes stay invisible until the cached entry lapses")

	// a fresh instance sees the new value immediately
	c := New("ctx-1", "user-1", backend)
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Value)
}

func TestSharedContext_PersistToMemory(t *testing.T) {
	mem := memory.NewInMemoryStore()
	sc := New("ctx-1", "user-1", NewInMemoryBackend(), func(o *Options) { o.Memory = mem })
	ctx := context.Background()

	_, err := sc.RecordFinding(ctx, "f1", "important", testAgent)
	require.NoError(t, err)
	entries, err := sc.Query(ctx, QueryFilter{Types: []core.EntryType{core.EntryFinding}})
	require.NoError(t, err)

	n, err := sc.PersistToMemory(ctx, entries, "semantic", 8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, mem.Count("user-1"))
}

func TestManager_IsolatedInstances(t *testing.T) {
	m := NewManager()

	a := m.Context("wf-1", "user-1")
	b := m.Context("wf-1", "user-1")
	assert.Same(t, a, b, "same manager returns the same instance per context id")

	other := m.Context("wf-2", "user-1")
	assert.NotSame(t, a, other)

	m.Release("wf-1")
	c := m.Context("wf-1", "user-1")
	assert.NotSame(t, a, c, "release drops the instance")

	// backend data survives release
	ctx := context.Background()
	_, err := c.Set(ctx, "k", "v", SetOptions{Agent: testAgent})
	require.NoError(t, err)
	m.Release("wf-1")
	d := m.Context("wf-1", "user-1")
	got, err := d.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
}
