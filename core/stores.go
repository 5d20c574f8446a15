package core

import (
	"context"
	"time"
)

// MemoryRecord is a durable long-term memory item. Memory types follow the
// platform convention: episodic, semantic or procedural. Importance ranges
// 1..10.
type MemoryRecord struct {
	UserID     string         `json:"user_id"`
	MemoryType string         `json:"memory_type"`
	Content    string         `json:"content"`
	Importance int            `json:"importance"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MemoryStore persists durable long-term memories. It is the only
// ephemeral-to-durable bridge and is always invoked explicitly, fire and
// forget, at workflow completion or via SharedContext.PersistToMemory.
type MemoryStore interface {
	Persist(ctx context.Context, rec MemoryRecord) error
}

// Transport is a channel-addressed publish/subscribe fabric with delivery to
// current subscribers only. There is no transport-level acknowledgment or
// retry; at-most-once delivery is the contract.
type Transport interface {
	// Publish delivers data to every current subscriber of the channel and
	// returns the number of subscribers it was handed to.
	Publish(ctx context.Context, channel string, data []byte) (int, error)

	// Subscribe registers a handler for the channel and returns an
	// unsubscribe function. Handlers may be invoked concurrently.
	Subscribe(channel string, fn func(data []byte)) (func(), error)
}

// MailboxStore is a durable per-agent FIFO backing the offline mailbox.
// Entries expire after their TTL and are skipped on drain.
type MailboxStore interface {
	// Enqueue appends data to the agent's mailbox. A non-positive TTL
	// stores the entry without expiry.
	Enqueue(ctx context.Context, agentID string, data []byte, ttl time.Duration) error

	// Drain removes and returns every non-expired entry in FIFO order.
	Drain(ctx context.Context, agentID string) ([][]byte, error)

	// Len reports the number of stored entries, expired ones included.
	Len(ctx context.Context, agentID string) (int, error)
}

// ContextBackend is the shared storage behind SharedContext instances.
// Implementations must be safe for concurrent use by multiple instances;
// last writer wins on concurrent Set calls for the same key.
type ContextBackend interface {
	// Get returns the stored entry or nil when the key is absent.
	Get(ctx context.Context, contextID, key string) (*ContextEntry, error)

	// Set stores or replaces the entry under its key.
	Set(ctx context.Context, contextID string, entry ContextEntry) error

	// Delete removes the key, reporting whether it was present.
	Delete(ctx context.Context, contextID, key string) (bool, error)

	// List returns every stored entry for the context, expired included.
	List(ctx context.Context, contextID string) ([]ContextEntry, error)

	// Clear removes every entry for the context.
	Clear(ctx context.Context, contextID string) error
}
