package core

import "time"

// EntryType classifies a shared context entry.
type EntryType string

const (
	EntryArtifact  EntryType = "artifact"
	EntryFinding   EntryType = "finding"
	EntryDecision  EntryType = "decision"
	EntryReference EntryType = "reference"
	EntryState     EntryType = "state"
	EntryError     EntryType = "error"
	EntryMetadata  EntryType = "metadata"
)

// ContextEntry is one keyed value in a shared context, with provenance,
// optional TTL and tags. Keys are unique per context instance; expired
// entries are invisible to all reads and lazily purged on access.
type ContextEntry struct {
	ID        string         `json:"id"`
	Type      EntryType      `json:"type"`
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	CreatedBy AgentRef       `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the entry's TTL has lapsed at the given instant.
func (e ContextEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Clone returns a copy with independent tag and metadata collections. The
// Value itself is shared; callers must not mutate structured values in place.
func (e ContextEntry) Clone() ContextEntry {
	clone := e
	clone.Tags = append([]string(nil), e.Tags...)
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	if e.ExpiresAt != nil {
		ts := *e.ExpiresAt
		clone.ExpiresAt = &ts
	}
	return clone
}

// Snapshot is a point-in-time capture of a shared context's entries plus a
// per-type count summary and the version counter at capture time.
type Snapshot struct {
	ContextID string            `json:"context_id"`
	TakenAt   time.Time         `json:"taken_at"`
	Version   uint64            `json:"version"`
	Entries   []ContextEntry    `json:"entries"`
	Summary   map[EntryType]int `json:"summary"`
}
