// Package core provides the foundational domain types and interfaces used by
// the collaboration framework. It defines the core abstractions for:
//
//   - Tasks and Workflows (schedulable units of work with dependency edges)
//   - Messages (typed inter-agent communication with correlation support)
//   - ContextEntries (ephemeral TTL-bound shared state with provenance)
//   - Consumed collaborator interfaces (AgentRuntime, MemoryStore, Transport,
//     MailboxStore, ContextBackend)
//
// The package intentionally keeps implementation concerns (persistence,
// scheduling, concrete runtimes) out of scope, exposing small interfaces to
// enable custom backends and extensions.
package core
