package core

import (
	"context"
	"errors"
	"time"
)

// ErrAgentNotFound is returned by AgentRuntime.Status when the agent id is
// unknown. The coordinator treats it as a task failure subject to the retry
// policy.
var ErrAgentNotFound = errors.New("agent not found")

// AgentStatus is the runtime-reported lifecycle state of a spawned agent.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
)

// AgentState is the poll result for a spawned agent. Result is set once the
// agent reaches a terminal status.
type AgentState struct {
	Status AgentStatus `json:"status"`
	Result *TaskResult `json:"result,omitempty"`
}

// SpawnSpec describes the agent an AgentRuntime should start for a task.
type SpawnSpec struct {
	UserID      string         `json:"user_id,omitempty"`
	AgentType   string         `json:"agent_type"`
	Objective   string         `json:"objective"`
	Context     map[string]any `json:"context,omitempty"`
	TokenBudget int            `json:"token_budget,omitempty"`
	TimeBudget  time.Duration  `json:"time_budget,omitempty"`
	Name        string         `json:"name,omitempty"`
}

// AgentRuntime runs an agent's reasoning/tool loop out of process from the
// coordinator's point of view. The coordinator detects completion only by
// polling Status, never via push.
type AgentRuntime interface {
	// Spawn starts an agent for the given spec and returns its id.
	Spawn(ctx context.Context, spec SpawnSpec) (string, error)

	// Status reports the current state of a spawned agent. Returns
	// ErrAgentNotFound for unknown ids.
	Status(ctx context.Context, agentID string) (AgentState, error)

	// Cancel stops a running agent, recording the given result. Cancelling
	// an already-terminal agent is a no-op.
	Cancel(ctx context.Context, agentID string, result *TaskResult) error
}
