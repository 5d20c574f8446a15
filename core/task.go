package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a new unique identifier.
//
// Used for tasks, messages, context entries and correlation ids throughout
// the framework. Returns a string representation of a new UUID.
func NewID() string { return uuid.NewString() }

// TaskStatus captures the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending is the initial state before graph analysis assigns
	// ready or blocked.
	TaskPending TaskStatus = "pending"
	// TaskReady means every dependency is completed and the task is
	// eligible for scheduling.
	TaskReady TaskStatus = "ready"
	// TaskBlocked means at least one dependency has not completed yet.
	TaskBlocked TaskStatus = "blocked"
	// TaskRunning means an agent has been spawned for the task.
	TaskRunning TaskStatus = "running"
	// TaskCompleted is terminal success.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed is terminal failure (exhausted retries, timeout or
	// failed dependency).
	TaskFailed TaskStatus = "failed"
	// TaskCancelled is terminal cancellation.
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskResult records the outcome of a task attempt.
type TaskResult struct {
	Success    bool   `json:"success"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	TokensUsed int    `json:"tokens_used"`
}

// TaskMetadata carries retry, budget and classification settings for a task.
type TaskMetadata struct {
	// RetryCount is incremented on every failure. The task is retried
	// while RetryCount <= MaxRetries, so MaxRetries=2 yields up to three
	// total attempts.
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Timeout     time.Duration  `json:"timeout"`
	TokenBudget int            `json:"token_budget"`
	Tags        []string       `json:"tags,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Task is one schedulable workflow unit bound to an agent type.
//
// Dependents is derived from the Dependencies edges of the other tasks in the
// same workflow and is recomputed once at graph build:
//
//	dependents(t) = { u | t.ID ∈ u.Dependencies }
type Task struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Objective         string         `json:"objective"`
	RequiredAgentType string         `json:"required_agent_type"`
	Status            TaskStatus     `json:"status"`
	Priority          int            `json:"priority"` // 1 (highest) .. 5 (lowest)
	Dependencies      []string       `json:"dependencies,omitempty"`
	Dependents        []string       `json:"dependents,omitempty"`
	AssignedAgentID   string         `json:"assigned_agent_id,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
	Output            any            `json:"output,omitempty"`
	Result            *TaskResult    `json:"result,omitempty"`
	Metadata          TaskMetadata   `json:"metadata"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a fresh id and default priority.
func NewTask(name, objective, agentType string) *Task {
	return &Task{
		ID:                NewID(),
		Name:              name,
		Objective:         objective,
		RequiredAgentType: agentType,
		Status:            TaskPending,
		Priority:          3,
		CreatedAt:         time.Now().UTC(),
	}
}

// Clone returns a deep copy of the task safe for independent mutation.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Dependencies = append([]string(nil), t.Dependencies...)
	clone.Dependents = append([]string(nil), t.Dependents...)
	clone.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	if t.Input != nil {
		clone.Input = make(map[string]any, len(t.Input))
		for k, v := range t.Input {
			clone.Input[k] = v
		}
	}
	if t.Metadata.Extra != nil {
		clone.Metadata.Extra = make(map[string]any, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			clone.Metadata.Extra[k] = v
		}
	}
	if t.Result != nil {
		r := *t.Result
		clone.Result = &r
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		clone.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		clone.CompletedAt = &ts
	}
	return &clone
}

// Strategy selects how a workflow's tasks are scheduled.
type Strategy string

const (
	// StrategySequential runs one task at a time regardless of the
	// configured concurrency limit.
	StrategySequential Strategy = "sequential"
	// StrategyParallel runs every ready task up to the concurrency limit.
	StrategyParallel Strategy = "parallel"
	// StrategyAdaptive behaves like parallel; the dependency graph alone
	// bounds the achievable parallelism.
	StrategyAdaptive Strategy = "adaptive"
)

// WorkflowStatus is the aggregated status of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Workflow is a named task set with dependency edges and an execution
// strategy, coordinated to a terminal status.
type Workflow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	UserID   string         `json:"user_id,omitempty"`
	Strategy Strategy       `json:"strategy"`
	Tasks    []*Task        `json:"tasks"`
	Status   WorkflowStatus `json:"status"`
}

// NewWorkflow creates a pending workflow with a fresh id.
func NewWorkflow(name string, strategy Strategy, tasks ...*Task) *Workflow {
	return &Workflow{
		ID:       NewID(),
		Name:     name,
		Strategy: strategy,
		Tasks:    tasks,
		Status:   WorkflowPending,
	}
}
