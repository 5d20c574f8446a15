package testutil

import (
	"time"

	"github.com/opensentinel/collab/core"
)

// TaskBuilder provides a fluent helper for constructing tasks in tests.
// Example:
//
//	task := NewTaskBuilder("draft").Agent("writing").DependsOn(gather).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type TaskBuilder struct {
	task *core.Task
}

// NewTaskBuilder creates a builder for a task with the given name. The
// objective defaults to the name and the agent type to "research".
func NewTaskBuilder(name string) *TaskBuilder {
	return &TaskBuilder{task: core.NewTask(name, name, "research")}
}

// ID overrides the auto-generated task ID (chainable). Use mainly in tests
// where determinism matters.
func (b *TaskBuilder) ID(id string) *TaskBuilder { b.task.ID = id; return b }

// Objective sets the task objective (chainable).
func (b *TaskBuilder) Objective(o string) *TaskBuilder { b.task.Objective = o; return b }

// Agent sets the required agent type (chainable).
func (b *TaskBuilder) Agent(agentType string) *TaskBuilder {
	b.task.RequiredAgentType = agentType
	return b
}

// Priority sets the scheduling priority, 1 highest to 5 lowest (chainable).
func (b *TaskBuilder) Priority(p int) *TaskBuilder { b.task.Priority = p; return b }

// DependsOn adds dependency edges to the given tasks (chainable).
func (b *TaskBuilder) DependsOn(deps ...*core.Task) *TaskBuilder {
	for _, d := range deps {
		b.task.Dependencies = append(b.task.Dependencies, d.ID)
	}
	return b
}

// MaxRetries sets the retry budget; negative disables retries (chainable).
func (b *TaskBuilder) MaxRetries(n int) *TaskBuilder { b.task.Metadata.MaxRetries = n; return b }

// Timeout bounds one attempt (chainable).
func (b *TaskBuilder) Timeout(d time.Duration) *TaskBuilder { b.task.Metadata.Timeout = d; return b }

// Input sets one task input field (chainable).
func (b *TaskBuilder) Input(key string, value any) *TaskBuilder {
	if b.task.Input == nil {
		b.task.Input = make(map[string]any)
	}
	b.task.Input[key] = value
	return b
}

// Build returns the constructed task.
func (b *TaskBuilder) Build() *core.Task { return b.task }

// WorkflowBuilder assembles a workflow from built tasks.
type WorkflowBuilder struct {
	name     string
	strategy core.Strategy
	userID   string
	tasks    []*core.Task
}

// NewWorkflowBuilder creates a builder defaulting to the parallel strategy.
func NewWorkflowBuilder(name string) *WorkflowBuilder {
	return &WorkflowBuilder{name: name, strategy: core.StrategyParallel}
}

// Strategy sets the scheduling strategy (chainable).
func (b *WorkflowBuilder) Strategy(s core.Strategy) *WorkflowBuilder { b.strategy = s; return b }

// User sets the owning user id (chainable).
func (b *WorkflowBuilder) User(userID string) *WorkflowBuilder { b.userID = userID; return b }

// Add appends tasks to the workflow (chainable).
func (b *WorkflowBuilder) Add(tasks ...*core.Task) *WorkflowBuilder {
	b.tasks = append(b.tasks, tasks...)
	return b
}

// Build constructs the core.Workflow value.
func (b *WorkflowBuilder) Build() *core.Workflow {
	wf := core.NewWorkflow(b.name, b.strategy, b.tasks...)
	wf.UserID = b.userID
	return wf
}
