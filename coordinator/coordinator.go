// Package coordinator schedules a workflow's task graph onto an agent
// runtime: it resolves dependency order, bounds concurrency, retries failed
// attempts, detects deadlocked graphs and aggregates per-task outputs into a
// workflow result. Task work executes out of process; the coordinator only
// polls for completion.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/logging"
	"github.com/opensentinel/collab/messenger"
	"github.com/opensentinel/collab/sharedctx"
)

var (
	// ErrNotInitialized is returned by Start before Initialize succeeded.
	ErrNotInitialized = errors.New("coordinator not initialized")

	// ErrAlreadyRunning is returned by Start while the loop is active.
	ErrAlreadyRunning = errors.New("workflow already running")

	// ErrTaskNotFound is returned by GetTask for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
)

const (
	// DefaultMaxConcurrentTasks bounds simultaneous running tasks.
	DefaultMaxConcurrentTasks = 5

	// DefaultPollInterval is the per-task monitor poll cadence.
	DefaultPollInterval = time.Second

	// DefaultIdleDelay bounds how long the loop sleeps without a wake.
	DefaultIdleDelay = 100 * time.Millisecond

	// DefaultTaskTimeout bounds one task attempt.
	DefaultTaskTimeout = 5 * time.Minute

	// DefaultMaxRetries is applied to tasks that do not set their own.
	// MaxRetries=2 allows three total attempts.
	DefaultMaxRetries = 2

	// DefaultSnapshotTTL bounds how long persisted coordinator snapshots
	// stay readable.
	DefaultSnapshotTTL = time.Hour
)

// coordinatorRef is the provenance stamped on coordinator-written context
// entries.
var coordinatorRef = core.AgentRef{ID: "coordinator", Type: "coordinator"}

// Options configures a Coordinator.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger

	// MaxConcurrentTasks bounds simultaneous running tasks per workflow.
	// The sequential strategy overrides it to 1.
	MaxConcurrentTasks int

	// PollInterval is how often per-task monitors poll the runtime.
	PollInterval time.Duration

	// IdleDelay bounds the loop's wait when nothing woke it.
	IdleDelay time.Duration

	// DefaultTimeout is applied to tasks without their own timeout.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is applied to tasks without their own setting.
	// Negative disables the default (zero retries).
	DefaultMaxRetries int

	// SnapshotTTL bounds persisted coordinator snapshots.
	SnapshotTTL time.Duration

	// Memory receives promoted high-signal context entries at workflow
	// completion. Optional.
	Memory core.MemoryStore

	// Transport carries per-task messengers. Optional; without it tasks
	// run without messaging.
	Transport core.Transport

	// Mailbox backs per-task messengers' offline queues. Optional.
	Mailbox core.MailboxStore
}

// Results is the aggregated outcome of a finished workflow. Outputs is keyed
// by task name and covers completed tasks only; Completed and Failed list
// task ids for partial consumption.
type Results struct {
	WorkflowID string              `json:"workflow_id"`
	Status     core.WorkflowStatus `json:"status"`
	Outputs    map[string]any      `json:"outputs"`
	Completed  []string            `json:"completed"`
	Failed     []string            `json:"failed"`
}

// Coordinator drives one workflow to a terminal status. The task table is
// guarded by a single mutex because monitors report transitions from their
// own goroutines.
type Coordinator struct {
	runtime  core.AgentRuntime
	contexts *sharedctx.Manager
	logger   logging.Logger

	maxConcurrent  int
	pollInterval   time.Duration
	idleDelay      time.Duration
	defaultTimeout time.Duration
	defaultRetries int
	snapshotTTL    time.Duration
	memory         core.MemoryStore
	transport      core.Transport
	mailbox        core.MailboxStore

	mu         sync.Mutex
	workflow   *core.Workflow
	tasks      map[string]*core.Task
	order      []string
	running    map[string]struct{}
	completed  map[string]struct{}
	failed     map[string]struct{}
	messengers map[string]*messenger.Messenger
	sctx       *sharedctx.SharedContext
	started    bool
	done       chan struct{}
	observers  map[int]func(Event)
	nextObs    int

	// wake is signalled by monitors on every task transition so the loop
	// reacts immediately instead of waiting out the idle delay.
	wake chan struct{}
}

// New creates a Coordinator over the given runtime and shared context
// manager.
func New(runtime core.AgentRuntime, contexts *sharedctx.Manager, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Logger:             logging.NoOpLogger{},
		MaxConcurrentTasks: DefaultMaxConcurrentTasks,
		PollInterval:       DefaultPollInterval,
		IdleDelay:          DefaultIdleDelay,
		DefaultTimeout:     DefaultTaskTimeout,
		DefaultMaxRetries:  DefaultMaxRetries,
		SnapshotTTL:        DefaultSnapshotTTL,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.IdleDelay <= 0 {
		opts.IdleDelay = DefaultIdleDelay
	}
	return &Coordinator{
		runtime:        runtime,
		contexts:       contexts,
		logger:         opts.Logger,
		maxConcurrent:  opts.MaxConcurrentTasks,
		pollInterval:   opts.PollInterval,
		idleDelay:      opts.IdleDelay,
		defaultTimeout: opts.DefaultTimeout,
		defaultRetries: opts.DefaultMaxRetries,
		snapshotTTL:    opts.SnapshotTTL,
		memory:         opts.Memory,
		transport:      opts.Transport,
		mailbox:        opts.Mailbox,
		tasks:          make(map[string]*core.Task),
		running:        make(map[string]struct{}),
		completed:      make(map[string]struct{}),
		failed:         make(map[string]struct{}),
		messengers:     make(map[string]*messenger.Messenger),
		observers:      make(map[int]func(Event)),
		done:           make(chan struct{}),
		wake:           make(chan struct{}, 1),
	}
}

// Initialize builds the task table from the workflow: dependency ids are
// validated eagerly, dependency edges are inverted into Dependents, tasks
// with no dependencies become ready and the rest blocked, and the workflow's
// metadata is persisted into its shared context. Must be called once before
// Start.
func (c *Coordinator) Initialize(ctx context.Context, workflow *core.Workflow) error {
	if workflow == nil || len(workflow.Tasks) == 0 {
		return errors.New("workflow has no tasks")
	}

	c.mu.Lock()
	if c.workflow != nil {
		c.mu.Unlock()
		return errors.New("coordinator already initialized")
	}

	ids := make(map[string]*core.Task, len(workflow.Tasks))
	for _, t := range workflow.Tasks {
		if t.ID == "" {
			c.mu.Unlock()
			return fmt.Errorf("task %q has no id", t.Name)
		}
		if _, dup := ids[t.ID]; dup {
			c.mu.Unlock()
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		ids[t.ID] = t
	}
	for _, t := range workflow.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				c.mu.Unlock()
				return fmt.Errorf("task %s depends on itself", t.ID)
			}
			if _, ok := ids[dep]; !ok {
				c.mu.Unlock()
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	c.workflow = &core.Workflow{
		ID:       workflow.ID,
		Name:     workflow.Name,
		UserID:   workflow.UserID,
		Strategy: workflow.Strategy,
		Status:   core.WorkflowPending,
	}
	for _, src := range workflow.Tasks {
		t := src.Clone()
		t.Dependents = nil
		if t.Priority < 1 || t.Priority > 5 {
			t.Priority = 3
		}
		if t.Metadata.MaxRetries == 0 {
			t.Metadata.MaxRetries = c.defaultRetries
		} else if t.Metadata.MaxRetries < 0 {
			t.Metadata.MaxRetries = 0
		}
		if t.Metadata.Timeout <= 0 {
			t.Metadata.Timeout = c.defaultTimeout
		}
		if len(t.Dependencies) == 0 {
			t.Status = core.TaskReady
		} else {
			t.Status = core.TaskBlocked
		}
		c.tasks[t.ID] = t
		c.order = append(c.order, t.ID)
		c.workflow.Tasks = append(c.workflow.Tasks, t)
	}
	for _, t := range c.tasks {
		for _, dep := range t.Dependencies {
			c.tasks[dep].Dependents = append(c.tasks[dep].Dependents, t.ID)
		}
	}
	c.sctx = c.contexts.Context(c.workflow.ID, c.workflow.UserID)
	workflowID := c.workflow.ID
	taskCount := len(c.tasks)
	c.mu.Unlock()

	_, err := c.sctx.Set(ctx, "workflow:metadata", map[string]any{
		"workflowId": workflowID,
		"name":       workflow.Name,
		"strategy":   string(workflow.Strategy),
		"taskCount":  taskCount,
		"userId":     workflow.UserID,
	}, sharedctx.SetOptions{Type: core.EntryMetadata, Agent: coordinatorRef})
	if err != nil {
		return fmt.Errorf("persisting workflow metadata: %w", err)
	}

	c.logger.Info("workflow initialized", "workflow_id", workflowID, "tasks", taskCount, "strategy", string(workflow.Strategy))
	c.emit(EventInitialized, "", map[string]any{"tasks": taskCount})
	return nil
}

// Start runs the scheduling loop to completion, blocking until the workflow
// reaches a terminal status or ctx is cancelled (which cancels the
// workflow). Returns ErrAlreadyRunning when called twice.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.workflow == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.started = true
	c.workflow.Status = core.WorkflowRunning
	c.mu.Unlock()

	c.logger.Info("workflow started", "workflow_id", c.workflowID())
	c.emit(EventStarted, "", nil)
	c.run(ctx)
	return nil
}

// Cancel stops the workflow: every running task's agent is cancelled, its
// task marked cancelled, and the loop torn down. Idempotent once terminal.
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.workflow == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.workflow.Status != core.WorkflowRunning && c.workflow.Status != core.WorkflowPending {
		c.mu.Unlock()
		return nil
	}
	c.workflow.Status = core.WorkflowCancelled
	var victims []*core.Task
	for id := range c.running {
		victims = append(victims, c.tasks[id])
	}
	c.mu.Unlock()

	for _, t := range victims {
		result := &core.TaskResult{Success: false, Error: "workflow cancelled"}
		if err := c.runtime.Cancel(ctx, t.AssignedAgentID, result); err != nil {
			c.logger.Warn("cancelling agent failed", "task_id", t.ID, "agent_id", t.AssignedAgentID, "error", err)
		}
		c.mu.Lock()
		now := time.Now().UTC()
		t.Status = core.TaskCancelled
		t.Result = result
		t.CompletedAt = &now
		delete(c.running, t.ID)
		c.mu.Unlock()
		c.releaseMessenger(t.ID)
		c.emit(EventTaskCancelled, t.ID, nil)
	}

	c.teardown()
	c.persistSnapshot(ctx)
	c.logger.Info("workflow cancelled", "workflow_id", c.workflowID())
	c.emit(EventWorkflowCancelled, "", nil)
	c.signalWake()
	return nil
}

// Status returns the workflow's aggregated status.
func (c *Coordinator) Status() core.WorkflowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workflow == nil {
		return core.WorkflowPending
	}
	return c.workflow.Status
}

// GetTask returns a copy of one task.
func (c *Coordinator) GetTask(id string) (*core.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// AllTasks returns copies of every task in initialization order.
func (c *Coordinator) AllTasks() []*core.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*core.Task, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tasks[id].Clone())
	}
	return out
}

// Results returns the aggregated workflow outcome. Valid at any time; before
// completion it reflects progress so far.
func (c *Coordinator) Results() Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Results{Outputs: make(map[string]any)}
	if c.workflow == nil {
		return res
	}
	res.WorkflowID = c.workflow.ID
	res.Status = c.workflow.Status
	for _, id := range c.order {
		t := c.tasks[id]
		switch t.Status {
		case core.TaskCompleted:
			res.Completed = append(res.Completed, t.ID)
			res.Outputs[t.Name] = t.Output
		case core.TaskFailed:
			res.Failed = append(res.Failed, t.ID)
		}
	}
	return res
}

// Context returns the workflow's shared context instance, nil before
// Initialize.
func (c *Coordinator) Context() *sharedctx.SharedContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sctx
}

// run is the scheduling loop. One iteration: completion check, start ready
// tasks up to the concurrency limit, deadlock pass when nothing can move,
// snapshot, then wait for a monitor wake or the bounded idle delay.
func (c *Coordinator) run(ctx context.Context) {
	for {
		if c.Status() != core.WorkflowRunning {
			return
		}
		if c.finishIfDone(ctx) {
			return
		}
		c.startReady(ctx)
		if c.deadlockPass(ctx) {
			return
		}
		c.persistSnapshot(ctx)

		select {
		case <-c.wake:
		case <-time.After(c.idleDelay):
		case <-ctx.Done():
			if err := c.Cancel(context.WithoutCancel(ctx)); err != nil {
				c.logger.Error("cancel on context done failed", "error", err)
			}
			return
		}
	}
}

// finishIfDone aggregates and finalizes once every task is terminal.
func (c *Coordinator) finishIfDone(ctx context.Context) bool {
	c.mu.Lock()
	terminal := 0
	cancelled := 0
	for _, t := range c.tasks {
		if t.Status.Terminal() {
			terminal++
		}
		if t.Status == core.TaskCancelled {
			cancelled++
		}
	}
	if terminal < len(c.tasks) {
		c.mu.Unlock()
		return false
	}
	failures := len(c.failed) + cancelled
	if failures == 0 {
		c.workflow.Status = core.WorkflowCompleted
	} else {
		c.workflow.Status = core.WorkflowFailed
	}
	status := c.workflow.Status
	c.mu.Unlock()

	res := c.Results()
	if _, err := c.sctx.StoreArtifact(ctx, "workflow:result", map[string]any{
		"workflowId": res.WorkflowID,
		"status":     string(status),
		"outputs":    res.Outputs,
		"completed":  res.Completed,
		"failed":     res.Failed,
	}, coordinatorRef, "workflow-result"); err != nil {
		c.logger.Error("persisting workflow result failed", "workflow_id", res.WorkflowID, "error", err)
	}
	c.promoteToMemory(ctx)
	c.persistSnapshot(ctx)
	c.teardown()

	c.logger.Info("workflow finished",
		"workflow_id", res.WorkflowID,
		"status", string(status),
		"completed", len(res.Completed),
		"failed", len(res.Failed))
	if status == core.WorkflowCompleted {
		c.emit(EventWorkflowCompleted, "", map[string]any{"completed": len(res.Completed)})
	} else {
		c.emit(EventWorkflowFailed, "", map[string]any{"failed": len(res.Failed)})
	}
	return true
}

// promoteToMemory copies high-signal context entries (findings, decisions,
// artifacts) into durable long-term memory. Fire and forget.
func (c *Coordinator) promoteToMemory(ctx context.Context) {
	if c.memory == nil {
		return
	}
	entries, err := c.sctx.Query(ctx, sharedctx.QueryFilter{
		Types: []core.EntryType{core.EntryFinding, core.EntryDecision, core.EntryArtifact},
	})
	if err != nil {
		c.logger.Warn("querying entries for memory promotion failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	n, err := c.sctx.PersistToMemory(ctx, entries, "semantic", 7)
	if err != nil {
		c.logger.Warn("memory promotion failed", "persisted", n, "error", err)
		return
	}
	c.logger.Debug("promoted entries to long-term memory", "count", n)
}

// startReady starts ready tasks ascending by priority until the concurrency
// limit is reached. The sequential strategy caps the limit at one.
func (c *Coordinator) startReady(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.workflow.Status != core.WorkflowRunning {
			c.mu.Unlock()
			return
		}
		limit := c.maxConcurrent
		if c.workflow.Strategy == core.StrategySequential {
			limit = 1
		}
		if len(c.running) >= limit {
			c.mu.Unlock()
			return
		}
		next := c.nextReadyLocked()
		if next == nil {
			c.mu.Unlock()
			return
		}
		now := time.Now().UTC()
		next.Status = core.TaskRunning
		next.StartedAt = &now
		c.running[next.ID] = struct{}{}
		task := next.Clone()
		c.mu.Unlock()

		c.launch(ctx, task)
	}
}

// nextReadyLocked returns the highest-priority schedulable task, or nil.
// Priority 1 is highest; ties break on initialization order.
func (c *Coordinator) nextReadyLocked() *core.Task {
	var candidates []*core.Task
	for _, id := range c.order {
		t := c.tasks[id]
		if t.Status != core.TaskReady && t.Status != core.TaskPending {
			continue
		}
		if !c.depsCompletedLocked(t) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	return candidates[0]
}

func (c *Coordinator) depsCompletedLocked(t *core.Task) bool {
	for _, dep := range t.Dependencies {
		if _, ok := c.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// launch spawns an agent for the task and hands it to a monitor. Spawn
// failures route through the retry policy like any other task failure.
func (c *Coordinator) launch(ctx context.Context, task *core.Task) {
	input := c.buildTaskInput(ctx, task)

	attempt := task.Metadata.RetryCount + 1
	agentID, err := c.runtime.Spawn(ctx, core.SpawnSpec{
		UserID:      c.workflow.UserID,
		AgentType:   task.RequiredAgentType,
		Objective:   task.Objective,
		Context:     input,
		TokenBudget: task.Metadata.TokenBudget,
		TimeBudget:  task.Metadata.Timeout,
		Name:        task.Name,
	})
	if err != nil {
		c.logger.Error("agent spawn failed", "task_id", task.ID, "agent_type", task.RequiredAgentType, "error", err)
		c.failAttempt(task.ID, fmt.Sprintf("spawn failed: %v", err))
		return
	}

	c.mu.Lock()
	t := c.tasks[task.ID]
	t.AssignedAgentID = agentID
	t.Input = input
	c.mu.Unlock()

	c.attachMessenger(ctx, task.ID, core.AgentRef{ID: agentID, Type: task.RequiredAgentType})

	c.logger.Info("task started",
		"workflow_id", c.workflowID(),
		"task_id", task.ID,
		"task", task.Name,
		"agent_id", agentID,
		"attempt", attempt)
	c.emit(EventTaskStarted, task.ID, map[string]any{"agentId": agentID, "attempt": attempt})

	go c.monitor(task.ID, agentID, task.Metadata.Timeout)
}

// buildTaskInput merges the task's own input with the outputs of its
// completed dependencies (keyed by dependency task name) and the
// materialized shared-context view.
func (c *Coordinator) buildTaskInput(ctx context.Context, task *core.Task) map[string]any {
	input := make(map[string]any, len(task.Input)+2)
	for k, v := range task.Input {
		input[k] = v
	}

	c.mu.Lock()
	deps := make(map[string]any, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		if d, ok := c.tasks[dep]; ok && d.Status == core.TaskCompleted {
			deps[d.Name] = d.Output
		}
	}
	c.mu.Unlock()
	if len(deps) > 0 {
		input["dependencies"] = deps
	}

	view, err := c.sctx.ToAgentContext(ctx)
	if err != nil {
		c.logger.Warn("materializing shared context failed", "task_id", task.ID, "error", err)
	} else {
		input["sharedContext"] = view
	}
	return input
}

// attachMessenger connects a messenger scoped to the spawned agent so it can
// exchange messages with sibling agents. Skipped without a transport.
func (c *Coordinator) attachMessenger(ctx context.Context, taskID string, agent core.AgentRef) {
	if c.transport == nil {
		return
	}
	m := messenger.New(agent, c.transport, c.mailbox, func(o *messenger.Options) {
		o.Logger = c.logger
		o.Metadata = core.MessageMetadata{UserID: c.workflow.UserID, ParentTaskID: taskID}
	})
	if err := m.Connect(ctx); err != nil {
		c.logger.Warn("messenger connect failed", "task_id", taskID, "agent_id", agent.ID, "error", err)
		return
	}
	c.mu.Lock()
	c.messengers[taskID] = m
	c.mu.Unlock()
}

func (c *Coordinator) releaseMessenger(taskID string) {
	c.mu.Lock()
	m := c.messengers[taskID]
	delete(c.messengers, taskID)
	c.mu.Unlock()
	if m != nil {
		m.Disconnect()
	}
}

// completeTask records a successful attempt: the output is persisted to the
// shared context under a task-scoped key with provenance, and every direct
// dependent whose dependencies are now all completed flips blocked to ready.
func (c *Coordinator) completeTask(ctx context.Context, taskID string, result *core.TaskResult) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok || t.Status != core.TaskRunning {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.Status = core.TaskCompleted
	t.Result = result
	t.Output = result.Output
	t.CompletedAt = &now
	delete(c.running, taskID)
	c.completed[taskID] = struct{}{}

	var unblocked []string
	for _, depID := range t.Dependents {
		d := c.tasks[depID]
		if d.Status == core.TaskBlocked && c.depsCompletedLocked(d) {
			d.Status = core.TaskReady
			unblocked = append(unblocked, depID)
		}
	}
	agent := core.AgentRef{ID: t.AssignedAgentID, Type: t.RequiredAgentType}
	name := t.Name
	retries := t.Metadata.RetryCount
	c.mu.Unlock()

	c.releaseMessenger(taskID)

	_, err := c.sctx.Set(ctx, "task:"+taskID+":output", result.Output, sharedctx.SetOptions{
		Type:  core.EntryArtifact,
		Agent: agent,
		Tags:  []string{"task-output"},
		Metadata: map[string]any{
			"taskId":   taskID,
			"taskName": name,
		},
	})
	if err != nil {
		c.logger.Error("persisting task output failed", "task_id", taskID, "error", err)
	}

	c.logger.Info("task completed",
		"workflow_id", c.workflowID(),
		"task_id", taskID,
		"task", name,
		"retries", retries,
		"tokens", result.TokensUsed,
		"unblocked", len(unblocked))
	c.emit(EventTaskCompleted, taskID, map[string]any{"tokens": result.TokensUsed})
	c.signalWake()
}

// failAttempt applies the retry policy to one failed attempt: the retry
// count increments and while it stays within MaxRetries the task re-enters
// scheduling as ready; exhausted, the task fails permanently with a
// zero-token result and every direct dependent cascades to blocked.
func (c *Coordinator) failAttempt(taskID, reason string) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok || t.Status != core.TaskRunning {
		c.mu.Unlock()
		return
	}
	t.Metadata.RetryCount++
	if t.Metadata.RetryCount <= t.Metadata.MaxRetries {
		t.Status = core.TaskReady
		t.AssignedAgentID = ""
		t.StartedAt = nil
		delete(c.running, taskID)
		retryCount := t.Metadata.RetryCount
		maxRetries := t.Metadata.MaxRetries
		c.mu.Unlock()

		c.releaseMessenger(taskID)
		c.logger.Warn("task attempt failed, retrying",
			"workflow_id", c.workflowID(),
			"task_id", taskID,
			"reason", reason,
			"retry", retryCount,
			"max_retries", maxRetries)
		c.emit(EventTaskRetry, taskID, map[string]any{"reason": reason, "retry": retryCount})
		c.signalWake()
		return
	}

	now := time.Now().UTC()
	t.Status = core.TaskFailed
	t.Result = &core.TaskResult{Success: false, Error: reason, TokensUsed: 0}
	t.CompletedAt = &now
	delete(c.running, taskID)
	c.failed[taskID] = struct{}{}
	var cascaded []string
	for _, depID := range t.Dependents {
		d := c.tasks[depID]
		if !d.Status.Terminal() && d.Status != core.TaskRunning {
			d.Status = core.TaskBlocked
			cascaded = append(cascaded, depID)
		}
	}
	retryCount := t.Metadata.RetryCount
	c.mu.Unlock()

	c.releaseMessenger(taskID)
	c.logger.Error("task failed permanently",
		"workflow_id", c.workflowID(),
		"task_id", taskID,
		"reason", reason,
		"attempts", retryCount,
		"cascaded", len(cascaded))
	c.emit(EventTaskFailed, taskID, map[string]any{"reason": reason, "attempts": retryCount})
	c.signalWake()
}

// cancelTask records a runtime-reported cancellation. No retry.
func (c *Coordinator) cancelTask(taskID string, result *core.TaskResult) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok || t.Status != core.TaskRunning {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.Status = core.TaskCancelled
	t.Result = result
	t.CompletedAt = &now
	delete(c.running, taskID)
	c.mu.Unlock()

	c.releaseMessenger(taskID)
	c.logger.Info("task cancelled", "workflow_id", c.workflowID(), "task_id", taskID)
	c.emit(EventTaskCancelled, taskID, nil)
	c.signalWake()
}

// deadlockPass runs when nothing is ready or running but unfinished tasks
// remain. Blocked tasks whose dependency already failed are failed outright
// ("dependency task failed", no retry). Anything still pending or blocked
// after that pass has no failure explanation: the graph is malformed and the
// whole workflow fails with a deadlock diagnostic. Returns true when the
// loop must stop.
func (c *Coordinator) deadlockPass(ctx context.Context) bool {
	c.mu.Lock()
	if len(c.running) > 0 || c.nextReadyLocked() != nil {
		c.mu.Unlock()
		return false
	}
	var waiting []*core.Task
	for _, id := range c.order {
		t := c.tasks[id]
		if t.Status == core.TaskPending || t.Status == core.TaskBlocked {
			waiting = append(waiting, t)
		}
	}
	if len(waiting) == 0 {
		c.mu.Unlock()
		return false
	}

	// fail tasks downstream of a failure, cascading to a fixpoint
	now := time.Now().UTC()
	var depFailed []string
	for changed := true; changed; {
		changed = false
		for _, t := range waiting {
			if t.Status.Terminal() {
				continue
			}
			for _, dep := range t.Dependencies {
				if _, ok := c.failed[dep]; !ok {
					continue
				}
				t.Status = core.TaskFailed
				t.Result = &core.TaskResult{Success: false, Error: "dependency task failed", TokensUsed: 0}
				ts := now
				t.CompletedAt = &ts
				c.failed[t.ID] = struct{}{}
				depFailed = append(depFailed, t.ID)
				changed = true
				break
			}
		}
	}
	var stuck []string
	for _, t := range waiting {
		if !t.Status.Terminal() {
			stuck = append(stuck, t.ID)
		}
	}
	if len(stuck) > 0 {
		c.workflow.Status = core.WorkflowFailed
	}
	c.mu.Unlock()

	for _, id := range depFailed {
		c.emit(EventTaskFailed, id, map[string]any{"reason": "dependency task failed"})
	}
	if len(stuck) == 0 {
		// everything got a failure explanation; the completion check
		// finalizes on the next iteration
		c.signalWake()
		return false
	}

	c.logger.Error("workflow deadlocked",
		"workflow_id", c.workflowID(),
		"stuck_tasks", stuck)
	c.emit(EventWorkflowDeadlock, "", map[string]any{"stuckTasks": stuck})
	c.emit(EventWorkflowFailed, "", map[string]any{"reason": "deadlock"})
	c.persistSnapshot(ctx)
	c.teardown()
	return true
}

// persistSnapshot serializes coordinator state under a workflow-scoped key
// for inspection. Best effort; not guaranteed-consistent live state.
func (c *Coordinator) persistSnapshot(ctx context.Context) {
	c.mu.Lock()
	if c.workflow == nil || c.sctx == nil {
		c.mu.Unlock()
		return
	}
	snap := struct {
		WorkflowID string              `json:"workflow_id"`
		Status     core.WorkflowStatus `json:"status"`
		Tasks      []*core.Task        `json:"tasks"`
		Completed  []string            `json:"completed"`
		Failed     []string            `json:"failed"`
		Running    []string            `json:"running"`
	}{
		WorkflowID: c.workflow.ID,
		Status:     c.workflow.Status,
	}
	for _, id := range c.order {
		snap.Tasks = append(snap.Tasks, c.tasks[id].Clone())
	}
	for id := range c.completed {
		snap.Completed = append(snap.Completed, id)
	}
	for id := range c.failed {
		snap.Failed = append(snap.Failed, id)
	}
	for id := range c.running {
		snap.Running = append(snap.Running, id)
	}
	c.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("encoding coordinator snapshot failed", "error", err)
		return
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("decoding coordinator snapshot failed", "error", err)
		return
	}
	if _, err := c.sctx.Set(ctx, "coordinator:snapshot", state, sharedctx.SetOptions{
		Type:  core.EntryState,
		Agent: coordinatorRef,
		TTL:   c.snapshotTTL,
	}); err != nil {
		c.logger.Warn("persisting coordinator snapshot failed", "error", err)
	}
}

// teardown releases every messenger and stops monitors.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	messengers := c.messengers
	c.messengers = make(map[string]*messenger.Messenger)
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	for _, m := range messengers {
		m.Disconnect()
	}
}

func (c *Coordinator) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) workflowID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workflow == nil {
		return ""
	}
	return c.workflow.ID
}
