// Package runtime provides core.AgentRuntime implementations: a local
// in-process runtime for tests and examples, plus provider-backed adapters
// in the anthropic and openai subpackages.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/logging"
)

// Handler executes one agent's objective in process. A returned error marks
// the agent failed; a nil result with nil error counts as an empty success.
type Handler func(ctx context.Context, spec core.SpawnSpec) (*core.TaskResult, error)

// LocalOptions configures a Local runtime.
type LocalOptions struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

type localAgent struct {
	state  core.AgentState
	cancel context.CancelFunc
}

// Local is an in-process core.AgentRuntime backed by registered per-type
// handlers. Spawned handlers run asynchronously; completion is observable
// only through Status polling, matching how the coordinator treats real
// runtimes.
type Local struct {
	logger logging.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler
	agents   map[string]*localAgent
}

// NewLocal creates an empty local runtime. Register handlers before
// spawning.
func NewLocal(optFns ...func(o *LocalOptions)) *Local {
	opts := LocalOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Local{
		logger:   opts.Logger,
		handlers: make(map[string]Handler),
		agents:   make(map[string]*localAgent),
	}
}

// Register binds a handler to an agent type, replacing any previous one.
func (l *Local) Register(agentType string, fn Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[agentType] = fn
}

// RegisterFallback binds a handler used for agent types without their own.
func (l *Local) RegisterFallback(fn Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = fn
}

// Spawn starts the handler for the spec's agent type on its own goroutine
// and returns immediately with the agent id.
func (l *Local) Spawn(ctx context.Context, spec core.SpawnSpec) (string, error) {
	l.mu.Lock()
	fn, ok := l.handlers[spec.AgentType]
	if !ok {
		fn = l.fallback
	}
	if fn == nil {
		l.mu.Unlock()
		return "", fmt.Errorf("no handler registered for agent type %q", spec.AgentType)
	}

	agentID := core.NewID()
	runCtx, cancel := context.WithCancel(context.Background())
	l.agents[agentID] = &localAgent{
		state:  core.AgentState{Status: core.AgentRunning},
		cancel: cancel,
	}
	l.mu.Unlock()

	l.logger.Debug("local agent spawned", "agent_id", agentID, "agent_type", spec.AgentType, "name", spec.Name)

	go func() {
		result, err := l.invoke(runCtx, fn, spec)

		l.mu.Lock()
		defer l.mu.Unlock()
		a := l.agents[agentID]
		if a == nil || a.state.Status != core.AgentRunning {
			return
		}
		switch {
		case runCtx.Err() != nil:
			a.state = core.AgentState{
				Status: core.AgentCancelled,
				Result: &core.TaskResult{Success: false, Error: "cancelled"},
			}
		case err != nil:
			a.state = core.AgentState{
				Status: core.AgentFailed,
				Result: &core.TaskResult{Success: false, Error: err.Error()},
			}
		default:
			if result == nil {
				result = &core.TaskResult{Success: true}
			}
			a.state = core.AgentState{Status: core.AgentCompleted, Result: result}
		}
	}()
	return agentID, nil
}

// invoke runs the handler, converting panics into failures.
func (l *Local) invoke(ctx context.Context, fn Handler, spec core.SpawnSpec) (result *core.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("local agent handler panicked", "agent_type", spec.AgentType, "panic", r)
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, spec)
}

// Status reports the agent's current state.
func (l *Local) Status(ctx context.Context, agentID string) (core.AgentState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agents[agentID]
	if !ok {
		return core.AgentState{}, fmt.Errorf("%w: %s", core.ErrAgentNotFound, agentID)
	}
	state := a.state
	if state.Result != nil {
		r := *state.Result
		state.Result = &r
	}
	return state, nil
}

// Cancel stops a running agent, recording the given result. Cancelling an
// already-terminal or unknown agent is a no-op.
func (l *Local) Cancel(ctx context.Context, agentID string, result *core.TaskResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agents[agentID]
	if !ok || a.state.Status != core.AgentRunning {
		return nil
	}
	a.cancel()
	if result == nil {
		result = &core.TaskResult{Success: false, Error: "cancelled"}
	}
	a.state = core.AgentState{Status: core.AgentCancelled, Result: result}
	return nil
}
