// Package openai implements core.AgentRuntime on the OpenAI Chat Completions
// API: each spawned agent runs one completion for its objective
// asynchronously and exposes a poll-able status.
package openai

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/logging"
	"github.com/opensentinel/collab/runtime"
)

// Options configures the OpenAI runtime adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	Logger              logging.Logger
}

type agentRun struct {
	state  core.AgentState
	cancel context.CancelFunc
}

// Runtime runs agents as single chat completions.
type Runtime struct {
	client *openai.Client
	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	agents map[string]*agentRun
}

// NewRuntime creates a Runtime using the official client's environment
// configuration.
func NewRuntime(optFns ...func(o *Options)) *Runtime {
	client := openai.NewClient()
	return NewRuntimeFromClient(&client, optFns...)
}

// NewRuntimeFromClient creates a Runtime from an existing client.
func NewRuntimeFromClient(client *openai.Client, optFns ...func(o *Options)) *Runtime {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Runtime{
		client: client,
		opts:   opts,
		logger: opts.Logger,
		agents: make(map[string]*agentRun),
	}
}

// Spawn starts one completion for the spec's objective on its own goroutine
// and returns immediately with the agent id.
func (r *Runtime) Spawn(ctx context.Context, spec core.SpawnSpec) (string, error) {
	agentID := core.NewID()
	runCtx, cancel := context.WithCancel(context.Background())
	if spec.TimeBudget > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), spec.TimeBudget)
	}

	r.mu.Lock()
	r.agents[agentID] = &agentRun{
		state:  core.AgentState{Status: core.AgentRunning},
		cancel: cancel,
	}
	r.mu.Unlock()

	r.logger.Debug("openai agent spawned", "agent_id", agentID, "agent_type", spec.AgentType, "model", r.opts.Model)
	go r.execute(runCtx, agentID, spec)
	return agentID, nil
}

func (r *Runtime) execute(ctx context.Context, agentID string, spec core.SpawnSpec) {
	maxTokens := r.opts.MaxCompletionTokens
	if spec.TokenBudget > 0 && int64(spec.TokenBudget) < maxTokens {
		maxTokens = int64(spec.TokenBudget)
	}

	params := openai.ChatCompletionNewParams{
		Model:               r.opts.Model,
		Temperature:         openai.Float(r.opts.Temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(runtime.SystemPrompt(spec.AgentType)),
			openai.UserMessage(runtime.ObjectivePrompt(spec)),
		},
	}

	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			r.finish(agentID, core.AgentCancelled, &core.TaskResult{Success: false, Error: ctx.Err().Error()})
			return
		}
		r.logger.Error("openai completion failed", "agent_id", agentID, "error", err)
		r.finish(agentID, core.AgentFailed, &core.TaskResult{Success: false, Error: err.Error()})
		return
	}
	if len(resp.Choices) == 0 {
		r.finish(agentID, core.AgentFailed, &core.TaskResult{Success: false, Error: fmt.Sprintf("no choices returned for model %s", r.opts.Model)})
		return
	}

	r.finish(agentID, core.AgentCompleted, &core.TaskResult{
		Success:    true,
		Output:     resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
	})
}

func (r *Runtime) finish(agentID string, status core.AgentStatus, result *core.TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.agents[agentID]
	if a == nil || a.state.Status != core.AgentRunning {
		return
	}
	a.state = core.AgentState{Status: status, Result: result}
}

// Status reports the agent's current state.
func (r *Runtime) Status(ctx context.Context, agentID string) (core.AgentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return core.AgentState{}, core.ErrAgentNotFound
	}
	state := a.state
	if state.Result != nil {
		res := *state.Result
		state.Result = &res
	}
	return state, nil
}

// Cancel aborts a running completion, recording the given result.
func (r *Runtime) Cancel(ctx context.Context, agentID string, result *core.TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
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
