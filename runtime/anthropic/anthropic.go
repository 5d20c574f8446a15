// Package anthropic implements core.AgentRuntime on the Anthropic Messages
// API: each spawned agent runs one completion for its objective
// asynchronously and exposes a poll-able status.
package anthropic

import (
	"context"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/logging"
	"github.com/opensentinel/collab/runtime"
)

// ModelID converts a model name into the SDK's model type, for callers
// configuring the model from a string (e.g. a config file).
func ModelID(name string) anthropic.Model { return anthropic.Model(name) }

// Options configures the Anthropic runtime adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	Logger      logging.Logger
}

type agentRun struct {
	state  core.AgentState
	cancel context.CancelFunc
}

// Runtime runs agents as single Claude completions.
type Runtime struct {
	client *anthropic.Client
	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	agents map[string]*agentRun
}

// NewRuntime creates a Runtime using the official client. Without an APIKey
// option the client falls back to its environment configuration.
func NewRuntime(optFns ...func(o *Options)) *Runtime {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return newRuntime(&client, opts)
}

// NewRuntimeFromClient creates a Runtime from an existing client.
func NewRuntimeFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Runtime {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newRuntime(client, opts)
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
		Logger:      logging.NoOpLogger{},
	}
}

func newRuntime(client *anthropic.Client, opts Options) *Runtime {
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

	r.logger.Debug("anthropic agent spawned", "agent_id", agentID, "agent_type", spec.AgentType, "model", string(r.opts.Model))
	go r.execute(runCtx, agentID, spec)
	return agentID, nil
}

func (r *Runtime) execute(ctx context.Context, agentID string, spec core.SpawnSpec) {
	maxTokens := r.opts.MaxTokens
	if spec.TokenBudget > 0 && int64(spec.TokenBudget) < maxTokens {
		maxTokens = int64(spec.TokenBudget)
	}

	params := anthropic.MessageNewParams{
		Model:       r.opts.Model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(r.opts.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: runtime.SystemPrompt(spec.AgentType)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(runtime.ObjectivePrompt(spec))),
		},
	}

	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			r.finish(agentID, core.AgentCancelled, &core.TaskResult{Success: false, Error: ctx.Err().Error()})
			return
		}
		r.logger.Error("anthropic completion failed", "agent_id", agentID, "error", err)
		r.finish(agentID, core.AgentFailed, &core.TaskResult{Success: false, Error: err.Error()})
		return
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	tokens := int(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	r.finish(agentID, core.AgentCompleted, &core.TaskResult{
		Success:    true,
		Output:     text,
		TokensUsed: tokens,
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
