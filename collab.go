// Package collab provides a high-level façade over the collaboration core:
// the task coordinator, inter-agent messenger and shared context store. Most
// applications interact with this package by:
//  1. Creating a Collab via New() (optionally overriding the default
//     in-memory transport, mailbox, memory and runtime)
//  2. Building a workflow from tasks with dependency edges
//  3. Running it with RunWorkflow and consuming the aggregated results
//
// The façade wires the pieces together while keeping each component usable
// on its own. All defaults are safe for local development and testing;
// production deployments typically supply a durable mailbox, a long-term
// memory store, a provider-backed runtime and a structured logger.
package collab

import (
	"context"
	"fmt"

	"github.com/opensentinel/collab/config"
	"github.com/opensentinel/collab/coordinator"
	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/logging"
	"github.com/opensentinel/collab/mailbox"
	"github.com/opensentinel/collab/memory"
	"github.com/opensentinel/collab/messenger"
	"github.com/opensentinel/collab/runtime"
	anthropicruntime "github.com/opensentinel/collab/runtime/anthropic"
	openairuntime "github.com/opensentinel/collab/runtime/openai"
	"github.com/opensentinel/collab/sharedctx"
	"github.com/opensentinel/collab/transport"
)

// Options configures the Collab instance.
type Options struct {
	// Config supplies tuning parameters; defaults to config.Default().
	Config config.Config

	// Runtime executes spawned agents. Defaults to the provider the config
	// names: a local runtime (register handlers via Local()), or an
	// Anthropic/OpenAI adapter.
	Runtime core.AgentRuntime

	// Transport carries inter-agent messages (defaults to in-memory).
	Transport core.Transport

	// Mailbox queues messages for offline agents (defaults to in-memory,
	// or sqlite when the config sets a mailbox path).
	Mailbox core.MailboxStore

	// Memory receives promoted entries at workflow completion (defaults to
	// in-memory).
	Memory core.MemoryStore

	// ContextBackend stores shared context entries (defaults to in-memory).
	ContextBackend core.ContextBackend

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Collab is the high-level façade aggregating the coordinator's
// collaborators.
type Collab struct {
	cfg       config.Config
	runtime   core.AgentRuntime
	local     *runtime.Local
	transport core.Transport
	mailbox   core.MailboxStore
	memory    core.MemoryStore
	contexts  *sharedctx.Manager
	logger    logging.Logger
}

// New creates a Collab instance with optional overrides. Any unset
// collaborator is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) (*Collab, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewInMemory()
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewInMemoryStore()
	}
	if opts.ContextBackend == nil {
		opts.ContextBackend = sharedctx.NewInMemoryBackend()
	}
	if opts.Mailbox == nil {
		if path := opts.Config.Messenger.MailboxPath; path != "" {
			box, err := mailbox.NewSQLite(path)
			if err != nil {
				return nil, fmt.Errorf("opening mailbox at %s: %w", path, err)
			}
			opts.Mailbox = box
		} else {
			opts.Mailbox = mailbox.NewInMemory()
		}
	}

	c := &Collab{
		cfg:       opts.Config,
		runtime:   opts.Runtime,
		transport: opts.Transport,
		mailbox:   opts.Mailbox,
		memory:    opts.Memory,
		logger:    opts.Logger,
		contexts: sharedctx.NewManager(func(o *sharedctx.ManagerOptions) {
			o.Backend = opts.ContextBackend
			o.Memory = opts.Memory
			o.Logger = opts.Logger
		}),
	}
	if c.runtime == nil {
		rt, err := c.buildRuntime()
		if err != nil {
			return nil, err
		}
		c.runtime = rt
	}
	if local, ok := c.runtime.(*runtime.Local); ok {
		c.local = local
	}
	return c, nil
}

func (c *Collab) buildRuntime() (core.AgentRuntime, error) {
	rc := c.cfg.Runtime
	switch rc.Provider {
	case "", "local":
		return runtime.NewLocal(func(o *runtime.LocalOptions) { o.Logger = c.logger }), nil
	case "anthropic":
		return anthropicruntime.NewRuntime(func(o *anthropicruntime.Options) {
			if rc.Model != "" {
				o.Model = anthropicruntime.ModelID(rc.Model)
			}
			if rc.MaxTokens > 0 {
				o.MaxTokens = rc.MaxTokens
			}
			o.Logger = c.logger
		}), nil
	case "openai":
		return openairuntime.NewRuntime(func(o *openairuntime.Options) {
			if rc.Model != "" {
				o.Model = rc.Model
			}
			if rc.MaxTokens > 0 {
				o.MaxCompletionTokens = rc.MaxTokens
			}
			o.Logger = c.logger
		}), nil
	default:
		return nil, fmt.Errorf("unknown runtime provider %q", rc.Provider)
	}
}

// Local returns the local runtime for handler registration, nil when a
// different runtime is configured.
func (c *Collab) Local() *runtime.Local { return c.local }

// Runtime returns the configured agent runtime.
func (c *Collab) Runtime() core.AgentRuntime { return c.runtime }

// Contexts returns the shared context manager.
func (c *Collab) Contexts() *sharedctx.Manager { return c.contexts }

// Memory returns the long-term memory store.
func (c *Collab) Memory() core.MemoryStore { return c.memory }

// NewCoordinator creates a coordinator for one workflow, wired to the
// façade's collaborators and tuned from its config.
func (c *Collab) NewCoordinator(optFns ...func(o *coordinator.Options)) *coordinator.Coordinator {
	cc := c.cfg.Coordinator
	return coordinator.New(c.runtime, c.contexts, func(o *coordinator.Options) {
		o.Logger = c.logger
		o.MaxConcurrentTasks = cc.MaxConcurrentTasks
		o.PollInterval = cc.PollInterval
		o.IdleDelay = cc.IdleDelay
		o.DefaultTimeout = cc.DefaultTimeout
		o.DefaultMaxRetries = cc.DefaultMaxRetries
		o.SnapshotTTL = cc.SnapshotTTL
		o.Memory = c.memory
		o.Transport = c.transport
		o.Mailbox = c.mailbox
		for _, fn := range optFns {
			fn(o)
		}
	})
}

// RunWorkflow initializes a coordinator for the workflow and runs it to a
// terminal status, returning the aggregated results. Blocks until the
// workflow finishes or ctx is cancelled.
func (c *Collab) RunWorkflow(ctx context.Context, workflow *core.Workflow) (coordinator.Results, error) {
	coord := c.NewCoordinator()
	if err := coord.Initialize(ctx, workflow); err != nil {
		return coordinator.Results{}, err
	}
	if err := coord.Start(ctx); err != nil {
		return coordinator.Results{}, err
	}
	return coord.Results(), nil
}

// Messenger creates a messenger endpoint for the given agent on the façade's
// transport and mailbox, tuned from its config.
func (c *Collab) Messenger(agent core.AgentRef) *messenger.Messenger {
	mc := c.cfg.Messenger
	return messenger.New(agent, c.transport, c.mailbox, func(o *messenger.Options) {
		o.Logger = c.logger
		o.RequestTimeout = mc.RequestTimeout
		o.HeartbeatTTL = mc.HeartbeatTTL
		o.MailboxTTL = mc.MailboxTTL
	})
}
