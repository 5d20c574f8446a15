package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensentinel/collab/config"
	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/internal/testutil"
	"github.com/opensentinel/collab/runtime"
)

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.Coordinator.PollInterval = 5 * time.Millisecond
	cfg.Coordinator.IdleDelay = 5 * time.Millisecond
	return cfg
}

func TestCollab_RunWorkflow(t *testing.T) {
	c, err := New(func(o *Options) { o.Config = fastConfig() })
	require.NoError(t, err)
	require.NotNil(t, c.Local(), "default runtime is local")

	c.Local().RegisterFallback(func(ctx context.Context, spec core.SpawnSpec) (*core.TaskResult, error) {
		return &core.TaskResult{Success: true, Output: spec.Name + " output"}, nil
	})

	gather := testutil.NewTaskBuilder("gather").Agent("research").Build()
	draft := testutil.NewTaskBuilder("draft").Agent("writing").DependsOn(gather).Build()
	review := testutil.NewTaskBuilder("review").Agent("analysis").DependsOn(gather).Priority(1).Build()
	wf := testutil.NewWorkflowBuilder("report").
		User("u1").
		Add(gather, draft, review).
		Build()

	res, err := c.RunWorkflow(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, core.WorkflowCompleted, res.Status)
	assert.Len(t, res.Completed, 3)
	assert.Empty(t, res.Failed)
	assert.Equal(t, "gather output", res.Outputs["gather"])
	assert.Equal(t, "draft output", res.Outputs["draft"])
	assert.Equal(t, "review output", res.Outputs["review"])

	// the workflow's context instance holds the persisted artifacts
	sc := c.Contexts().Context(wf.ID, "u1")
	out, err := sc.Get(context.Background(), "workflow:result")
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestCollab_CustomRuntime(t *testing.T) {
	rt := runtime.NewLocal()
	rt.Register("research", func(ctx context.Context, spec core.SpawnSpec) (*core.TaskResult, error) {
		return &core.TaskResult{Success: true, Output: "custom"}, nil
	})

	c, err := New(func(o *Options) {
		o.Config = fastConfig()
		o.Runtime = rt
	})
	require.NoError(t, err)
	assert.Same(t, rt, c.Runtime())

	wf := testutil.NewWorkflowBuilder("wf").
		Add(testutil.NewTaskBuilder("t").Agent("research").Build()).
		Build()
	res, err := c.RunWorkflow(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, "custom", res.Outputs["t"])
}

func TestCollab_UnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.Provider = "mainframe"
	_, err := New(func(o *Options) { o.Config = cfg })
	require.ErrorContains(t, err, "mainframe")
}

func TestCollab_MessengerWiring(t *testing.T) {
	c, err := New(func(o *Options) { o.Config = fastConfig() })
	require.NoError(t, err)

	ctx := context.Background()
	a := c.Messenger(core.AgentRef{ID: "agent-a", Type: "research"})
	b := c.Messenger(core.AgentRef{ID: "agent-b", Type: "coding"})
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	defer a.Disconnect()
	defer b.Disconnect()

	b.RegisterHandler(core.MessageRequest, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		return &core.Payload{Data: map[string]any{"pong": true}}, nil
	})

	payload, err := a.Request(ctx, "agent-b", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, true, payload.Data["pong"])
}
