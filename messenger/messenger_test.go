package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/mailbox"
	"github.com/opensentinel/collab/transport"
)

func newPair(t *testing.T) (*Messenger, *Messenger, *transport.InMemory) {
	t.Helper()
	bus := transport.NewInMemory()
	box := mailbox.NewInMemory()
	a := New(core.AgentRef{ID: "agent-a", Type: "research"}, bus, box)
	b := New(core.AgentRef{ID: "agent-b", Type: "coding"}, bus, box)
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(a.Disconnect)
	t.Cleanup(b.Disconnect)
	return a, b, bus
}

func TestMessenger_SendAndHandle(t *testing.T) {
	a, b, _ := newPair(t)

	received := make(chan core.Message, 1)
	b.RegisterHandler(core.MessageNotification, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		received <- msg
		return nil, nil
	})

	err := a.Send(context.Background(), "agent-b", core.MessageNotification, core.Payload{
		Action: "ping",
		Data:   map[string]any{"n": 1},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "ping", msg.Payload.Action)
		assert.Equal(t, "agent-a", msg.From.ID)
		assert.Equal(t, "agent-b", msg.ToAgentID)
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestMessenger_RequestResponse(t *testing.T) {
	a, b, _ := newPair(t)

	b.RegisterHandler(core.MessageRequest, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		return &core.Payload{
			Action: msg.Payload.Action,
			Data:   map[string]any{"answer": "42"},
		}, nil
	})

	payload, err := a.Request(context.Background(), "agent-b", "compute", map[string]any{"q": "meaning"})
	require.NoError(t, err)
	assert.Equal(t, "compute", payload.Action)
	assert.Equal(t, "42", payload.Data["answer"])
}

func TestMessenger_RequestHandlerError(t *testing.T) {
	a, b, _ := newPair(t)

	b.RegisterHandler(core.MessageRequest, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		return nil, errors.New("cannot comply")
	})

	_, err := a.Request(context.Background(), "agent-b", "compute", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot comply")
}

func TestMessenger_RequestHandlerPanic(t *testing.T) {
	a, b, _ := newPair(t)

	b.RegisterHandler(core.MessageRequest, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		panic("handler bug")
	})

	_, err := a.Request(context.Background(), "agent-b", "compute", nil)
	require.Error(t, err, "requester must not be left hanging on a handler panic")
	assert.Contains(t, err.Error(), "handler bug")
}

func TestMessenger_RequestTimeoutAndLateResponse(t *testing.T) {
	a, b, _ := newPair(t)

	var mu sync.Mutex
	var correlationID string
	b.RegisterHandler(core.MessageRequest, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		mu.Lock()
		correlationID = msg.CorrelationID
		mu.Unlock()
		return nil, nil // never answers
	})

	_, err := a.Request(context.Background(), "agent-b", "slow", nil, func(o *RequestOptions) {
		o.Timeout = 50 * time.Millisecond
	})
	require.ErrorIs(t, err, ErrRequestTimeout)

	// a late response neither resolves anything nor panics
	mu.Lock()
	cid := correlationID
	mu.Unlock()
	require.NotEmpty(t, cid)
	require.NoError(t, b.Respond(context.Background(), "agent-a", cid, core.Payload{Data: map[string]any{"late": true}}))
	time.Sleep(50 * time.Millisecond)
}

func TestMessenger_DuplicateResponseIgnored(t *testing.T) {
	a, b, _ := newPair(t)

	b.RegisterHandler(core.MessageRequest, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		// answer twice with the same correlation id
		first := core.Payload{Data: map[string]any{"n": "first"}}
		if err := b.Respond(ctx, msg.From.ID, msg.CorrelationID, first); err != nil {
			return nil, err
		}
		if err := b.Respond(ctx, msg.From.ID, msg.CorrelationID, core.Payload{Data: map[string]any{"n": "second"}}); err != nil {
			return nil, err
		}
		return nil, nil
	})

	payload, err := a.Request(context.Background(), "agent-b", "dup", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", payload.Data["n"])
}

func TestMessenger_DisconnectRejectsPending(t *testing.T) {
	bus := transport.NewInMemory()
	a := New(core.AgentRef{ID: "agent-a"}, bus, nil)
	b := New(core.AgentRef{ID: "agent-b"}, bus, nil)
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), "agent-b", "never", nil)
		errCh <- err
	}()

	// let the request register before disconnecting
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.pending) == 1
	}, time.Second, 5*time.Millisecond)

	a.Disconnect()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected on disconnect")
	}
}

func TestMessenger_BroadcastByType(t *testing.T) {
	bus := transport.NewInMemory()
	a := New(core.AgentRef{ID: "agent-a", Type: "research"}, bus, nil)
	coder := New(core.AgentRef{ID: "agent-c", Type: "coding"}, bus, nil)
	writer := New(core.AgentRef{ID: "agent-w", Type: "writing"}, bus, nil)
	for _, m := range []*Messenger{a, coder, writer} {
		require.NoError(t, m.Connect(context.Background()))
		defer m.Disconnect()
	}

	got := make(chan string, 2)
	handler := func(self string) Handler {
		return func(ctx context.Context, msg core.Message) (*core.Payload, error) {
			got <- self
			return nil, nil
		}
	}
	coder.RegisterHandler(core.MessageNotification, handler("coder"))
	writer.RegisterHandler(core.MessageNotification, handler("writer"))

	require.NoError(t, a.RequestAssistance(context.Background(), "coding", "need a parser", nil))

	select {
	case who := <-got:
		assert.Equal(t, "coder", who)
	case <-time.After(time.Second):
		t.Fatal("type broadcast never delivered")
	}
	select {
	case who := <-got:
		t.Fatalf("unexpected delivery to %s", who)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessenger_SelfOriginatedDropped(t *testing.T) {
	a, _, _ := newPair(t)

	got := make(chan struct{}, 1)
	a.RegisterHandler(core.MessageStatusUpdate, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		got <- struct{}{}
		return nil, nil
	})

	require.NoError(t, a.SendStatusUpdate(context.Background(), "working", nil))

	select {
	case <-got:
		t.Fatal("agent handled its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessenger_ExpiredMessageDropped(t *testing.T) {
	_, b, bus := newPair(t)

	got := make(chan struct{}, 1)
	b.RegisterHandler(core.MessageHeartbeat, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		got <- struct{}{}
		return nil, nil
	})

	// a heartbeat whose TTL lapsed in transit must be dropped before handlers
	stale := core.NewMessage(core.MessageHeartbeat, core.AgentRef{ID: "agent-x"})
	expired := time.Now().UTC().Add(-time.Second)
	stale.ExpiresAt = &expired
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), BroadcastChannel, data)
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("expired heartbeat reached a handler")
	case <-time.After(50 * time.Millisecond):
	}

	// a fresh one goes through
	fresh := core.NewMessage(core.MessageHeartbeat, core.AgentRef{ID: "agent-x"})
	data, err = json.Marshal(fresh)
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), BroadcastChannel, data)
	require.NoError(t, err)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("fresh heartbeat never delivered")
	}
}

func TestMessenger_OfflineMailboxReplay(t *testing.T) {
	bus := transport.NewInMemory()
	box := mailbox.NewInMemory()
	ctx := context.Background()

	a := New(core.AgentRef{ID: "agent-a"}, bus, box)
	require.NoError(t, a.Connect(ctx))
	defer a.Disconnect()

	// agent-b is offline: messages land in its mailbox
	for i := 0; i < 3; i++ {
		err := a.Send(ctx, "agent-b", core.MessageNotification, core.Payload{
			Action: "queued",
			Data:   map[string]any{"seq": fmt.Sprintf("%d", i)},
		})
		require.NoError(t, err)
	}
	n, err := box.Len(ctx, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// on connect the backlog replays through dispatch in FIFO order
	b := New(core.AgentRef{ID: "agent-b"}, bus, box)
	var mu sync.Mutex
	var order []string
	b.RegisterHandler(core.MessageNotification, func(ctx context.Context, msg core.Message) (*core.Payload, error) {
		mu.Lock()
		order = append(order, msg.Payload.Data["seq"].(string))
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect()

	mu.Lock()
	assert.Equal(t, []string{"0", "1", "2"}, order)
	mu.Unlock()

	n, err = box.Len(ctx, "agent-b")
	require.NoError(t, err)
	assert.Zero(t, n, "mailbox drained after replay")

	// live now: subsequent sends bypass the mailbox
	require.NoError(t, a.Send(ctx, "agent-b", core.MessageNotification, core.Payload{Action: "live", Data: map[string]any{"seq": "live"}}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4 && order[3] == "live"
	}, time.Second, 5*time.Millisecond)
}

func TestMessenger_ConnectIdempotent(t *testing.T) {
	bus := transport.NewInMemory()
	a := New(core.AgentRef{ID: "agent-a", Type: "research"}, bus, nil)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Connect(ctx))
	assert.Equal(t, 1, bus.Subscribers(DirectChannel("agent-a")), "double connect must not double subscribe")

	a.Disconnect()
	a.Disconnect()
	assert.Zero(t, bus.Subscribers(DirectChannel("agent-a")))
	assert.False(t, a.Connected())
}

func TestMessenger_ObserverEvents(t *testing.T) {
	bus := transport.NewInMemory()
	a := New(core.AgentRef{ID: "agent-a"}, bus, nil)
	b := New(core.AgentRef{ID: "agent-b"}, bus, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	unsub := b.Observe(func(event string, msg core.Message) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	require.NoError(t, b.Connect(ctx))
	require.NoError(t, a.Connect(ctx))
	defer a.Disconnect()

	require.NoError(t, a.Send(ctx, "agent-b", core.MessageNotification, core.Payload{Action: "x"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return contains(events, "message:notification")
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, events, "connected")
	assert.Contains(t, events, "message")
	mu.Unlock()

	unsub()
	b.Disconnect()
	mu.Lock()
	assert.NotContains(t, events, "disconnected", "unsubscribed observer must not fire")
	mu.Unlock()
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
