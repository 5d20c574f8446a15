// Package messenger implements inter-agent messaging over a channel-addressed
// pub/sub transport: fire-and-forget sends, broadcasts, correlated
// request/response exchanges and an offline mailbox for agents that are not
// currently live. Delivery is at-most-once; the only retry mechanism is the
// caller-level Request timeout.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/logging"
)

var (
	// ErrDisconnected is the rejection handed to pending requests when the
	// messenger disconnects before a response arrives.
	ErrDisconnected = errors.New("messenger disconnected")

	// ErrRequestTimeout is returned by Request when no correlated response
	// arrives within the timeout.
	ErrRequestTimeout = errors.New("request timed out")
)

const (
	// DefaultRequestTimeout bounds Request when no per-call timeout is given.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultHeartbeatTTL is the staleness bound on heartbeat messages.
	DefaultHeartbeatTTL = 10 * time.Second

	// DefaultMailboxTTL bounds how long an offline message is held.
	DefaultMailboxTTL = 24 * time.Hour
)

// DirectChannel returns the channel addressing a single agent.
func DirectChannel(agentID string) string { return "agent:" + agentID }

// TypeChannel returns the channel addressing every agent of one type.
func TypeChannel(agentType string) string { return "agent-type:" + agentType }

// BroadcastChannel is the global channel every connected agent subscribes to.
const BroadcastChannel = "broadcast"

// Handler processes one inbound message. For request messages a non-nil
// returned payload is sent back to the requester as a correlated response; a
// returned error becomes an error-carrying response so the requester is never
// left hanging. For other message types the return values are ignored.
type Handler func(ctx context.Context, msg core.Message) (*core.Payload, error)

// Observer receives lifecycle and message events: "connected",
// "disconnected", "error", plus "message" and "message:<type>" per inbound
// message. Observers run synchronously on the dispatch goroutine.
type Observer func(event string, msg core.Message)

// Options configures a Messenger.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger

	// RequestTimeout is the default Request timeout.
	RequestTimeout time.Duration

	// HeartbeatTTL is stamped on heartbeat messages.
	HeartbeatTTL time.Duration

	// MailboxTTL bounds offline mailbox entries without a message TTL.
	MailboxTTL time.Duration

	// Metadata is attached to every outgoing message.
	Metadata core.MessageMetadata
}

// SendOptions parameterizes Send and Broadcast.
type SendOptions struct {
	Priority      core.MessagePriority
	CorrelationID string
	TTL           time.Duration
}

// RequestOptions parameterizes Request.
type RequestOptions struct {
	Timeout time.Duration
	Context map[string]any
}

type pendingRequest struct {
	done chan requestOutcome
}

type requestOutcome struct {
	payload core.Payload
	err     error
}

type handlerEntry struct {
	id int
	fn Handler
}

// Messenger is one agent's endpoint on the messaging fabric. Connect before
// expecting inbound delivery; sends work regardless of connection state.
type Messenger struct {
	agent     core.AgentRef
	transport core.Transport
	mailbox   core.MailboxStore
	logger    logging.Logger

	requestTimeout time.Duration
	heartbeatTTL   time.Duration
	mailboxTTL     time.Duration
	metadata       core.MessageMetadata

	mu          sync.Mutex
	connected   bool
	unsubs      []func()
	handlers    map[core.MessageType][]handlerEntry
	nextHandler int
	pending     map[string]*pendingRequest
	observers   map[int]Observer
	nextObs     int
}

// New creates a Messenger for the given agent. The mailbox is optional; when
// nil, messages to offline agents are dropped.
func New(agent core.AgentRef, transport core.Transport, mailbox core.MailboxStore, optFns ...func(o *Options)) *Messenger {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		RequestTimeout: DefaultRequestTimeout,
		HeartbeatTTL:   DefaultHeartbeatTTL,
		MailboxTTL:     DefaultMailboxTTL,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Messenger{
		agent:          agent,
		transport:      transport,
		mailbox:        mailbox,
		logger:         opts.Logger,
		requestTimeout: opts.RequestTimeout,
		heartbeatTTL:   opts.HeartbeatTTL,
		mailboxTTL:     opts.MailboxTTL,
		metadata:       opts.Metadata,
		handlers:       make(map[core.MessageType][]handlerEntry),
		pending:        make(map[string]*pendingRequest),
		observers:      make(map[int]Observer),
	}
}

// Agent returns the owning agent reference.
func (m *Messenger) Agent() core.AgentRef { return m.agent }

// Connect subscribes to the agent's direct channel, its agent-type channel
// and the global broadcast channel, replays any offline mailbox backlog
// through the normal dispatch path, emits "connected" and sends an initial
// heartbeat. Idempotent.
func (m *Messenger) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = true
	m.mu.Unlock()

	channels := []string{DirectChannel(m.agent.ID)}
	if m.agent.Type != "" {
		channels = append(channels, TypeChannel(m.agent.Type))
	}
	channels = append(channels, BroadcastChannel)

	var unsubs []func()
	for _, ch := range channels {
		unsub, err := m.transport.Subscribe(ch, m.dispatch)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			m.mu.Lock()
			m.connected = false
			m.mu.Unlock()
			return fmt.Errorf("subscribing to %s: %w", ch, err)
		}
		unsubs = append(unsubs, unsub)
	}
	m.mu.Lock()
	m.unsubs = unsubs
	m.mu.Unlock()

	m.replayMailbox(ctx)

	m.emit("connected", core.Message{})
	if err := m.SendHeartbeat(ctx); err != nil {
		m.logger.Warn("initial heartbeat failed", "agent_id", m.agent.ID, "error", err)
	}
	m.logger.Info("messenger connected", "agent_id", m.agent.ID, "agent_type", m.agent.Type)
	return nil
}

// Disconnect rejects every pending request with ErrDisconnected, unsubscribes
// from all channels and emits "disconnected". Idempotent.
func (m *Messenger) Disconnect() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	unsubs := m.unsubs
	m.unsubs = nil
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()

	for _, p := range pending {
		p.done <- requestOutcome{err: ErrDisconnected}
	}
	for _, u := range unsubs {
		u()
	}
	m.emit("disconnected", core.Message{})
	m.logger.Info("messenger disconnected", "agent_id", m.agent.ID)
}

// Connected reports whether Connect has been called without a matching
// Disconnect.
func (m *Messenger) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Send publishes a message to one agent's direct channel, non-blocking. When
// the target has no live subscriber and a mailbox is configured, the message
// is queued for replay on the target's next Connect.
func (m *Messenger) Send(ctx context.Context, toAgentID string, msgType core.MessageType, payload core.Payload, optFns ...func(o *SendOptions)) error {
	msg := m.newMessage(msgType, payload, optFns...)
	msg.ToAgentID = toAgentID
	return m.publish(ctx, DirectChannel(toAgentID), msg, true)
}

// Broadcast publishes a message to an agent-type channel when toAgentType is
// non-empty, otherwise to the global broadcast channel. Broadcasts are never
// queued.
func (m *Messenger) Broadcast(ctx context.Context, toAgentType string, msgType core.MessageType, payload core.Payload, optFns ...func(o *SendOptions)) error {
	msg := m.newMessage(msgType, payload, optFns...)
	channel := BroadcastChannel
	if toAgentType != "" {
		msg.ToAgentType = toAgentType
		channel = TypeChannel(toAgentType)
	}
	return m.publish(ctx, channel, msg, false)
}

// Request sends a request message with a fresh correlation id and blocks
// until the matching response arrives, the timeout lapses or ctx is done.
// Exactly one resolution happens per correlation id; duplicate and late
// responses are ignored. A response whose payload carries an error string
// resolves into that error.
func (m *Messenger) Request(ctx context.Context, toAgentID, action string, data map[string]any, optFns ...func(o *RequestOptions)) (core.Payload, error) {
	opts := RequestOptions{Timeout: m.requestTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.requestTimeout
	}

	correlationID := core.NewID()
	p := &pendingRequest{done: make(chan requestOutcome, 1)}
	m.mu.Lock()
	m.pending[correlationID] = p
	m.mu.Unlock()

	payload := core.Payload{Action: action, Data: data, Context: opts.Context}
	err := m.Send(ctx, toAgentID, core.MessageRequest, payload, func(o *SendOptions) {
		o.CorrelationID = correlationID
		o.TTL = opts.Timeout
	})
	if err != nil {
		m.dropPending(correlationID)
		return core.Payload{}, fmt.Errorf("sending request to %s: %w", toAgentID, err)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case outcome := <-p.done:
		return outcome.payload, outcome.err
	case <-timer.C:
		m.dropPending(correlationID)
		return core.Payload{}, fmt.Errorf("request %q to %s after %s: %w", action, toAgentID, opts.Timeout, ErrRequestTimeout)
	case <-ctx.Done():
		m.dropPending(correlationID)
		return core.Payload{}, ctx.Err()
	}
}

// Respond sends a high-priority response carrying the given correlation id.
func (m *Messenger) Respond(ctx context.Context, toAgentID, correlationID string, payload core.Payload) error {
	return m.Send(ctx, toAgentID, core.MessageResponse, payload, func(o *SendOptions) {
		o.CorrelationID = correlationID
		o.Priority = core.PriorityHigh
	})
}

// Handoff transfers a task to another agent at high priority.
func (m *Messenger) Handoff(ctx context.Context, toAgentID, description string, data, contextData map[string]any) error {
	return m.Send(ctx, toAgentID, core.MessageHandoff, core.Payload{
		Action:  "handoff",
		Data:    withDescription(data, description),
		Context: contextData,
	}, func(o *SendOptions) { o.Priority = core.PriorityHigh })
}

// RequestAssistance broadcasts a high-priority help notification to every
// agent of the given type. It does not wait for a taker; interested agents
// follow up with Request/Send.
func (m *Messenger) RequestAssistance(ctx context.Context, agentType, description string, data map[string]any) error {
	return m.Broadcast(ctx, agentType, core.MessageNotification, core.Payload{
		Action: "assistance_request",
		Data:   withDescription(data, description),
	}, func(o *SendOptions) { o.Priority = core.PriorityHigh })
}

// SendStatusUpdate broadcasts the agent's current status at low priority.
func (m *Messenger) SendStatusUpdate(ctx context.Context, status string, detail map[string]any) error {
	data := map[string]any{"status": status}
	for k, v := range detail {
		data[k] = v
	}
	return m.Broadcast(ctx, "", core.MessageStatusUpdate, core.Payload{
		Action: "status_update",
		Data:   data,
	}, func(o *SendOptions) { o.Priority = core.PriorityLow })
}

// SendHeartbeat broadcasts a liveness beacon with a short TTL. Heartbeats are
// staleness protection, not a delivery guarantee: a receiver drops any
// heartbeat past its TTL before handlers run.
func (m *Messenger) SendHeartbeat(ctx context.Context) error {
	return m.Broadcast(ctx, "", core.MessageHeartbeat, core.Payload{
		Action: "heartbeat",
		Data:   map[string]any{"agentType": m.agent.Type},
	}, func(o *SendOptions) {
		o.Priority = core.PriorityLow
		o.TTL = m.heartbeatTTL
	})
}

// RegisterHandler appends an inbound handler for the message type, returning
// an id for RemoveHandler. Handlers for one type run in registration order.
func (m *Messenger) RegisterHandler(msgType core.MessageType, fn Handler) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[msgType] = append(m.handlers[msgType], handlerEntry{id: id, fn: fn})
	return id
}

// RemoveHandler drops a previously registered handler.
func (m *Messenger) RemoveHandler(msgType core.MessageType, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.handlers[msgType]
	for i, e := range entries {
		if e.id == id {
			m.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Observe registers a lifecycle/message observer, returning an unsubscribe
// function. Observer panics are caught and logged.
func (m *Messenger) Observe(fn Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Messenger) newMessage(msgType core.MessageType, payload core.Payload, optFns ...func(o *SendOptions)) core.Message {
	var opts SendOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	msg := core.NewMessage(msgType, m.agent)
	msg.Payload = payload
	msg.Metadata = m.metadata
	msg.CorrelationID = opts.CorrelationID
	if opts.Priority != "" {
		msg.Priority = opts.Priority
	}
	if opts.TTL > 0 {
		exp := msg.CreatedAt.Add(opts.TTL)
		msg.ExpiresAt = &exp
	}
	return msg
}

// publish marshals and publishes the message. Direct messages reaching zero
// live subscribers are queued in the mailbox when one is configured. Publish
// errors are emitted as "error" events in addition to being returned.
func (m *Messenger) publish(ctx context.Context, channel string, msg core.Message, queueable bool) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}

	n, err := m.transport.Publish(ctx, channel, data)
	if err != nil {
		m.logger.Error("publish failed", "channel", channel, "message_id", msg.ID, "error", err)
		m.emit("error", msg)
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	if n == 0 && queueable && m.mailbox != nil {
		ttl := m.mailboxTTL
		if msg.ExpiresAt != nil {
			ttl = time.Until(*msg.ExpiresAt)
		}
		if err := m.mailbox.Enqueue(ctx, msg.ToAgentID, data, ttl); err != nil {
			m.logger.Error("mailbox enqueue failed", "agent_id", msg.ToAgentID, "message_id", msg.ID, "error", err)
			m.emit("error", msg)
			return fmt.Errorf("queueing message for %s: %w", msg.ToAgentID, err)
		}
		m.logger.Debug("message queued for offline agent", "agent_id", msg.ToAgentID, "message_id", msg.ID)
	}
	return nil
}

// dispatch is the single inbound path for live deliveries and mailbox
// replays. Messaging errors are contained here: malformed payloads are
// logged and dropped, handler failures become error responses for requests.
func (m *Messenger) dispatch(data []byte) {
	var msg core.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("dropping malformed message", "agent_id", m.agent.ID, "error", err)
		return
	}
	if msg.From.ID == m.agent.ID {
		return
	}
	if msg.Expired(time.Now().UTC()) {
		m.logger.Debug("dropping expired message", "message_id", msg.ID, "type", string(msg.Type))
		return
	}

	m.emit("message", msg)
	m.emit("message:"+string(msg.Type), msg)

	if msg.Type == core.MessageResponse && msg.CorrelationID != "" {
		if m.resolve(msg) {
			return
		}
		// late or duplicate response, drop silently
		return
	}

	m.mu.Lock()
	entries := append([]handlerEntry(nil), m.handlers[msg.Type]...)
	m.mu.Unlock()

	ctx := context.Background()
	for _, e := range entries {
		reply, err := m.invoke(ctx, e.fn, msg)
		if msg.Type != core.MessageRequest {
			continue
		}
		if err != nil {
			errPayload := core.Payload{Action: msg.Payload.Action, Error: err.Error()}
			if rerr := m.Respond(ctx, msg.From.ID, msg.CorrelationID, errPayload); rerr != nil {
				m.logger.Error("failed to send error response", "message_id", msg.ID, "error", rerr)
			}
			continue
		}
		if reply != nil {
			if rerr := m.Respond(ctx, msg.From.ID, msg.CorrelationID, *reply); rerr != nil {
				m.logger.Error("failed to send response", "message_id", msg.ID, "error", rerr)
			}
		}
	}
}

// invoke runs one handler, converting panics into errors.
func (m *Messenger) invoke(ctx context.Context, fn Handler, msg core.Message) (reply *core.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message handler panicked", "message_id", msg.ID, "type", string(msg.Type), "panic", r)
			reply = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

// resolve completes the pending request matching the response's correlation
// id. Returns false when no request is pending, which covers both duplicate
// and late responses.
func (m *Messenger) resolve(msg core.Message) bool {
	m.mu.Lock()
	p, ok := m.pending[msg.CorrelationID]
	if ok {
		delete(m.pending, msg.CorrelationID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	outcome := requestOutcome{payload: msg.Payload}
	if msg.Payload.Error != "" {
		outcome.err = errors.New(msg.Payload.Error)
	}
	p.done <- outcome
	return true
}

func (m *Messenger) dropPending(correlationID string) {
	m.mu.Lock()
	delete(m.pending, correlationID)
	m.mu.Unlock()
}

// replayMailbox drains the offline backlog and pushes each entry through the
// normal dispatch path. Expired and corrupt entries are discarded silently
// by dispatch.
func (m *Messenger) replayMailbox(ctx context.Context) {
	if m.mailbox == nil {
		return
	}
	backlog, err := m.mailbox.Drain(ctx, m.agent.ID)
	if err != nil {
		m.logger.Warn("mailbox drain failed", "agent_id", m.agent.ID, "error", err)
		return
	}
	if len(backlog) > 0 {
		m.logger.Info("replaying offline messages", "agent_id", m.agent.ID, "count", len(backlog))
	}
	for _, data := range backlog {
		m.dispatch(data)
	}
}

func (m *Messenger) emit(event string, msg core.Message) {
	m.mu.Lock()
	observers := make([]Observer, 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("observer panicked", "event", event, "panic", r)
				}
			}()
			fn(event, msg)
		}()
	}
}

func withDescription(data map[string]any, description string) map[string]any {
	out := map[string]any{"description": description}
	for k, v := range data {
		out[k] = v
	}
	return out
}
