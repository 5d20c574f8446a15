package core

import "time"

// MessageType identifies the kind of inter-agent message.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageBroadcast    MessageType = "broadcast"
	MessageNotification MessageType = "notification"
	MessageHandoff      MessageType = "handoff"
	MessageStatusUpdate MessageType = "status_update"
	MessageError        MessageType = "error"
	MessageHeartbeat    MessageType = "heartbeat"
)

// MessagePriority orders message handling intent. It is advisory; the
// transport does not reorder deliveries.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// AgentRef identifies an agent by id and capability type.
type AgentRef struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// Payload is the typed body of a message. Action names the operation for
// request/response exchanges; Error carries a failure description on
// response and error messages.
type Payload struct {
	Action  string         `json:"action,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// MessageMetadata carries cross-cutting correlation identifiers.
type MessageMetadata struct {
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`
}

// Message is the unit of communication between agents.
//
// Targeting is mutually exclusive: ToAgentID addresses one agent's direct
// channel, ToAgentType addresses an agent-type channel, and neither set means
// the global broadcast channel. CorrelationID pairs a request with its
// eventual response.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	From          AgentRef        `json:"from"`
	ToAgentID     string          `json:"to_agent_id,omitempty"`
	ToAgentType   string          `json:"to_agent_type,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Priority      MessagePriority `json:"priority"`
	Payload       Payload         `json:"payload"`
	Metadata      MessageMetadata `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// NewMessage creates a message with a fresh id and normal priority.
func NewMessage(msgType MessageType, from AgentRef) Message {
	return Message{
		ID:        NewID(),
		Type:      msgType,
		From:      from,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

// Expired reports whether the message's TTL has lapsed at the given instant.
// Messages without an ExpiresAt never expire.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}
