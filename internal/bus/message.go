package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/internal/workflow"
)

// MessageType classifies inter-agent messages.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
	MessageCoordination MessageType = "coordination"
)

// Priority orders delivery within a recipient queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// DerivePriority maps a message type to its default priority class.
func DerivePriority(t MessageType) Priority {
	switch t {
	case MessageCoordination:
		return PriorityHigh
	case MessageRequest, MessageResponse:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Message is the unit routed between agents.
type Message struct {
	ID        string         `json:"id"`
	FromAgent string         `json:"fromAgentId"`
	ToAgent   string         `json:"toAgentId"`
	Type      MessageType    `json:"messageType"`
	Priority  Priority       `json:"priority"`
	Content   map[string]any `json:"content,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage builds a message with a fresh id and the priority derived from
// its type.
func NewMessage(from, to string, t MessageType, content map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		FromAgent: from,
		ToAgent:   to,
		Type:      t,
		Priority:  DerivePriority(t),
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func validate(msg Message) error {
	if msg.FromAgent == "" || msg.ToAgent == "" {
		return &workflow.Error{
			Code:    workflow.CodeInvalidMessage,
			Type:    workflow.TypeValidationError,
			Message: "message requires fromAgentId and toAgentId",
		}
	}
	switch msg.Type {
	case MessageRequest, MessageResponse, MessageNotification, MessageCoordination:
		return nil
	default:
		return &workflow.Error{
			Code:    workflow.CodeInvalidMessage,
			Type:    workflow.TypeValidationError,
			Message: "unknown message type",
			Ref:     string(msg.Type),
		}
	}
}
