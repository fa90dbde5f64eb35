package broker

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
)

// Routing keys on the support exchange. The key doubles as Meta.Type.
const (
	KeyConversationCreated  = "support.conversation.created.v1"
	KeyMessageAppended      = "support.conversation.message_appended.v1"
	KeyConversationAssigned = "support.conversation.assigned.v1"
	KeyConversationResolved = "support.conversation.resolved.v1"
)

// Envelope is the JSON body of every published message.
type Envelope struct {
	Meta Meta        `json:"meta"`
	Data interface{} `json:"data"`
}

// Meta identifies and correlates an event.
type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Event name and version, e.g. support.conversation.resolved.v1
	Type string `json:"type"`
	// Timestamp when the change was committed
	Time time.Time `json:"time"`
	// Emitting service
	Producer string `json:"producer,omitempty"`
	// Conversation the event belongs to
	CorrelationID string `json:"correlation_id,omitempty"`
}

// MessageV1 is the data of created and message_appended events.
type MessageV1 struct {
	ConversationID string      `json:"conversation_id"`
	Revision       uint64      `json:"revision"`
	MessageID      string      `json:"message_id"`
	Sequence       int         `json:"sequence"`
	SenderRole     string      `json:"sender_role"`
	SenderID       string      `json:"sender_id,omitempty"`
	Text           string      `json:"text,omitempty"`
	Media          *chat.Media `json:"media,omitempty"`
	CustomerName   string      `json:"customer_name,omitempty"`
	CustomerEmail  string      `json:"customer_email,omitempty"`
	Classification string      `json:"classification,omitempty"`
}

// AssignmentV1 is the data of assigned events.
type AssignmentV1 struct {
	ConversationID    string    `json:"conversation_id"`
	Revision          uint64    `json:"revision"`
	HandlerID         string    `json:"handler_id"`
	PreviousHandlerID string    `json:"previous_handler_id,omitempty"`
	AssignedAt        time.Time `json:"assigned_at"`
}

// ResolutionV1 is the data of resolved events.
type ResolutionV1 struct {
	ConversationID string    `json:"conversation_id"`
	Revision       uint64    `json:"revision"`
	AssignedTo     string    `json:"assigned_to,omitempty"`
	MessageCount   int       `json:"message_count"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// BuildEnvelope maps a chat event to its routing key and envelope. Typing
// events are not exported and return ok=false.
func BuildEnvelope(ev chat.Event, producer string) (key string, env Envelope, ok bool) {
	var data interface{}
	switch ev.Type {
	case chat.EventMessageAppended:
		if ev.Message == nil {
			return "", Envelope{}, false
		}
		key = KeyMessageAppended
		if ev.Created {
			key = KeyConversationCreated
		}
		m := MessageV1{
			ConversationID: ev.ConversationID,
			Revision:       ev.Revision,
			MessageID:      ev.Message.ID,
			Sequence:       ev.Message.Sequence,
			SenderRole:     ev.Message.SenderRole,
			SenderID:       ev.Message.SenderID,
			Text:           ev.Message.Text,
			Media:          chat.MediaOf(*ev.Message),
		}
		if c := ev.Conversation; c != nil {
			m.CustomerName = c.CustomerName
			m.CustomerEmail = c.CustomerEmail
			m.Classification = c.Classification
		}
		data = m
	case chat.EventConversationAssigned:
		key = KeyConversationAssigned
		data = AssignmentV1{
			ConversationID:    ev.ConversationID,
			Revision:          ev.Revision,
			HandlerID:         ev.HandlerID,
			PreviousHandlerID: ev.PreviousHandlerID,
			AssignedAt:        ev.OccurredAt,
		}
	case chat.EventConversationResolved:
		key = KeyConversationResolved
		r := ResolutionV1{
			ConversationID: ev.ConversationID,
			Revision:       ev.Revision,
			ResolvedAt:     ev.OccurredAt,
		}
		if c := ev.Conversation; c != nil {
			r.MessageCount = c.MessageCount
			if c.AssignedTo != nil {
				r.AssignedTo = *c.AssignedTo
			}
		}
		data = r
	case chat.EventTypingStarted, chat.EventTypingStopped:
		return "", Envelope{}, false
	default:
		return "", Envelope{}, false
	}

	return key, Envelope{
		Meta: Meta{
			ID:            ulid.Make().String(),
			Type:          key,
			Time:          ev.OccurredAt,
			Producer:      producer,
			CorrelationID: ev.ConversationID,
		},
		Data: data,
	}, true
}
