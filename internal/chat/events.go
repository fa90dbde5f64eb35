package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rj8b0000/gsb-admin-backend/internal/metrics"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/rs/zerolog"
)

// EventType names a conversation-scoped event.
type EventType string

const (
	EventMessageAppended      EventType = "messageAppended"
	EventConversationAssigned EventType = "conversationAssigned"
	EventConversationResolved EventType = "conversationResolved"
	EventTypingStarted        EventType = "typingStarted"
	EventTypingStopped        EventType = "typingStopped"
)

// Versioned reports whether events of this type follow a committed store
// write and carry its revision.
func (t EventType) Versioned() bool {
	switch t {
	case EventMessageAppended, EventConversationAssigned, EventConversationResolved:
		return true
	case EventTypingStarted, EventTypingStopped:
		return false
	}
	return false
}

// Event is emitted after a committed change to one conversation, or for an
// ephemeral typing signal. Revision is the conversation revision the write
// produced; typing events carry zero.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	Revision       uint64    `json:"revision,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`

	// Created is set on the messageAppended event that opened the
	// conversation.
	Created bool `json:"created,omitempty"`

	Message      *models.Message      `json:"message,omitempty"`
	Conversation *models.Conversation `json:"conversation,omitempty"`

	HandlerID         string `json:"handlerId,omitempty"`
	PreviousHandlerID string `json:"previousHandlerId,omitempty"`

	ActorRole Role   `json:"actorRole,omitempty"`
	ActorID   string `json:"actorId,omitempty"`
}

// Publisher receives events after the store commits.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

type namedSink struct {
	name string
	pub  Publisher
}

// Fanout delivers every event to each sink in order. A failing sink is
// logged and does not stop delivery to the others.
type Fanout struct {
	sinks []namedSink
	log   zerolog.Logger
}

// NewFanout creates an empty Fanout.
func NewFanout(log zerolog.Logger) *Fanout {
	return &Fanout{log: log.With().Str("component", "fanout").Logger()}
}

// Add appends a sink. Nil publishers are ignored. Add is not safe to call
// concurrently with Publish.
func (f *Fanout) Add(name string, p Publisher) {
	if p != nil {
		f.sinks = append(f.sinks, namedSink{name: name, pub: p})
	}
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Publish never returns an error.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	for _, s := range f.sinks {
		if err := s.pub.Publish(ctx, ev); err != nil {
			metrics.SinkFailures.WithLabelValues(s.name).Inc()
			f.log.Warn().
				Err(fmt.Errorf("%w: %v", ErrBroadcast, err)).
				Str("sink", s.name).
				Str("event", string(ev.Type)).
				Str("conversation_id", ev.ConversationID).
				Msg("event sink failed")
		}
	}
	return nil
}

// snapshot copies a conversation without its message log for attaching to
// events.
func snapshot(c *models.Conversation) *models.Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = nil
	return &cp
}
