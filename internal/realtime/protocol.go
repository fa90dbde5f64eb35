package realtime

import (
	"encoding/json"

	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
)

// Client frame types.
const (
	FrameJoin        = "join"
	FrameLeave       = "leave"
	FrameSendMessage = "sendMessage"
	FrameTyping      = "typing"
	FrameStopTyping  = "stopTyping"
)

// Server-only frame types. Event frames use the chat.EventType names.
const (
	FrameJoined = "joined"
	FrameError  = "error"
)

// ClientFrame is a frame received from a live connection.
type ClientFrame struct {
	Type           string       `json:"type"`
	RequestID      string       `json:"requestId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderRole     string       `json:"senderRole,omitempty"`
	SenderID       string       `json:"senderId,omitempty"`
	Text           string       `json:"text,omitempty"`
	Media          *MediaUpload `json:"media,omitempty"`
}

// MediaUpload is an attachment sent inline over the live channel. Data is
// base64 in JSON.
type MediaUpload struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
}

// ServerFrame is a frame sent to a live connection. Clients that fetch
// history after "joined" can ignore event frames whose revision is not
// greater than the joined revision.
type ServerFrame struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversationId,omitempty"`
	Revision       uint64               `json:"revision,omitempty"`
	Message        *models.Message      `json:"message,omitempty"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
	HandlerID      string               `json:"handlerId,omitempty"`
	ActorRole      string               `json:"actorRole,omitempty"`
	ActorID        string               `json:"actorId,omitempty"`
}

// ErrorFrame reports a failed client frame to the offending connection only.
type ErrorFrame struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

// frameFromEvent builds the wire frame for ev.
func frameFromEvent(ev chat.Event) ServerFrame {
	f := ServerFrame{
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		Revision:       ev.Revision,
	}
	switch ev.Type {
	case chat.EventMessageAppended:
		f.Message = ev.Message
	case chat.EventConversationAssigned:
		f.HandlerID = ev.HandlerID
	case chat.EventConversationResolved:
	case chat.EventTypingStarted, chat.EventTypingStopped:
		f.ActorRole = string(ev.ActorRole)
		f.ActorID = ev.ActorID
	}
	return f
}

func encodeEvent(ev chat.Event) ([]byte, error) {
	return json.Marshal(frameFromEvent(ev))
}

func encodeError(requestID, conversationID, msg string) []byte {
	b, _ := json.Marshal(ErrorFrame{
		Type:           FrameError,
		RequestID:      requestID,
		ConversationID: conversationID,
		Message:        msg,
	})
	return b
}

func encodeJoined(conv *models.Conversation) []byte {
	b, _ := json.Marshal(ServerFrame{
		Type:           FrameJoined,
		ConversationID: conv.ID,
		Revision:       conv.Revision,
		Conversation:   conv,
	})
	return b
}
