package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/metrics"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/rs/zerolog"
)

// Defaults for ServerOpts.
const (
	DefaultSendBuffer      = 64
	DefaultMaxMessageBytes = 8 << 20
	handleTimeout          = 2 * time.Minute

	// frameOverhead covers the JSON around an inline attachment.
	frameOverhead = 1 << 20
)

// FrameLimit returns the read limit that lets a sendMessage frame carry a
// base64 attachment of maxUploadBytes, so oversize files reach ingestion
// and are rejected with an error frame instead of a dropped socket.
func FrameLimit(maxUploadBytes int64) int64 {
	return (maxUploadBytes+2)/3*4 + frameOverhead
}

// Ingestor persists messages sent over the live channel.
type Ingestor interface {
	SendCustomerMessageTo(ctx context.Context, conversationID string, in chat.CustomerMessage) (*chat.Result, error)
	SendAgentReply(ctx context.Context, in chat.AgentReply) (*chat.Result, error)
}

// ConversationLookup resolves a conversation for join.
type ConversationLookup interface {
	Head(ctx context.Context, conversationID string) (*models.Conversation, error)
}

// Server upgrades HTTP requests to live connections and handles their
// frames.
type Server struct {
	hub             *Hub
	broadcaster     chat.Publisher
	ingest          Ingestor
	lookup          ConversationLookup
	upgrader        websocket.Upgrader
	sendBuffer      int
	maxMessageBytes int64
	log             zerolog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// ServerOpts holds parameters for creating a Server.
type ServerOpts struct {
	Hub           *Hub
	Ingestor      Ingestor
	Conversations ConversationLookup

	// Broadcaster receives typing events. Defaults to Hub; set it to a
	// RedisRelay to reach subscribers on other instances.
	Broadcaster chat.Publisher

	SendBuffer int // defaults to DefaultSendBuffer

	// MaxMessageBytes caps one client frame. When unset it is derived from
	// MaxUploadBytes with FrameLimit, or DefaultMaxMessageBytes.
	MaxMessageBytes int64
	MaxUploadBytes  int64

	// CheckOrigin validates the Origin header. Nil allows all origins.
	CheckOrigin func(r *http.Request) bool

	Logger zerolog.Logger
}

// NewServer creates a Server.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Hub == nil {
		return nil, fmt.Errorf("realtime: hub is required")
	}
	if opts.Ingestor == nil {
		return nil, fmt.Errorf("realtime: ingestor is required")
	}
	if opts.Conversations == nil {
		return nil, fmt.Errorf("realtime: conversation lookup is required")
	}
	buf := opts.SendBuffer
	if buf <= 0 {
		buf = DefaultSendBuffer
	}
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 && opts.MaxUploadBytes > 0 {
		maxBytes = FrameLimit(opts.MaxUploadBytes)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = opts.Hub
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		hub:             opts.Hub,
		broadcaster:     broadcaster,
		ingest:          opts.Ingestor,
		lookup:          opts.Conversations,
		upgrader:        websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: checkOrigin},
		sendBuffer:      buf,
		maxMessageBytes: maxBytes,
		log:             opts.Logger.With().Str("component", "realtime").Logger(),
		conns:           make(map[*Conn]struct{}),
	}, nil
}

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	c := newConn(ulid.Make().String(), ws, s.sendBuffer, s.log)
	s.track(c)
	metrics.LiveConnections.Inc()
	c.log.Debug().Str("remote", r.RemoteAddr).Msg("connected")

	go c.writePump()
	c.readPump(s.maxMessageBytes, func(data []byte) { s.handleFrame(c, data) })

	c.Close()
	for _, id := range c.joinedIDs() {
		s.hub.Leave(c, id)
	}
	s.untrack(c)
	metrics.LiveConnections.Dec()
	c.log.Debug().Msg("disconnected")
}

// Close disconnects every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleFrame(c *Conn, data []byte) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.Enqueue(encodeError("", "", "malformed frame"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch f.Type {
	case FrameJoin:
		s.handleJoin(ctx, c, f)
	case FrameLeave:
		s.handleLeave(c, f)
	case FrameSendMessage:
		s.handleSend(ctx, c, f)
	case FrameTyping:
		s.handleTyping(ctx, c, f, chat.EventTypingStarted)
	case FrameStopTyping:
		s.handleTyping(ctx, c, f, chat.EventTypingStopped)
	default:
		c.Enqueue(encodeError(f.RequestID, f.ConversationID, fmt.Sprintf("unknown frame type %q", f.Type)))
	}
}

func (s *Server) handleJoin(ctx context.Context, c *Conn, f ClientFrame) {
	id, err := chat.ParseConversationID(f.ConversationID)
	if err != nil {
		c.Enqueue(encodeError(f.RequestID, f.ConversationID, clientMessage(err)))
		return
	}
	// Reserve before reading so events committed after the read are held
	// for this connection rather than lost.
	rejoin := c.isJoined(id)
	if !rejoin {
		s.hub.Reserve(c, id)
	}
	conv, err := s.lookup.Head(ctx, id)
	if err != nil {
		if !rejoin {
			s.hub.Leave(c, id)
		}
		c.Enqueue(encodeError(f.RequestID, f.ConversationID, clientMessage(err)))
		return
	}
	s.hub.Join(c, id, conv.Revision, encodeJoined(conv))
	c.markJoined(id)
}

func (s *Server) handleLeave(c *Conn, f ClientFrame) {
	id, err := chat.ParseConversationID(f.ConversationID)
	if err != nil {
		c.Enqueue(encodeError(f.RequestID, f.ConversationID, clientMessage(err)))
		return
	}
	s.hub.Leave(c, id)
	c.markLeft(id)
}

func (s *Server) handleSend(ctx context.Context, c *Conn, f ClientFrame) {
	var att *chat.Attachment
	if f.Media != nil {
		att = &chat.Attachment{Data: f.Media.Data, MimeType: f.Media.MimeType, Filename: f.Media.Filename}
	}

	var (
		res *chat.Result
		err error
	)
	switch chat.Role(f.SenderRole) {
	case chat.RoleCustomer:
		res, err = s.ingest.SendCustomerMessageTo(ctx, f.ConversationID, chat.CustomerMessage{Text: f.Text, Attachment: att})
	case chat.RoleAgent:
		res, err = s.ingest.SendAgentReply(ctx, chat.AgentReply{
			ConversationID: f.ConversationID,
			HandlerID:      f.SenderID,
			Text:           f.Text,
			Attachment:     att,
		})
	default:
		err = fmt.Errorf("%w: sender role %q is invalid", chat.ErrValidation, f.SenderRole)
	}
	if err != nil {
		c.Enqueue(encodeError(f.RequestID, f.ConversationID, clientMessage(err)))
		return
	}

	// A customer writing into a resolved conversation lands in a fresh one;
	// move the sender there with the full log as its snapshot.
	requested, _ := chat.ParseConversationID(f.ConversationID)
	if res.Conversation.ID != requested && c.isJoined(requested) {
		s.hub.Join(c, res.Conversation.ID, res.Conversation.Revision, encodeJoined(res.Conversation))
		c.markJoined(res.Conversation.ID)
	}
}

func (s *Server) handleTyping(ctx context.Context, c *Conn, f ClientFrame, typ chat.EventType) {
	id, err := chat.ParseConversationID(f.ConversationID)
	if err != nil {
		c.Enqueue(encodeError(f.RequestID, f.ConversationID, clientMessage(err)))
		return
	}
	if !c.isJoined(id) {
		c.Enqueue(encodeError(f.RequestID, id, "join the conversation before sending typing signals"))
		return
	}
	role := chat.Role(f.SenderRole)
	if role != chat.RoleCustomer && role != chat.RoleAgent {
		c.Enqueue(encodeError(f.RequestID, id, fmt.Sprintf("sender role %q is invalid", f.SenderRole)))
		return
	}
	ev := chat.Event{
		Type:           typ,
		ConversationID: id,
		OccurredAt:     time.Now().UTC(),
		ActorRole:      role,
		ActorID:        f.SenderID,
	}
	if err := s.broadcaster.Publish(ctx, ev); err != nil {
		c.log.Debug().Err(err).Str("conversation_id", id).Msg("typing signal dropped")
	}
}

// clientMessage turns an error into the text sent in an error frame.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidID):
		return "invalid conversation id"
	case errors.Is(err, chat.ErrNotFound),
		errors.Is(err, chat.ErrValidation),
		errors.Is(err, chat.ErrUnsupportedMedia):
		return err.Error()
	case errors.Is(err, chat.ErrStorageUpload):
		return "media upload failed"
	default:
		return "internal error"
	}
}
