package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rj8b0000/gsb-admin-backend/internal/metrics"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/rs/zerolog"
)

// Uploader stores attachment bytes and returns a URL for them.
type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType, folder, filename string) (string, error)
}

// CustomerMessage is an inbound message from the customer-facing app.
type CustomerMessage struct {
	CustomerName   string
	CustomerEmail  string
	Classification string
	Text           string
	Attachment     *Attachment
}

// AgentReply is an inbound message from a support agent.
type AgentReply struct {
	ConversationID string
	HandlerID      string
	Text           string
	Attachment     *Attachment
}

// Result is the outcome of an ingested message.
type Result struct {
	Conversation *models.Conversation
	Message      *models.Message
	Created      bool
}

// Service runs the ingestion pipeline (validate, upload, persist, publish)
// and the assignment lifecycle on top of a Store.
type Service struct {
	store          *Store
	uploader       Uploader
	publisher      Publisher
	maxUploadBytes int64
	log            zerolog.Logger
}

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	Store          *Store
	Uploader       Uploader  // required for messages with attachments
	Publisher      Publisher // optional
	MaxUploadBytes int64     // defaults to DefaultMaxUploadBytes
	Logger         zerolog.Logger
}

// NewService creates a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("chat: service: store is required")
	}
	max := opts.MaxUploadBytes
	if max <= 0 {
		max = DefaultMaxUploadBytes
	}
	return &Service{
		store:          opts.Store,
		uploader:       opts.Uploader,
		publisher:      opts.Publisher,
		maxUploadBytes: max,
		log:            opts.Logger.With().Str("component", "chat").Logger(),
	}, nil
}

// Store returns the underlying store for read paths.
func (s *Service) Store() *Store { return s.store }

// SendCustomerMessage appends to the customer's open conversation or opens
// a new one. A customer without an email always opens a new conversation.
func (s *Service) SendCustomerMessage(ctx context.Context, in CustomerMessage) (*Result, error) {
	if err := checkContent(in.Text, in.Attachment); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.CustomerName) == "" && openKey(in.CustomerEmail) == nil {
		return nil, validationf("customer name or email is required")
	}
	folder := "support/" + folderKey(in.CustomerEmail, "anonymous")
	media, err := s.upload(ctx, in.Attachment, folder)
	if err != nil {
		return nil, err
	}
	msg := NewMessage{Role: RoleCustomer, SenderID: strings.TrimSpace(in.CustomerEmail), Text: in.Text, Media: media, RequireOpen: true}

	res, err := s.findOrCreate(ctx, in, msg)
	if err != nil {
		return nil, err
	}
	s.publishMessage(ctx, res)
	return res, nil
}

// findOrCreate retries once when a concurrent request wins the create or
// resolves the conversation between lookup and append.
func (s *Service) findOrCreate(ctx context.Context, in CustomerMessage, msg NewMessage) (*Result, error) {
	nc := NewConversation{
		CustomerName:   in.CustomerName,
		CustomerEmail:  in.CustomerEmail,
		Classification: in.Classification,
	}
	if openKey(in.CustomerEmail) == nil {
		conv, err := s.store.CreateConversation(ctx, nc, msg)
		if err != nil {
			return nil, err
		}
		return &Result{Conversation: conv, Message: &conv.Messages[0], Created: true}, nil
	}

	const attempts = 2
	for i := 0; i < attempts; i++ {
		open, err := s.store.FindOpenConversationByCustomer(ctx, in.CustomerEmail)
		switch {
		case err == nil:
			conv, m, err := s.store.AppendMessage(ctx, open.ID, msg)
			if errors.Is(err, ErrConversationResolved) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return &Result{Conversation: conv, Message: m}, nil
		case errors.Is(err, ErrNotFound):
			conv, err := s.store.CreateConversation(ctx, nc, msg)
			if errors.Is(err, ErrOpenConversationExists) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return &Result{Conversation: conv, Message: &conv.Messages[0], Created: true}, nil
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("chat: customer %s: conversation changed concurrently, retry", strings.TrimSpace(in.CustomerEmail))
}

// SendCustomerMessageTo appends a customer message to a known conversation,
// as sent over the live channel. If that conversation has been resolved the
// message goes through find-or-create for the same customer instead.
func (s *Service) SendCustomerMessageTo(ctx context.Context, conversationID string, in CustomerMessage) (*Result, error) {
	if err := checkContent(in.Text, in.Attachment); err != nil {
		return nil, err
	}
	conv, err := s.store.Head(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	redirect := CustomerMessage{
		CustomerName:   conv.CustomerName,
		CustomerEmail:  conv.CustomerEmail,
		Classification: conv.Classification,
		Text:           in.Text,
		Attachment:     in.Attachment,
	}
	if conv.Status != StatusOpen {
		return s.SendCustomerMessage(ctx, redirect)
	}

	media, err := s.upload(ctx, in.Attachment, "support/"+conv.ID)
	if err != nil {
		return nil, err
	}
	updated, m, err := s.store.AppendMessage(ctx, conv.ID, NewMessage{
		Role:        RoleCustomer,
		SenderID:    conv.CustomerEmail,
		Text:        in.Text,
		Media:       media,
		RequireOpen: true,
	})
	if errors.Is(err, ErrConversationResolved) {
		// Resolved after the lookup. The upload is reused.
		redirect.Attachment = nil
		msg := NewMessage{Role: RoleCustomer, SenderID: conv.CustomerEmail, Text: in.Text, Media: media, RequireOpen: true}
		res, err := s.findOrCreate(ctx, redirect, msg)
		if err != nil {
			return nil, err
		}
		s.publishMessage(ctx, res)
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res := &Result{Conversation: updated, Message: m}
	s.publishMessage(ctx, res)
	return res, nil
}

// SendAgentReply appends an agent message to an open conversation. When the
// conversation is unassigned and a handler is given, the reply claims it
// for that handler.
func (s *Service) SendAgentReply(ctx context.Context, in AgentReply) (*Result, error) {
	id, err := ParseConversationID(in.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := checkContent(in.Text, in.Attachment); err != nil {
		return nil, err
	}
	handlerID := strings.TrimSpace(in.HandlerID)
	if handlerID != "" {
		if _, err := s.store.LookupHandler(ctx, handlerID); err != nil {
			return nil, err
		}
	}
	conv, err := s.store.Head(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status != StatusOpen {
		return nil, fmt.Errorf("chat: reply to %s: %w", id, ErrConversationResolved)
	}

	media, err := s.upload(ctx, in.Attachment, "support/"+id)
	if err != nil {
		return nil, err
	}
	updated, m, err := s.store.AppendMessage(ctx, id, NewMessage{
		Role:        RoleAgent,
		SenderID:    handlerID,
		Text:        in.Text,
		Media:       media,
		RequireOpen: true,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Conversation: updated, Message: m}
	s.publishMessage(ctx, res)

	if handlerID != "" && updated.AssignedTo == nil {
		claimed, changed, err := s.store.Claim(ctx, id, handlerID)
		if err != nil {
			// The reply is committed; the claim is a side effect.
			s.log.Warn().Err(err).Str("conversation_id", id).Str("handler_id", handlerID).Msg("implicit claim failed")
			return res, nil
		}
		if changed {
			metrics.Assignments.Inc()
			s.publish(ctx, Event{
				Type:           EventConversationAssigned,
				ConversationID: id,
				Revision:       claimed.Revision,
				OccurredAt:     claimed.UpdatedAt,
				Conversation:   snapshot(claimed),
				HandlerID:      handlerID,
			})
		}
		claimed.Messages = updated.Messages
		res.Conversation = claimed
	}
	return res, nil
}

// AssignConversation binds the conversation to a handler.
func (s *Service) AssignConversation(ctx context.Context, conversationID, handlerID string) (*models.Conversation, error) {
	before, err := s.store.Head(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv, changed, err := s.store.Assign(ctx, conversationID, handlerID)
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.Assignments.Inc()
		ev := Event{
			Type:           EventConversationAssigned,
			ConversationID: conv.ID,
			Revision:       conv.Revision,
			OccurredAt:     conv.UpdatedAt,
			Conversation:   snapshot(conv),
			HandlerID:      *conv.AssignedTo,
		}
		if before.AssignedTo != nil && *before.AssignedTo != *conv.AssignedTo {
			ev.PreviousHandlerID = *before.AssignedTo
		}
		s.publish(ctx, ev)
		s.log.Info().Str("conversation_id", conv.ID).Str("handler_id", *conv.AssignedTo).Msg("conversation assigned")
	}
	return conv, nil
}

// ResolveConversation closes the conversation. It is idempotent.
func (s *Service) ResolveConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, changed, err := s.store.Resolve(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.Resolutions.Inc()
		s.publish(ctx, Event{
			Type:           EventConversationResolved,
			ConversationID: conv.ID,
			Revision:       conv.Revision,
			OccurredAt:     conv.UpdatedAt,
			Conversation:   snapshot(conv),
		})
		s.log.Info().Str("conversation_id", conv.ID).Msg("conversation resolved")
	}
	return conv, nil
}

func checkContent(text string, a *Attachment) error {
	if strings.TrimSpace(text) == "" && a == nil {
		return validationf("message needs text or media")
	}
	return nil
}

// upload validates and stores an attachment. A nil attachment yields nil
// media.
func (s *Service) upload(ctx context.Context, a *Attachment, folder string) (*Media, error) {
	if a == nil {
		return nil, nil
	}
	kind, err := checkAttachment(a, s.maxUploadBytes)
	if err != nil {
		return nil, err
	}
	if s.uploader == nil {
		return nil, fmt.Errorf("chat: %w: no storage backend configured", ErrStorageUpload)
	}
	mimeType := NormalizeMimeType(a.MimeType)
	filename := SanitizeFilename(a.Filename)
	url, err := s.uploader.Upload(ctx, a.Data, mimeType, folder, filename)
	if err != nil {
		return nil, fmt.Errorf("chat: %w: %v", ErrStorageUpload, err)
	}
	return &Media{
		Kind:     kind,
		URL:      url,
		Filename: filename,
		MimeType: mimeType,
		Size:     int64(len(a.Data)),
	}, nil
}

func (s *Service) publishMessage(ctx context.Context, res *Result) {
	metrics.MessagesIngested.WithLabelValues(res.Message.SenderRole).Inc()
	if res.Created {
		metrics.ConversationsCreated.Inc()
	}
	s.publish(ctx, Event{
		Type:           EventMessageAppended,
		ConversationID: res.Conversation.ID,
		Revision:       res.Conversation.Revision,
		OccurredAt:     res.Message.CreatedAt,
		Created:        res.Created,
		Message:        res.Message,
		Conversation:   snapshot(res.Conversation),
		ActorRole:      Role(res.Message.SenderRole),
		ActorID:        res.Message.SenderID,
	})
}

// publish runs after commit. Delivery failures are logged only.
func (s *Service) publish(ctx context.Context, ev Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn().
			Err(fmt.Errorf("%w: %v", ErrBroadcast, err)).
			Str("event", string(ev.Type)).
			Str("conversation_id", ev.ConversationID).
			Msg("publish failed")
	}
}

// folderKey reduces an identity to a storage path segment.
func folderKey(key, fallback string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == '@':
			b.WriteString("_at_")
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}
