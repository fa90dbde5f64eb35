package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/metrics"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 30 * time.Second
)

// HandlerLookup resolves handler display names.
type HandlerLookup interface {
	LookupHandler(ctx context.Context, id string) (*models.Handler, error)
}

// Notifier is a chat.Publisher that posts new conversations, assignments
// and resolutions to a team channel. Publish only queues; Run delivers.
type Notifier struct {
	adapter  Adapter
	channel  string
	handlers HandlerLookup
	queue    chan OutboundMessage
	log      zerolog.Logger
}

// NotifierOpts holds parameters for creating a Notifier.
type NotifierOpts struct {
	Adapter   Adapter
	Channel   string
	Handlers  HandlerLookup // optional
	QueueSize int
	Logger    zerolog.Logger
}

// NewNotifier creates a Notifier. The adapter must already be connected.
func NewNotifier(opts NotifierOpts) (*Notifier, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("notify: adapter is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: channel is required")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Notifier{
		adapter:  opts.Adapter,
		channel:  opts.Channel,
		handlers: opts.Handlers,
		queue:    make(chan OutboundMessage, size),
		log:      opts.Logger.With().Str("component", "notify").Logger(),
	}, nil
}

// Publish formats ev and queues it for delivery. Typing signals and
// messages on existing conversations are ignored. A full queue drops the
// notification and returns an error.
func (n *Notifier) Publish(ctx context.Context, ev chat.Event) error {
	msg, ok := n.format(ctx, ev)
	if !ok {
		return nil
	}
	select {
	case n.queue <- msg:
		return nil
	default:
		return fmt.Errorf("notify: queue full, dropped %s for %s", ev.Type, ev.ConversationID)
	}
}

func (n *Notifier) format(ctx context.Context, ev chat.Event) (OutboundMessage, bool) {
	var fe FormattedEvent
	switch ev.Type {
	case chat.EventMessageAppended:
		if !ev.Created {
			return OutboundMessage{}, false
		}
		fe = FormatConversationCreated(ev)
	case chat.EventConversationAssigned:
		fe = FormatConversationAssigned(ev, n.handlerName(ctx, ev.HandlerID))
	case chat.EventConversationResolved:
		fe = FormatConversationResolved(ev)
	default:
		return OutboundMessage{}, false
	}
	return OutboundMessage{
		ChannelID: n.channel,
		Text:      fe.Title,
		Events:    []FormattedEvent{fe},
	}, true
}

func (n *Notifier) handlerName(ctx context.Context, id string) string {
	if n.handlers == nil || id == "" {
		return ""
	}
	h, err := n.handlers.LookupHandler(ctx, id)
	if err != nil {
		return ""
	}
	return h.Name
}

// Run delivers queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, msg OutboundMessage) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.adapter.Send(sendCtx, msg); err != nil {
		metrics.SinkFailures.WithLabelValues("notify").Inc()
		n.log.Warn().Err(err).Str("channel", msg.ChannelID).Str("title", msg.Text).Msg("notification failed")
	}
}
