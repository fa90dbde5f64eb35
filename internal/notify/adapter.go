// Package notify posts support-queue activity to a team chat channel
// (Slack or Discord) and schedules the open-queue digest.
package notify

import "context"

// Adapter is a send-only chat platform connection.
type Adapter interface {
	// Connect authenticates with the platform.
	Connect(ctx context.Context) error
	// Send delivers a message to a channel.
	Send(ctx context.Context, msg OutboundMessage) error
	// Close releases the connection.
	Close() error
}

// OutboundMessage is a platform-agnostic message.
type OutboundMessage struct {
	ChannelID string
	Text      string           // plain-text fallback
	Events    []FormattedEvent // rendered as attachments or embeds
}

// FormattedEvent is a rich card rendered by each adapter in its native
// format.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // info, success, warning, error
	Color    string // hex, e.g. "#36a64f"
	Fields   []Field
}

// Field is a key/value pair on a FormattedEvent.
type Field struct {
	Name  string
	Value string
	Short bool
}
