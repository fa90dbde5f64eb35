package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// maxPreview caps the message excerpt on new-conversation cards.
const maxPreview = 280

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

func newEvent(title, body, severity string, fields ...Field) FormattedEvent {
	return FormattedEvent{
		Title:    title,
		Body:     body,
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// FormatConversationCreated renders the first message of a new
// conversation.
func FormatConversationCreated(ev chat.Event) FormattedEvent {
	var fields []Field
	if c := ev.Conversation; c != nil {
		fields = append(fields,
			Field{Name: "Customer", Value: c.CustomerName, Short: true},
			Field{Name: "Classification", Value: c.Classification, Short: true},
		)
		if c.CustomerEmail != "" {
			fields = append(fields, Field{Name: "Email", Value: c.CustomerEmail, Short: true})
		}
	}
	fields = append(fields, Field{Name: "Conversation", Value: ev.ConversationID, Short: true})
	return newEvent("New support conversation", messagePreview(ev), "warning", fields...)
}

// FormatConversationAssigned renders an assignment. handlerName may be
// empty when the handler could not be resolved.
func FormatConversationAssigned(ev chat.Event, handlerName string) FormattedEvent {
	who := ev.HandlerID
	if handlerName != "" {
		who = fmt.Sprintf("%s (%s)", handlerName, ev.HandlerID)
	}
	body := "Assigned to " + who
	if ev.PreviousHandlerID != "" {
		body += ", previously " + ev.PreviousHandlerID
	}
	fields := []Field{{Name: "Conversation", Value: ev.ConversationID, Short: true}}
	if c := ev.Conversation; c != nil {
		fields = append(fields, Field{Name: "Customer", Value: c.CustomerName, Short: true})
	}
	return newEvent("Conversation assigned", body, "info", fields...)
}

// FormatConversationResolved renders a resolution.
func FormatConversationResolved(ev chat.Event) FormattedEvent {
	fields := []Field{{Name: "Conversation", Value: ev.ConversationID, Short: true}}
	body := "Conversation resolved"
	if c := ev.Conversation; c != nil {
		fields = append(fields, Field{Name: "Messages", Value: fmt.Sprintf("%d", c.MessageCount), Short: true})
		if c.AssignedTo != nil {
			fields = append(fields, Field{Name: "Handler", Value: *c.AssignedTo, Short: true})
		}
		body = fmt.Sprintf("Conversation with %s resolved", c.CustomerName)
	}
	return newEvent("Conversation resolved", body, "success", fields...)
}

// FormatDigest renders the open-queue digest.
func FormatDigest(r *DigestReport) FormattedEvent {
	severity := "success"
	if r.Stats.Unassigned > 0 {
		severity = "warning"
	}
	body := fmt.Sprintf("%d open, %d unassigned, %d resolved to date",
		r.Stats.Open, r.Stats.Unassigned, r.Stats.Resolved)

	var fields []Field
	classes := make([]string, 0, len(r.Stats.ByClassification))
	for c := range r.Stats.ByClassification {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		name := c
		if name != "" {
			name = strings.ToUpper(name[:1]) + name[1:]
		}
		fields = append(fields, Field{
			Name:  name,
			Value: fmt.Sprintf("%d total", r.Stats.ByClassification[c]),
			Short: true,
		})
	}

	if len(r.Workload) > 0 {
		var b strings.Builder
		for _, h := range r.Workload {
			fmt.Fprintf(&b, "%s: %d\n", h.Name, h.Open)
		}
		fields = append(fields, Field{Name: "Open per handler", Value: strings.TrimSuffix(b.String(), "\n")})
	}

	return newEvent("Support queue digest ("+r.GeneratedAt.Format("Mon 02 Jan")+")", body, severity, fields...)
}

func messagePreview(ev chat.Event) string {
	if ev.Message == nil {
		return ""
	}
	text := strings.TrimSpace(ev.Message.Text)
	if r := []rune(text); len(r) > maxPreview {
		text = string(r[:maxPreview]) + "…"
	}
	if m := chat.MediaOf(*ev.Message); m != nil {
		att := fmt.Sprintf("[%s attachment: %s]", m.Kind, m.Filename)
		if text == "" {
			return att
		}
		text += "\n" + att
	}
	return text
}
