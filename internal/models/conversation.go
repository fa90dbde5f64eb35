package models

import "time"

// Conversation is one customer support thread. Its message log is
// append-only and ordered by Sequence.
type Conversation struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	CustomerName   string     `gorm:"size:128;not null" json:"customerName"`
	CustomerEmail  string     `gorm:"size:255;index" json:"customerEmail,omitempty"`
	Classification string     `gorm:"size:16;default:general;index" json:"classification"`
	Status         string     `gorm:"size:16;default:open;index" json:"status"`
	AssignedTo     *string    `gorm:"size:64;index" json:"assignedTo,omitempty"`
	OpenKey        *string    `gorm:"size:255;uniqueIndex" json:"-"` // customer email while open, NULL otherwise
	Revision       uint64     `gorm:"not null;default:0" json:"revision"`
	MessageCount   int        `gorm:"not null;default:0" json:"messageCount"`
	CreatedAt      time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`

	Messages []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}

// Message is a single entry in a conversation log. Rows are never updated
// or deleted after insert.
type Message struct {
	ID             string    `gorm:"primaryKey;size:26" json:"id"`
	ConversationID string    `gorm:"size:36;not null;uniqueIndex:idx_conversation_sequence" json:"conversationId"`
	Sequence       int       `gorm:"not null;uniqueIndex:idx_conversation_sequence" json:"sequence"`
	SenderRole     string    `gorm:"size:16;not null" json:"senderRole"` // customer, agent
	SenderID       string    `gorm:"size:255" json:"senderId,omitempty"`
	Text           string    `gorm:"type:text" json:"text"`
	MediaKind      string    `gorm:"size:16" json:"mediaKind,omitempty"` // image, video, pdf, document
	MediaURL       string    `gorm:"size:1024" json:"mediaUrl,omitempty"`
	MediaFilename  string    `gorm:"size:255" json:"mediaFilename,omitempty"`
	MediaMimeType  string    `gorm:"size:128" json:"mediaMimeType,omitempty"`
	MediaSize      int64     `json:"mediaSize,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
