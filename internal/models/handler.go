package models

import "time"

// Handler is a support agent who can be assigned conversations.
type Handler struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	Name       string    `gorm:"size:128;not null" json:"name"`
	Email      string    `gorm:"size:255" json:"email,omitempty"`
	Department string    `gorm:"size:64;index" json:"department,omitempty"`
	Active     bool      `gorm:"default:true" json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HandlerAssignment records that a conversation was assigned to a handler.
// Rows are only ever inserted, so a handler's assignment history survives
// reassignment and resolution.
type HandlerAssignment struct {
	HandlerID      string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"primaryKey;size:36;index"`
	CreatedAt      time.Time `gorm:"index"`
}
