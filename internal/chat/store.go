package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Role identifies who sent a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Conversation statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// DefaultClassification is used when a conversation is opened without one.
const DefaultClassification = "general"

// Classifications is the fixed set of conversation categories.
var Classifications = []string{"support", "consultancy", "feedback", "general", "other"}

// List paging limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// NewConversation describes a conversation to open.
type NewConversation struct {
	CustomerName   string
	CustomerEmail  string
	Classification string
}

// NewMessage describes a message to append.
type NewMessage struct {
	Role     Role
	SenderID string
	Text     string
	Media    *Media

	// RequireOpen rejects the append with ErrConversationResolved when the
	// conversation has been resolved.
	RequireOpen bool
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Status         string
	Classification string
	AssignedTo     string
	Limit          int
	Offset         int
}

// Stats summarises the conversation table.
type Stats struct {
	Total            int64            `json:"total"`
	Open             int64            `json:"open"`
	Resolved         int64            `json:"resolved"`
	Unassigned       int64            `json:"unassigned"`
	ByClassification map[string]int64 `json:"byClassification"`
}

// Store is the persisted conversation log. Appends to one conversation are
// serialised by a row lock on the conversation inside the write
// transaction; writes to different conversations never contend.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB *gorm.DB
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("chat: store: db is required")
	}
	return &Store{
		db:  opts.DB,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// writeDB returns a session whose context is detached from cancellation so
// an abandoned request still commits.
func (s *Store) writeDB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(context.WithoutCancel(ctx))
}

// ParseConversationID validates the id format.
func ParseConversationID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("chat: %w: %q", ErrInvalidID, id)
	}
	return u.String(), nil
}

// ValidClassification reports whether c is a known classification.
func ValidClassification(c string) bool {
	for _, v := range Classifications {
		if v == c {
			return true
		}
	}
	return false
}

// openKey is the unique key held by a customer's open conversation.
func openKey(email string) *string {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" {
		return nil
	}
	return &key
}

func (s *Store) newMessageRow(conversationID string, seq int, m NewMessage, now time.Time) (models.Message, error) {
	if m.Role != RoleCustomer && m.Role != RoleAgent {
		return models.Message{}, validationf("sender role %q is invalid", m.Role)
	}
	if strings.TrimSpace(m.Text) == "" && m.Media == nil {
		return models.Message{}, validationf("message needs text or media")
	}
	if m.Media != nil && !m.Media.Kind.Valid() {
		return models.Message{}, validationf("media kind %q is invalid", m.Media.Kind)
	}
	msg := models.Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		Sequence:       seq,
		SenderRole:     string(m.Role),
		SenderID:       m.SenderID,
		Text:           m.Text,
		CreatedAt:      now,
	}
	applyMedia(&msg, m.Media)
	return msg, nil
}

// CreateConversation opens a conversation with first as its first message.
// It returns ErrOpenConversationExists if the customer email already holds
// an open conversation.
func (s *Store) CreateConversation(ctx context.Context, nc NewConversation, first NewMessage) (*models.Conversation, error) {
	name := strings.TrimSpace(nc.CustomerName)
	if name == "" {
		return nil, validationf("customer name is required")
	}
	class := strings.ToLower(strings.TrimSpace(nc.Classification))
	if class == "" {
		class = DefaultClassification
	}
	if !ValidClassification(class) {
		return nil, validationf("classification %q is not one of %s", class, strings.Join(Classifications, ", "))
	}

	now := s.now()
	conv := models.Conversation{
		ID:             uuid.NewString(),
		CustomerName:   name,
		CustomerEmail:  strings.TrimSpace(nc.CustomerEmail),
		Classification: class,
		Status:         StatusOpen,
		OpenKey:        openKey(nc.CustomerEmail),
		Revision:       1,
		MessageCount:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	msg, err := s.newMessageRow(conv.ID, 1, first, now)
	if err != nil {
		return nil, err
	}

	err = s.writeDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		return tx.Create(&msg).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && conv.OpenKey != nil {
			return nil, fmt.Errorf("chat: create conversation for %s: %w", *conv.OpenKey, ErrOpenConversationExists)
		}
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	conv.Messages = []models.Message{msg}
	return &conv, nil
}

// lockConversation loads a conversation row for update inside tx.
func lockConversation(tx *gorm.DB, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundf("conversation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load conversation %s: %w", id, err)
	}
	return &conv, nil
}

// AppendMessage appends m to the conversation's log and returns the
// updated conversation, with its full log, and the stored message.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, m NewMessage) (*models.Conversation, *models.Message, error) {
	id, err := ParseConversationID(conversationID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.newMessageRow(id, 0, m, time.Time{}); err != nil {
		return nil, nil, err
	}

	var (
		conv *models.Conversation
		msg  models.Message
	)
	err = s.writeDB(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockConversation(tx, id)
		if err != nil {
			return err
		}
		if m.RequireOpen && c.Status != StatusOpen {
			return fmt.Errorf("chat: append to %s: %w", id, ErrConversationResolved)
		}

		now := s.now()
		seq := c.MessageCount + 1
		msg, err = s.newMessageRow(id, seq, m, now)
		if err != nil {
			return err
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("chat: insert message %d into %s: %w", seq, id, err)
		}
		c.MessageCount = seq
		c.Revision++
		c.UpdatedAt = now
		if err := tx.Model(c).Updates(map[string]interface{}{
			"message_count": c.MessageCount,
			"revision":      c.Revision,
			"updated_at":    now,
		}).Error; err != nil {
			return fmt.Errorf("chat: bump conversation %s: %w", id, err)
		}
		if err := tx.Where("conversation_id = ?", id).Order("sequence").Find(&c.Messages).Error; err != nil {
			return fmt.Errorf("chat: load messages %s: %w", id, err)
		}
		conv = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return conv, &msg, nil
}

// FindOpenConversationByCustomer returns the customer's open conversation,
// without its messages, or ErrNotFound.
func (s *Store) FindOpenConversationByCustomer(ctx context.Context, email string) (*models.Conversation, error) {
	key := openKey(email)
	if key == nil {
		return nil, validationf("customer email is required")
	}
	var conv models.Conversation
	err := s.db.WithContext(ctx).Where("open_key = ?", *key).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundf("open conversation for %s", *key)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: find open conversation: %w", err)
	}
	return &conv, nil
}

// Assign sets the conversation's handler. It is idempotent for the current
// handler and overwrites any other (last writer wins). changed reports
// whether the assignment moved.
func (s *Store) Assign(ctx context.Context, conversationID, handlerID string) (conv *models.Conversation, changed bool, err error) {
	return s.assign(ctx, conversationID, handlerID, false)
}

// Claim assigns the conversation to handlerID only if it is unassigned.
func (s *Store) Claim(ctx context.Context, conversationID, handlerID string) (conv *models.Conversation, changed bool, err error) {
	return s.assign(ctx, conversationID, handlerID, true)
}

func (s *Store) assign(ctx context.Context, conversationID, handlerID string, onlyIfUnassigned bool) (*models.Conversation, bool, error) {
	id, err := ParseConversationID(conversationID)
	if err != nil {
		return nil, false, err
	}
	handlerID = strings.TrimSpace(handlerID)
	if handlerID == "" {
		return nil, false, validationf("handler id is required")
	}

	var (
		conv    *models.Conversation
		changed bool
	)
	err = s.writeDB(ctx).Transaction(func(tx *gorm.DB) error {
		var h models.Handler
		if err := tx.First(&h, "id = ?", handlerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundf("handler %s", handlerID)
			}
			return fmt.Errorf("chat: load handler %s: %w", handlerID, err)
		}
		c, err := lockConversation(tx, id)
		if err != nil {
			return err
		}
		conv = c
		if c.Status != StatusOpen {
			return fmt.Errorf("chat: assign %s: %w", id, ErrConversationResolved)
		}
		if c.AssignedTo != nil && (onlyIfUnassigned || *c.AssignedTo == handlerID) {
			return nil
		}

		// The conversation row is authoritative for who is assigned; the
		// history row follows in the same transaction.
		now := s.now()
		c.AssignedTo = &handlerID
		c.Revision++
		c.UpdatedAt = now
		if err := tx.Model(c).Updates(map[string]interface{}{
			"assigned_to": handlerID,
			"revision":    c.Revision,
			"updated_at":  now,
		}).Error; err != nil {
			return fmt.Errorf("chat: assign %s to %s: %w", id, handlerID, err)
		}
		ha := models.HandlerAssignment{HandlerID: handlerID, ConversationID: id, CreatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ha).Error; err != nil {
			return fmt.Errorf("chat: record assignment %s to %s: %w", id, handlerID, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, changed, nil
}

// Resolve marks the conversation resolved. Resolving an already resolved
// conversation is a no-op and returns changed=false.
func (s *Store) Resolve(ctx context.Context, conversationID string) (*models.Conversation, bool, error) {
	id, err := ParseConversationID(conversationID)
	if err != nil {
		return nil, false, err
	}

	var (
		conv    *models.Conversation
		changed bool
	)
	err = s.writeDB(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockConversation(tx, id)
		if err != nil {
			return err
		}
		conv = c
		if c.Status == StatusResolved {
			return nil
		}
		now := s.now()
		c.Status = StatusResolved
		c.OpenKey = nil
		c.ResolvedAt = &now
		c.Revision++
		c.UpdatedAt = now
		if err := tx.Model(c).Updates(map[string]interface{}{
			"status":      StatusResolved,
			"open_key":    nil,
			"resolved_at": now,
			"revision":    c.Revision,
			"updated_at":  now,
		}).Error; err != nil {
			return fmt.Errorf("chat: resolve %s: %w", id, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, changed, nil
}

// Head returns the conversation without its messages.
func (s *Store) Head(ctx context.Context, conversationID string) (*models.Conversation, error) {
	id, err := ParseConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	var conv models.Conversation
	err = s.db.WithContext(ctx).First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundf("conversation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// GetByID returns the conversation with its full message log.
func (s *Store) GetByID(ctx context.Context, conversationID string) (*models.Conversation, error) {
	id, err := ParseConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	var conv models.Conversation
	err = s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundf("conversation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// List returns conversations newest first, without messages.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.Conversation, error) {
	q := s.db.WithContext(ctx).Model(&models.Conversation{})
	if f.Status != "" {
		if f.Status != StatusOpen && f.Status != StatusResolved {
			return nil, validationf("status %q is invalid", f.Status)
		}
		q = q.Where("status = ?", f.Status)
	}
	if f.Classification != "" {
		if !ValidClassification(f.Classification) {
			return nil, validationf("classification %q is invalid", f.Classification)
		}
		q = q.Where("classification = ?", f.Classification)
	}
	if f.AssignedTo != "" {
		q = q.Where("assigned_to = ?", f.AssignedTo)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var convs []models.Conversation
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	return convs, nil
}

// LookupHandler returns a handler by id.
func (s *Store) LookupHandler(ctx context.Context, id string) (*models.Handler, error) {
	var h models.Handler
	err := s.db.WithContext(ctx).First(&h, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundf("handler %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get handler %s: %w", id, err)
	}
	return &h, nil
}

// ListHandlers returns all handlers ordered by id.
func (s *Store) ListHandlers(ctx context.Context) ([]models.Handler, error) {
	var hs []models.Handler
	if err := s.db.WithContext(ctx).Order("id").Find(&hs).Error; err != nil {
		return nil, fmt.Errorf("chat: list handlers: %w", err)
	}
	return hs, nil
}

// HandlerAssignments returns every conversation id ever assigned to the
// handler, oldest first. Entries survive reassignment and resolution.
func (s *Store) HandlerAssignments(ctx context.Context, handlerID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.HandlerAssignment{}).
		Where("handler_id = ?", handlerID).
		Order("created_at").Order("conversation_id").
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("chat: handler assignments %s: %w", handlerID, err)
	}
	return ids, nil
}

// OpenCountsByHandler returns the number of open conversations currently
// assigned to each handler.
func (s *Store) OpenCountsByHandler(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		AssignedTo string
		N          int64
	}
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Select("assigned_to, COUNT(*) AS n").
		Where("status = ? AND assigned_to IS NOT NULL", StatusOpen).
		Group("assigned_to").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("chat: open counts by handler: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.AssignedTo] = r.N
	}
	return out, nil
}

// Stats counts conversations by status, assignment and classification.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByClassification: make(map[string]int64)}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Conversation{}).Count(&st.Total).Error; err != nil {
		return nil, fmt.Errorf("chat: stats: %w", err)
	}
	if err := db.Model(&models.Conversation{}).Where("status = ?", StatusOpen).Count(&st.Open).Error; err != nil {
		return nil, fmt.Errorf("chat: stats: %w", err)
	}
	st.Resolved = st.Total - st.Open
	if err := db.Model(&models.Conversation{}).
		Where("status = ? AND assigned_to IS NULL", StatusOpen).
		Count(&st.Unassigned).Error; err != nil {
		return nil, fmt.Errorf("chat: stats: %w", err)
	}

	var rows []struct {
		Classification string
		N              int64
	}
	if err := db.Model(&models.Conversation{}).
		Select("classification, COUNT(*) AS n").
		Group("classification").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("chat: stats: %w", err)
	}
	for _, r := range rows {
		st.ByClassification[r.Classification] = r.N
	}
	return st, nil
}
