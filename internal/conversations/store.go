package conversations

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

const (
	queryID                   = "id = ?"
	queryIDIn                 = "id IN ?"
	queryIDRevision           = "id = ? AND revision = ?"
	queryUserID               = "user_id = ?"
	queryConversationID       = "conversation_id = ?"
	queryVersionChain         = "id = ? OR version_of = ?"
	queryConversationChildren = "conversation_id = ? AND parent_message_id IN ?"
	orderUpdatedAtDesc        = "updated_at DESC"
	orderVersionNumberAsc     = "version_number ASC"
	orderCreatedAtAsc         = "created_at ASC, id ASC"
)

// Store is the persistence adapter consumed by the conversation store. Implementations must
// make every write issued inside Batch visible atomically.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	CreateConversation(ctx context.Context, conversation *Conversation) error
	// PutConversation persists conversation if its Revision still matches the stored row and
	// advances Revision on success.
	PutConversation(ctx context.Context, conversation *Conversation) error
	DeleteConversation(ctx context.Context, conversationID string) error

	GetMessage(ctx context.Context, messageID string) (Message, error)
	// GetMessages returns the rows that exist for messageIDs; unknown identifiers are omitted.
	GetMessages(ctx context.Context, messageIDs []string) ([]Message, error)
	CreateMessage(ctx context.Context, message *Message) error
	UpdateMessage(ctx context.Context, messageID string, patch MessagePatch) error
	DeleteMessages(ctx context.Context, messageIDs []string) error
	ListVersionChain(ctx context.Context, rootID string) ([]Message, error)
	ListChildren(ctx context.Context, conversationID string, parentIDs []string) ([]Message, error)

	Batch(ctx context.Context, fn func(Store) error) error
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by the provided gorm handle.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).Where(queryID, conversationID).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return Conversation{}, err
	}
	normalizeConversation(&conversation)
	return conversation, nil
}

func (s *gormStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var conversations []Conversation
	if err := s.db.WithContext(ctx).
		Where(queryUserID, userID).
		Order(orderUpdatedAtDesc).
		Find(&conversations).Error; err != nil {
		return nil, err
	}
	for index := range conversations {
		normalizeConversation(&conversations[index])
	}
	return conversations, nil
}

func (s *gormStore) CreateConversation(ctx context.Context, conversation *Conversation) error {
	normalizeConversation(conversation)
	if conversation.Revision <= 0 {
		conversation.Revision = 1
	}
	return s.db.WithContext(ctx).Create(conversation).Error
}

func (s *gormStore) PutConversation(ctx context.Context, conversation *Conversation) error {
	normalizeConversation(conversation)
	nextRevision := conversation.Revision + 1
	result := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where(queryIDRevision, conversation.ID, conversation.Revision).
		Updates(map[string]any{
			"title":            conversation.Title,
			"project_id":       conversation.ProjectID,
			"path":             conversation.Path,
			"branches":         conversation.Branches,
			"active_branch_id": conversation.ActiveBranch,
			"updated_at":       conversation.UpdatedAt,
			"revision":         nextRevision,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: conversation %s revision %d", ErrConcurrencyConflict, conversation.ID, conversation.Revision)
	}
	conversation.Revision = nextRevision
	return nil
}

func (s *gormStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.db.WithContext(ctx).Where(queryConversationID, conversationID).Delete(&Message{}).Error; err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where(queryID, conversationID).Delete(&Conversation{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return nil
}

func (s *gormStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Where(queryID, messageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *gormStore) GetMessages(ctx context.Context, messageIDs []string) ([]Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var messages []Message
	if err := s.db.WithContext(ctx).Where(queryIDIn, messageIDs).Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *gormStore) CreateMessage(ctx context.Context, message *Message) error {
	return s.db.WithContext(ctx).Create(message).Error
}

func (s *gormStore) UpdateMessage(ctx context.Context, messageID string, patch MessagePatch) error {
	columns := patch.columns()
	if len(columns) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&Message{}).Where(queryID, messageID).Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return nil
}

func (s *gormStore) DeleteMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where(queryIDIn, messageIDs).Delete(&Message{}).Error
}

func (s *gormStore) ListVersionChain(ctx context.Context, rootID string) ([]Message, error) {
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where(queryVersionChain, rootID, rootID).
		Order(orderVersionNumberAsc).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *gormStore) ListChildren(ctx context.Context, conversationID string, parentIDs []string) ([]Message, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where(queryConversationChildren, conversationID, parentIDs).
		Order(orderCreatedAtAsc).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *gormStore) Batch(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&gormStore{db: transaction})
	})
}

func normalizeConversation(conversation *Conversation) {
	if conversation.Path == nil {
		conversation.Path = []string{}
	}
	if conversation.Branches == nil {
		conversation.Branches = []Branch{}
	}
	for index := range conversation.Branches {
		if conversation.Branches[index].Path == nil {
			conversation.Branches[index].Path = []string{}
		}
	}
}
