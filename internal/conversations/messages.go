package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var jsonNull = datatypes.JSON("null")

// MessageField is a single typed column assignment inside a MessagePatch.
type MessageField interface {
	column() string
	value() any
}

type contentField struct{ content string }

func (field contentField) column() string { return "content" }
func (field contentField) value() any     { return field.content }

type jsonField struct {
	name    string
	payload datatypes.JSON
}

func (field jsonField) column() string { return field.name }
func (field jsonField) value() any     { return field.payload }

type branchField struct{ ref BranchRef }

func (field branchField) column() string { return "branch_id" }
func (field branchField) value() any     { return field.ref }

// SetContent replaces the message text. Used for streaming completion of assistant replies.
func SetContent(content string) MessageField {
	return contentField{content: content}
}

// SetAttachments replaces the attachments payload. A nil payload stores an explicit JSON null.
func SetAttachments(payload datatypes.JSON) MessageField {
	return jsonField{name: "attachments", payload: explicitJSON(payload)}
}

// SetReferencedConversations replaces the referenced conversations payload.
func SetReferencedConversations(payload datatypes.JSON) MessageField {
	return jsonField{name: "referenced_conversations", payload: explicitJSON(payload)}
}

// SetReferencedFolders replaces the referenced folders payload.
func SetReferencedFolders(payload datatypes.JSON) MessageField {
	return jsonField{name: "referenced_folders", payload: explicitJSON(payload)}
}

// AssignBranch moves the message onto the referenced branch.
func AssignBranch(ref BranchRef) MessageField {
	return branchField{ref: ref}
}

func explicitJSON(payload datatypes.JSON) datatypes.JSON {
	if len(payload) == 0 {
		return jsonNull
	}
	return payload
}

// MessagePatch is an ordered set of typed field updates. Later fields win for the same column.
type MessagePatch struct {
	fields []MessageField
}

// NewMessagePatch builds a patch from the provided fields, skipping nil entries.
func NewMessagePatch(fields ...MessageField) MessagePatch {
	patch := MessagePatch{fields: make([]MessageField, 0, len(fields))}
	for _, field := range fields {
		if field != nil {
			patch.fields = append(patch.fields, field)
		}
	}
	return patch
}

// IsEmpty reports whether the patch carries no updates.
func (patch MessagePatch) IsEmpty() bool {
	return len(patch.fields) == 0
}

// ChangesContent reports whether the patch rewrites the message text.
func (patch MessagePatch) ChangesContent() bool {
	for _, field := range patch.fields {
		if _, ok := field.(contentField); ok {
			return true
		}
	}
	return false
}

func (patch MessagePatch) columns() map[string]any {
	if len(patch.fields) == 0 {
		return nil
	}
	columns := make(map[string]any, len(patch.fields))
	for _, field := range patch.fields {
		columns[field.column()] = field.value()
	}
	return columns
}

// MessageRepository performs CRUD over individual message rows.
type MessageRepository struct {
	store Store
	deps  dependencies
}

// NewMessageRepository constructs a MessageRepository over store.
func NewMessageRepository(store Store, clock func() time.Time, idProvider IDProvider, logger *zap.Logger) *MessageRepository {
	return &MessageRepository{store: store, deps: newDependencies(clock, idProvider, logger)}
}

func (repository *MessageRepository) withStore(store Store) *MessageRepository {
	return &MessageRepository{store: store, deps: repository.deps}
}

// Append inserts a new message at version 1 on the conversation's active branch. It does not
// touch the conversation path.
func (repository *MessageRepository) Append(ctx context.Context, conversation Conversation, draft MessageDraft) (Message, error) {
	fields := []zap.Field{zap.String(fieldConversationID, conversation.ID)}
	if _, err := NewRole(string(draft.Role)); err != nil {
		return Message{}, repository.deps.failure(opAppendMessage, reasonInvalidRole, err, fields...)
	}

	messageID := draft.ID
	if messageID != "" {
		if _, err := repository.store.GetMessage(ctx, messageID); err == nil {
			cause := fmt.Errorf("%w: message %s already exists", ErrInvalidState, messageID)
			return Message{}, repository.deps.failure(opAppendMessage, reasonDuplicateMessage, cause, fields...)
		} else if !errors.Is(err, ErrNotFound) {
			return Message{}, repository.deps.failure(opAppendMessage, reasonMessageLoadFailed, err, fields...)
		}
	} else {
		generated, err := repository.deps.ids.NewID()
		if err != nil {
			return Message{}, repository.deps.failure(opAppendMessage, reasonIDGenerationFailed, err, fields...)
		}
		messageID = generated
	}

	var parentMessageID *string
	if draft.ParentMessageID != "" {
		parent, err := repository.store.GetMessage(ctx, draft.ParentMessageID)
		switch {
		case errors.Is(err, ErrNotFound) || (err == nil && parent.ConversationID != conversation.ID):
			cause := fmt.Errorf("%w: parent message %s is not in conversation %s", ErrInvalidInput, draft.ParentMessageID, conversation.ID)
			return Message{}, repository.deps.failure(opAppendMessage, reasonInvalidParent, cause,
				append(fields, zap.String(fieldMessageID, draft.ParentMessageID))...)
		case err != nil:
			return Message{}, repository.deps.failure(opAppendMessage, reasonMessageLoadFailed, err, fields...)
		}
		parentMessageID = stringPointer(parent.ID)
	} else if len(conversation.Path) > 0 {
		parentMessageID = stringPointer(conversation.Path[len(conversation.Path)-1])
	}

	message := Message{
		ID:                      messageID,
		ConversationID:          conversation.ID,
		Role:                    draft.Role,
		Content:                 draft.Content,
		Attachments:             draft.SideData.Attachments,
		ReferencedConversations: draft.SideData.ReferencedConversations,
		ReferencedFolders:       draft.SideData.ReferencedFolders,
		CreatedAt:               repository.deps.now(),
		VersionNumber:           1,
		ParentMessageID:         parentMessageID,
		Branch:                  conversation.ActiveBranch,
	}
	if err := repository.insert(ctx, opAppendMessage, &message); err != nil {
		return Message{}, err
	}
	return message, nil
}

// Update applies patch to the message in place. An empty patch is a no-op.
func (repository *MessageRepository) Update(ctx context.Context, messageID string, patch MessagePatch) error {
	return repository.patch(ctx, opUpdateMessage, messageID, patch)
}

// Get loads a single message.
func (repository *MessageRepository) Get(ctx context.Context, messageID string) (Message, error) {
	return repository.load(ctx, opGetMessage, messageID)
}

// GetBatch loads the messages that still exist for messageIDs, in no particular order.
func (repository *MessageRepository) GetBatch(ctx context.Context, messageIDs []string) ([]Message, error) {
	return repository.loadBatch(ctx, opGetMessages, messageIDs)
}

func (repository *MessageRepository) load(ctx context.Context, operation, messageID string) (Message, error) {
	message, err := repository.store.GetMessage(ctx, messageID)
	if err != nil {
		reason := reasonMessageLoadFailed
		if errors.Is(err, ErrNotFound) {
			reason = reasonMessageNotFound
		}
		return Message{}, repository.deps.failure(operation, reason, err, zap.String(fieldMessageID, messageID))
	}
	return message, nil
}

func (repository *MessageRepository) loadBatch(ctx context.Context, operation string, messageIDs []string) ([]Message, error) {
	messages, err := repository.store.GetMessages(ctx, messageIDs)
	if err != nil {
		return nil, repository.deps.failure(operation, reasonQueryFailed, err, zap.Int("requested", len(messageIDs)))
	}
	return messages, nil
}

func (repository *MessageRepository) insert(ctx context.Context, operation string, message *Message) error {
	if err := repository.store.CreateMessage(ctx, message); err != nil {
		return repository.deps.failure(operation, reasonMessageInsertFailed, err,
			zap.String(fieldConversationID, message.ConversationID),
			zap.String(fieldMessageID, message.ID))
	}
	return nil
}

func (repository *MessageRepository) patch(ctx context.Context, operation, messageID string, patch MessagePatch) error {
	if patch.IsEmpty() {
		return nil
	}
	if err := repository.store.UpdateMessage(ctx, messageID, patch); err != nil {
		reason := reasonMessageUpdateFailed
		if errors.Is(err, ErrNotFound) {
			reason = reasonMessageNotFound
		}
		return repository.deps.failure(operation, reason, err, zap.String(fieldMessageID, messageID))
	}
	return nil
}
