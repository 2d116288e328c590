package conversations

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ConversationForker copies a prefix of one conversation's active path into a new, independent
// conversation with fresh message identities.
type ConversationForker struct {
	store    Store
	messages *MessageRepository
	deps     dependencies
}

// NewConversationForker constructs a ConversationForker over store.
func NewConversationForker(store Store, messages *MessageRepository) *ConversationForker {
	return &ConversationForker{store: store, messages: messages, deps: messages.deps}
}

// Fork clones the source path up to and including branchFromMessageID. The clone starts an
// unbranched linear history; the source is never modified. Nothing is written when the branch
// point is not on the source path.
func (forker *ConversationForker) Fork(ctx context.Context, sourceConversationID, branchFromMessageID string) (Conversation, error) {
	var forked Conversation
	fields := []zap.Field{
		zap.String(fieldConversationID, sourceConversationID),
		zap.String(fieldMessageID, branchFromMessageID),
	}

	err := forker.store.Batch(ctx, func(tx Store) error {
		messages := forker.messages.withStore(tx)

		source, err := loadConversation(ctx, tx, forker.deps, opForkConversation, sourceConversationID)
		if err != nil {
			return err
		}
		index := source.PathIndex(branchFromMessageID)
		if index < 0 {
			cause := fmt.Errorf("%w: branch point %s is not on the path of %s", ErrNotFound, branchFromMessageID, sourceConversationID)
			return forker.deps.failure(opForkConversation, reasonBranchPointNotFound, cause, fields...)
		}
		prefix := cloneIDs(source.Path[:index+1])
		rows, err := messages.loadBatch(ctx, opForkConversation, prefix)
		if err != nil {
			return err
		}
		originals := orderByIDs(rows, prefix)

		conversationID, err := forker.deps.newID(opForkConversation, fields...)
		if err != nil {
			return err
		}
		now := forker.deps.now()
		candidate := Conversation{
			ID:           conversationID,
			UserID:       source.UserID,
			Title:        source.Title,
			ProjectID:    normalizeOptional(source.ProjectID),
			Path:         []string{},
			Branches:     []Branch{},
			ActiveBranch: Unbranched(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.CreateConversation(ctx, &candidate); err != nil {
			return forker.deps.failure(opForkConversation, reasonConversationInsert, err, fields...)
		}

		path := make([]string, 0, len(originals))
		var parentMessageID *string
		for _, original := range originals {
			cloneID, idErr := forker.deps.newID(opForkConversation, fields...)
			if idErr != nil {
				return idErr
			}
			clone := Message{
				ID:                      cloneID,
				ConversationID:          candidate.ID,
				Role:                    original.Role,
				Content:                 original.Content,
				Attachments:             copyJSON(original.Attachments),
				ReferencedConversations: copyJSON(original.ReferencedConversations),
				ReferencedFolders:       copyJSON(original.ReferencedFolders),
				CreatedAt:               now,
				VersionNumber:           1,
				ParentMessageID:         parentMessageID,
				Branch:                  Unbranched(),
			}
			if err := messages.insert(ctx, opForkConversation, &clone); err != nil {
				return err
			}
			path = append(path, cloneID)
			parentMessageID = stringPointer(cloneID)
		}

		candidate.Path = path
		candidate.UpdatedAt = now
		if err := saveConversation(ctx, tx, forker.deps, opForkConversation, &candidate); err != nil {
			return err
		}
		forked = candidate
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return forked, nil
}

func copyJSON(payload datatypes.JSON) datatypes.JSON {
	if payload == nil {
		return nil
	}
	return append(datatypes.JSON(nil), payload...)
}
