package conversations

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// PathResolver pages through a conversation's active path from the most recent message backwards.
type PathResolver struct {
	messages        *MessageRepository
	deps            dependencies
	defaultPageSize int
	maxPageSize     int
}

// NewPathResolver constructs a PathResolver. Non-positive sizes fall back to package defaults.
func NewPathResolver(messages *MessageRepository, defaultSize, maxSize int) *PathResolver {
	if defaultSize <= 0 {
		defaultSize = defaultPageSize
	}
	if maxSize <= 0 {
		maxSize = maxPageSize
	}
	if defaultSize > maxSize {
		defaultSize = maxSize
	}
	return &PathResolver{
		messages:        messages,
		deps:            messages.deps,
		defaultPageSize: defaultSize,
		maxPageSize:     maxSize,
	}
}

// Resolve returns up to limit messages ending strictly before cursor (or at the end of the path
// when cursor is empty or no longer part of the path). NextCursor names the oldest slot of the
// page and is nil once the beginning of the path has been returned.
func (resolver *PathResolver) Resolve(ctx context.Context, conversation Conversation, limit int, cursor string) (PathPage, error) {
	if limit < 0 {
		cause := fmt.Errorf("%w: negative limit %d", ErrInvalidInput, limit)
		return PathPage{}, resolver.deps.failure(opResolvePath, reasonInvalidLimit, cause,
			zap.String(fieldConversationID, conversation.ID))
	}
	if limit == 0 {
		limit = resolver.defaultPageSize
	}
	if limit > resolver.maxPageSize {
		limit = resolver.maxPageSize
	}

	path := conversation.Path
	end := len(path)
	if cursor != "" {
		if position := conversation.PathIndex(cursor); position >= 0 {
			end = position
		} else {
			resolver.deps.logger.Debug("stale pagination cursor ignored",
				zap.String(fieldConversationID, conversation.ID),
				zap.String("cursor", cursor))
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	pageIDs := path[start:end]
	page := PathPage{Messages: []Message{}}
	if len(pageIDs) == 0 {
		return page, nil
	}

	rows, err := resolver.messages.GetBatch(ctx, pageIDs)
	if err != nil {
		return PathPage{}, err
	}
	page.Messages = orderByIDs(rows, pageIDs)
	if start > 0 {
		page.NextCursor = stringPointer(pageIDs[0])
	}
	return page, nil
}

// orderByIDs arranges rows in the order given by ids, omitting identifiers without a row.
func orderByIDs(rows []Message, ids []string) []Message {
	byID := make(map[string]Message, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	ordered := make([]Message, 0, len(ids))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			ordered = append(ordered, row)
		}
	}
	return ordered
}
