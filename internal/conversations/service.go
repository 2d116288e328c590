package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew          = "conversations.service.new"
	opCreateConversation  = "conversations.create_conversation"
	opGetConversation     = "conversations.get_conversation"
	opListConversations   = "conversations.list_conversations"
	opRenameConversation  = "conversations.rename_conversation"
	opDeleteConversation  = "conversations.delete_conversation"
	opAppendMessage       = "conversations.append_message"
	opUpdateMessage       = "conversations.update_message"
	opGetMessage          = "conversations.get_message"
	opGetMessages         = "conversations.get_messages"
	opResolvePath         = "conversations.resolve_path"
	opVersionsOf          = "conversations.versions_of"
	opCreateVersion       = "conversations.create_version"
	opSwitchVersion       = "conversations.switch_version"
	opDeleteMessage       = "conversations.delete_message"
	opForkConversation    = "conversations.fork"
	fieldConversationID   = "conversation_id"
	fieldMessageID        = "message_id"
	fieldUserID           = "user_id"
	fieldBranchID         = "branch_id"
	reasonMissingDatabase = "missing_database"
	reasonMissingIDs      = "missing_id_provider"
)

const (
	reasonInvalidIdentifier      = "invalid_identifier"
	reasonInvalidRole            = "invalid_role"
	reasonInvalidLimit           = "invalid_limit"
	reasonDuplicateMessage       = "duplicate_message"
	reasonIDGenerationFailed     = "id_generation_failed"
	reasonQueryFailed            = "query_failed"
	reasonConversationNotFound   = "conversation_not_found"
	reasonConversationLoadFailed = "conversation_load_failed"
	reasonConversationInsert     = "conversation_insert_failed"
	reasonConversationSave       = "conversation_save_failed"
	reasonConversationDelete     = "conversation_delete_failed"
	reasonConcurrencyConflict    = "concurrency_conflict"
	reasonMessageNotFound        = "message_not_found"
	reasonMessageLoadFailed      = "message_load_failed"
	reasonMessageInsertFailed    = "message_insert_failed"
	reasonMessageUpdateFailed    = "message_update_failed"
	reasonMessageDeleteFailed    = "message_delete_failed"
	reasonMessageNotInPath       = "message_not_in_path"
	reasonVersionLookupFailed    = "version_lookup_failed"
	reasonDescendantsFailed      = "descendant_lookup_failed"
	reasonNoBranchForMessage     = "no_branch_for_message"
	reasonBranchPointNotFound    = "branch_point_not_found"
	reasonContentImmutable       = "content_immutable"
	reasonInvalidParent          = "invalid_parent"
)

// DefaultBranchCap bounds the number of branches retained per conversation.
const DefaultBranchCap = 20

var noOpLogger = zap.NewNop()

// dependencies bundles the collaborators shared by every component of the store.
type dependencies struct {
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

func newDependencies(clock func() time.Time, ids IDProvider, logger *zap.Logger) dependencies {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noOpLogger
	}
	return dependencies{clock: clock, ids: ids, logger: logger}
}

func (d dependencies) now() time.Time {
	return d.clock().UTC()
}

func (d dependencies) newID(operation string, fields ...zap.Field) (string, error) {
	if d.ids == nil {
		return "", d.failure(operation, reasonMissingIDs, errMissingIDProvider, fields...)
	}
	id, err := d.ids.NewID()
	if err != nil {
		return "", d.failure(operation, reasonIDGenerationFailed, err, fields...)
	}
	return id, nil
}

// failure logs cause once and wraps it into a ServiceError. Errors that already carry a code
// pass through untouched so the innermost failure site owns the code.
func (d dependencies) failure(operation, reason string, cause error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(cause, &serviceErr) {
		return cause
	}
	attrs := make([]zap.Field, 0, len(fields)+3)
	attrs = append(attrs, zap.String("operation", operation), zap.String("reason", reason))
	if cause != nil {
		attrs = append(attrs, zap.Error(cause))
	}
	attrs = append(attrs, fields...)
	if ErrorKind(cause) == KindInternal {
		d.logger.Error("conversation store error", attrs...)
	} else {
		d.logger.Warn("conversation store error", attrs...)
	}
	return newServiceError(operation, reason, cause)
}

// OperationObserver receives timing and outcome of every Service operation.
type OperationObserver interface {
	ObserveOperation(operation string, elapsed time.Duration, errorKind string)
	ObserveBranchEviction(count int)
}

type noopObserver struct{}

func (noopObserver) ObserveOperation(string, time.Duration, string) {}
func (noopObserver) ObserveBranchEviction(int)                      {}

// ServiceConfig wires the Service. Either Database or Store must be provided.
type ServiceConfig struct {
	Database        *gorm.DB
	Store           Store
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	Metrics         OperationObserver
	BranchCap       int
	DefaultPageSize int
	MaxPageSize     int
}

// Service exposes the branching conversation store to the API layer.
type Service struct {
	store    Store
	deps     dependencies
	observer OperationObserver
	messages *MessageRepository
	paths    *PathResolver
	versions *VersionResolver
	branches *BranchManager
	forker   *ConversationForker
}

func NewService(cfg ServiceConfig) (*Service, error) {
	store := cfg.Store
	if store == nil {
		if cfg.Database == nil {
			return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
		}
		store = NewGormStore(cfg.Database)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDs, errMissingIDProvider)
	}

	observer := cfg.Metrics
	if observer == nil {
		observer = noopObserver{}
	}
	branchCap := cfg.BranchCap
	if branchCap <= 0 {
		branchCap = DefaultBranchCap
	}

	messages := NewMessageRepository(store, cfg.Clock, cfg.IDProvider, cfg.Logger)
	versions := NewVersionResolver(store, messages)
	return &Service{
		store:    store,
		deps:     messages.deps,
		observer: observer,
		messages: messages,
		paths:    NewPathResolver(messages, cfg.DefaultPageSize, cfg.MaxPageSize),
		versions: versions,
		branches: NewBranchManager(store, messages, versions, branchCap, observer),
		forker:   NewConversationForker(store, messages),
	}, nil
}

func (s *Service) track(operation string, started time.Time, errPtr *error) {
	var err error
	if errPtr != nil {
		err = *errPtr
	}
	s.observer.ObserveOperation(operation, time.Since(started), ErrorKind(err))
}

// CreateConversation inserts an empty, unbranched conversation owned by userID.
func (s *Service) CreateConversation(ctx context.Context, userID UserID, title string, projectID *string) (conversation Conversation, err error) {
	defer s.track(opCreateConversation, time.Now(), &err)

	conversationID, err := s.deps.newID(opCreateConversation, zap.String(fieldUserID, userID.String()))
	if err != nil {
		return Conversation{}, err
	}
	now := s.deps.now()
	conversation = Conversation{
		ID:           conversationID,
		UserID:       userID.String(),
		Title:        strings.TrimSpace(title),
		ProjectID:    normalizeOptional(projectID),
		Path:         []string{},
		Branches:     []Branch{},
		ActiveBranch: Unbranched(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err = s.store.CreateConversation(ctx, &conversation); err != nil {
		return Conversation{}, s.deps.failure(opCreateConversation, reasonConversationInsert, err,
			zap.String(fieldUserID, userID.String()))
	}
	return conversation, nil
}

// GetConversation loads a conversation with its path and branches.
func (s *Service) GetConversation(ctx context.Context, conversationID ConversationID) (conversation Conversation, err error) {
	defer s.track(opGetConversation, time.Now(), &err)
	return loadConversation(ctx, s.store, s.deps, opGetConversation, conversationID.String())
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *Service) ListConversations(ctx context.Context, userID UserID) (conversations []Conversation, err error) {
	defer s.track(opListConversations, time.Now(), &err)

	conversations, err = s.store.ListConversations(ctx, userID.String())
	if err != nil {
		return nil, s.deps.failure(opListConversations, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
	}
	if conversations == nil {
		conversations = []Conversation{}
	}
	return conversations, nil
}

// RenameConversation replaces the title and bumps updatedAt.
func (s *Service) RenameConversation(ctx context.Context, conversationID ConversationID, title string) (conversation Conversation, err error) {
	defer s.track(opRenameConversation, time.Now(), &err)

	err = s.store.Batch(ctx, func(tx Store) error {
		loaded, loadErr := loadConversation(ctx, tx, s.deps, opRenameConversation, conversationID.String())
		if loadErr != nil {
			return loadErr
		}
		loaded.Title = strings.TrimSpace(title)
		loaded.UpdatedAt = s.deps.now()
		if saveErr := saveConversation(ctx, tx, s.deps, opRenameConversation, &loaded); saveErr != nil {
			return saveErr
		}
		conversation = loaded
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}

// DeleteConversation removes the conversation and every message it owns.
func (s *Service) DeleteConversation(ctx context.Context, conversationID ConversationID) (err error) {
	defer s.track(opDeleteConversation, time.Now(), &err)

	err = s.store.Batch(ctx, func(tx Store) error {
		if deleteErr := tx.DeleteConversation(ctx, conversationID.String()); deleteErr != nil {
			reason := reasonConversationDelete
			if errors.Is(deleteErr, ErrNotFound) {
				reason = reasonConversationNotFound
			}
			return s.deps.failure(opDeleteConversation, reason, deleteErr,
				zap.String(fieldConversationID, conversationID.String()))
		}
		return nil
	})
	return err
}

// AppendMessage stores a new message at the end of the active path. It never creates a branch;
// when the conversation is branched the active branch's recorded path grows with it.
func (s *Service) AppendMessage(ctx context.Context, conversationID ConversationID, draft MessageDraft) (message Message, err error) {
	defer s.track(opAppendMessage, time.Now(), &err)

	if draft.ID != "" {
		trimmed, idErr := NewMessageID(draft.ID)
		if idErr != nil {
			return Message{}, s.deps.failure(opAppendMessage, reasonInvalidIdentifier, idErr,
				zap.String(fieldConversationID, conversationID.String()))
		}
		draft.ID = trimmed.String()
	}

	err = s.store.Batch(ctx, func(tx Store) error {
		conversation, loadErr := loadConversation(ctx, tx, s.deps, opAppendMessage, conversationID.String())
		if loadErr != nil {
			return loadErr
		}
		appended, appendErr := s.messages.withStore(tx).Append(ctx, conversation, draft)
		if appendErr != nil {
			return appendErr
		}

		conversation.Path = append(cloneIDs(conversation.Path), appended.ID)
		if branchID, ok := conversation.ActiveBranch.BranchID(); ok {
			for index := range conversation.Branches {
				if conversation.Branches[index].ID == branchID {
					conversation.Branches[index].Path = cloneIDs(conversation.Path)
				}
			}
		}
		conversation.UpdatedAt = s.deps.now()
		if saveErr := saveConversation(ctx, tx, s.deps, opAppendMessage, &conversation); saveErr != nil {
			return saveErr
		}
		message = appended
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// UpdateMessage applies a typed patch to a message of the conversation.
func (s *Service) UpdateMessage(ctx context.Context, conversationID ConversationID, messageID MessageID, patch MessagePatch) (message Message, err error) {
	defer s.track(opUpdateMessage, time.Now(), &err)

	err = s.store.Batch(ctx, func(tx Store) error {
		messages := s.messages.withStore(tx)
		existing, loadErr := messages.load(ctx, opUpdateMessage, messageID.String())
		if loadErr != nil {
			return loadErr
		}
		fields := []zap.Field{zap.String(fieldConversationID, conversationID.String()), zap.String(fieldMessageID, messageID.String())}
		if existing.ConversationID != conversationID.String() {
			return s.deps.failure(opUpdateMessage, reasonMessageNotFound, foreignMessageError(messageID.String(), conversationID.String()), fields...)
		}
		// Only assistant content is completed in place; other roles change text through CreateVersion.
		if patch.ChangesContent() && existing.Role != RoleAssistant {
			cause := fmt.Errorf("%w: content of %s message %s is immutable", ErrInvalidState, existing.Role, messageID)
			return s.deps.failure(opUpdateMessage, reasonContentImmutable, cause, fields...)
		}
		if patchErr := messages.patch(ctx, opUpdateMessage, messageID.String(), patch); patchErr != nil {
			return patchErr
		}
		updated, reloadErr := messages.load(ctx, opUpdateMessage, messageID.String())
		if reloadErr != nil {
			return reloadErr
		}
		message = updated
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// ResolvePath returns one page of the active path; see PathResolver.Resolve.
func (s *Service) ResolvePath(ctx context.Context, conversationID ConversationID, limit int, cursor string) (page PathPage, err error) {
	defer s.track(opResolvePath, time.Now(), &err)

	conversation, err := loadConversation(ctx, s.store, s.deps, opResolvePath, conversationID.String())
	if err != nil {
		return PathPage{}, err
	}
	return s.paths.Resolve(ctx, conversation, limit, strings.TrimSpace(cursor))
}

// VersionsOf returns the version chain containing messageID, ascending by version number.
func (s *Service) VersionsOf(ctx context.Context, messageID MessageID) (versions []Message, err error) {
	defer s.track(opVersionsOf, time.Now(), &err)
	return s.versions.VersionsOf(ctx, messageID.String())
}

// CreateVersion edits messageID by forking a new version and branch; see BranchManager.CreateVersion.
func (s *Service) CreateVersion(ctx context.Context, conversationID ConversationID, messageID MessageID, content string, sideData SideData) (result VersionResult, err error) {
	defer s.track(opCreateVersion, time.Now(), &err)
	return s.branches.CreateVersion(ctx, conversationID.String(), messageID.String(), content, sideData)
}

// SwitchVersion activates the branch holding targetMessageID.
func (s *Service) SwitchVersion(ctx context.Context, conversationID ConversationID, targetMessageID MessageID) (conversation Conversation, err error) {
	defer s.track(opSwitchVersion, time.Now(), &err)
	return s.branches.SwitchVersion(ctx, conversationID.String(), targetMessageID.String())
}

// DeleteMessage removes messageID and everything after it from the active path, reconciling
// onto another version when one exists. Deleting a message that is not on the path is a no-op.
func (s *Service) DeleteMessage(ctx context.Context, conversationID ConversationID, messageID MessageID) (conversation Conversation, err error) {
	defer s.track(opDeleteMessage, time.Now(), &err)
	return s.branches.DeleteMessage(ctx, conversationID.String(), messageID.String())
}

// Fork copies the active path up to and including branchFromMessageID into a new conversation.
func (s *Service) Fork(ctx context.Context, sourceConversationID ConversationID, branchFromMessageID MessageID) (conversation Conversation, err error) {
	defer s.track(opForkConversation, time.Now(), &err)
	return s.forker.Fork(ctx, sourceConversationID.String(), branchFromMessageID.String())
}

func loadConversation(ctx context.Context, store Store, deps dependencies, operation, conversationID string) (Conversation, error) {
	conversation, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		reason := reasonConversationLoadFailed
		if errors.Is(err, ErrNotFound) {
			reason = reasonConversationNotFound
		}
		return Conversation{}, deps.failure(operation, reason, err, zap.String(fieldConversationID, conversationID))
	}
	return conversation, nil
}

func saveConversation(ctx context.Context, store Store, deps dependencies, operation string, conversation *Conversation) error {
	if err := store.PutConversation(ctx, conversation); err != nil {
		reason := reasonConversationSave
		if errors.Is(err, ErrConcurrencyConflict) {
			reason = reasonConcurrencyConflict
		}
		return deps.failure(operation, reason, err,
			zap.String(fieldConversationID, conversation.ID),
			zap.Int64("revision", conversation.Revision))
	}
	return nil
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
