package conversations

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"
)

// BranchManager owns every mutation of a conversation's path and branch set that is not a plain
// append: editing a message into a new version, switching between versions, and deleting.
type BranchManager struct {
	store     Store
	messages  *MessageRepository
	versions  *VersionResolver
	deps      dependencies
	branchCap int
	observer  OperationObserver
}

// NewBranchManager constructs a BranchManager. A non-positive branchCap falls back to DefaultBranchCap.
func NewBranchManager(store Store, messages *MessageRepository, versions *VersionResolver, branchCap int, observer OperationObserver) *BranchManager {
	if branchCap <= 0 {
		branchCap = DefaultBranchCap
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &BranchManager{
		store:     store,
		messages:  messages,
		versions:  versions,
		deps:      messages.deps,
		branchCap: branchCap,
		observer:  observer,
	}
}

// CreateVersion stores newContent as the next version of messageID and makes a new branch ending
// at it the active path. The previous continuation stays reachable through its branch.
func (manager *BranchManager) CreateVersion(ctx context.Context, conversationID, messageID, newContent string, sideData SideData) (VersionResult, error) {
	var (
		result  VersionResult
		evicted int
	)
	fields := []zap.Field{zap.String(fieldConversationID, conversationID), zap.String(fieldMessageID, messageID)}

	err := manager.store.Batch(ctx, func(tx Store) error {
		messages := manager.messages.withStore(tx)
		versions := manager.versions.withStore(tx)

		conversation, err := loadConversation(ctx, tx, manager.deps, opCreateVersion, conversationID)
		if err != nil {
			return err
		}
		index := conversation.PathIndex(messageID)
		if index < 0 {
			cause := fmt.Errorf("%w: message %s is not on the active path", ErrNotFound, messageID)
			return manager.deps.failure(opCreateVersion, reasonMessageNotInPath, cause, fields...)
		}
		edited, err := messages.load(ctx, opCreateVersion, messageID)
		if err != nil {
			return err
		}
		if edited.ConversationID != conversationID {
			return manager.deps.failure(opCreateVersion, reasonMessageNotFound, foreignMessageError(messageID, conversationID), fields...)
		}
		chain, err := versions.chain(ctx, opCreateVersion, edited)
		if err != nil {
			return err
		}

		now := manager.deps.now()
		created := make([]Branch, 0, 2)
		original, hasOriginal := conversation.ActiveBranchRecord()
		if !hasOriginal || !slices.Equal(original.Path, []string(conversation.Path)) {
			originalID, idErr := manager.deps.newID(opCreateVersion, fields...)
			if idErr != nil {
				return idErr
			}
			original = Branch{
				ID:              originalID,
				Name:            fmt.Sprintf("Original v%d", edited.VersionNumber),
				Path:            cloneIDs(conversation.Path),
				CreatedAt:       now,
				ParentVersionID: messageID,
			}
			created = append(created, original)
		}

		newMessageID, err := manager.deps.newID(opCreateVersion, fields...)
		if err != nil {
			return err
		}
		newBranchID, err := manager.deps.newID(opCreateVersion, fields...)
		if err != nil {
			return err
		}
		newPath := append(cloneIDs(conversation.Path[:index]), newMessageID)
		created = append(created, Branch{
			ID:              newBranchID,
			Name:            fmt.Sprintf("Branch from v%d", edited.VersionNumber),
			Path:            cloneIDs(newPath),
			CreatedAt:       now,
			ParentVersionID: messageID,
		})

		message := Message{
			ID:                      newMessageID,
			ConversationID:          conversationID,
			Role:                    edited.Role,
			Content:                 newContent,
			Attachments:             inheritJSON(sideData.Attachments, edited.Attachments),
			ReferencedConversations: inheritJSON(sideData.ReferencedConversations, edited.ReferencedConversations),
			ReferencedFolders:       inheritJSON(sideData.ReferencedFolders, edited.ReferencedFolders),
			CreatedAt:               now,
			VersionNumber:           nextVersionNumber(chain),
			VersionOf:               stringPointer(edited.VersionRoot()),
			ParentMessageID:         stringPointer(messageID),
			Branch:                  OnBranch(newBranchID),
		}
		if err := messages.insert(ctx, opCreateVersion, &message); err != nil {
			return err
		}
		if !edited.Branch.IsBranched() {
			backfill := NewMessagePatch(AssignBranch(OnBranch(original.ID)))
			if err := messages.patch(ctx, opCreateVersion, edited.ID, backfill); err != nil {
				return err
			}
		}

		retained, dropped := retainRecentBranches(append(slices.Clone(conversation.Branches), created...), manager.branchCap)
		conversation.Branches = retained
		conversation.Path = newPath
		conversation.ActiveBranch = OnBranch(newBranchID)
		conversation.UpdatedAt = now
		if err := saveConversation(ctx, tx, manager.deps, opCreateVersion, &conversation); err != nil {
			return err
		}

		result = VersionResult{NewMessage: message, NewPath: cloneIDs(newPath)}
		evicted = dropped
		return nil
	})
	if err != nil {
		return VersionResult{}, err
	}
	if evicted > 0 {
		manager.observer.ObserveBranchEviction(evicted)
		manager.deps.logger.Debug("evicted branches beyond cap",
			zap.String(fieldConversationID, conversationID),
			zap.String(fieldBranchID, result.NewMessage.Branch.String()),
			zap.Int("evicted", evicted),
			zap.Int("cap", manager.branchCap))
	}
	return result, nil
}

// SwitchVersion makes the branch holding targetMessageID active. It fails with ErrInvalidState
// when no recorded branch contains the message rather than truncating the visible path.
func (manager *BranchManager) SwitchVersion(ctx context.Context, conversationID, targetMessageID string) (Conversation, error) {
	var switched Conversation
	fields := []zap.Field{zap.String(fieldConversationID, conversationID), zap.String(fieldMessageID, targetMessageID)}

	err := manager.store.Batch(ctx, func(tx Store) error {
		conversation, err := loadConversation(ctx, tx, manager.deps, opSwitchVersion, conversationID)
		if err != nil {
			return err
		}
		target, err := manager.messages.withStore(tx).load(ctx, opSwitchVersion, targetMessageID)
		if err != nil {
			return err
		}
		if target.ConversationID != conversationID {
			return manager.deps.failure(opSwitchVersion, reasonMessageNotFound, foreignMessageError(targetMessageID, conversationID), fields...)
		}

		branch, ok := branchForMessage(conversation, target)
		if !ok {
			cause := fmt.Errorf("%w: no branch contains message %s", ErrInvalidState, targetMessageID)
			return manager.deps.failure(opSwitchVersion, reasonNoBranchForMessage, cause, fields...)
		}

		conversation.Path = cloneIDs(branch.Path)
		conversation.ActiveBranch = OnBranch(branch.ID)
		conversation.UpdatedAt = manager.deps.now()
		if err := saveConversation(ctx, tx, manager.deps, opSwitchVersion, &conversation); err != nil {
			return err
		}
		switched = conversation
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return switched, nil
}

// DeleteMessage removes messageID and every later message of the active path. When another
// version of the message exists the path is reconciled onto it, otherwise the path is truncated.
// A message that is not on the active path is left alone and the conversation is returned as is.
func (manager *BranchManager) DeleteMessage(ctx context.Context, conversationID, messageID string) (Conversation, error) {
	var reconciled Conversation
	fields := []zap.Field{zap.String(fieldConversationID, conversationID), zap.String(fieldMessageID, messageID)}

	err := manager.store.Batch(ctx, func(tx Store) error {
		conversation, err := loadConversation(ctx, tx, manager.deps, opDeleteMessage, conversationID)
		if err != nil {
			return err
		}
		index := conversation.PathIndex(messageID)
		if index < 0 {
			manager.deps.logger.Debug("delete ignored; message not on active path", fields...)
			reconciled = conversation
			return nil
		}

		var chain []Message
		target, err := tx.GetMessage(ctx, messageID)
		switch {
		case errors.Is(err, ErrNotFound):
			target = Message{ID: messageID, ConversationID: conversationID}
		case err != nil:
			return manager.deps.failure(opDeleteMessage, reasonMessageLoadFailed, err, fields...)
		default:
			chain, err = manager.versions.withStore(tx).chain(ctx, opDeleteMessage, target)
			if err != nil {
				return err
			}
		}

		removed := conversation.Path[index:]
		removedSet := make(map[string]struct{}, len(removed))
		for _, id := range removed {
			removedSet[id] = struct{}{}
		}

		var (
			newPath []string
			active  = Unbranched()
		)
		other, hasOther := pickOtherVersion(chain, target)
		if hasOther {
			if branch, found := selectBranch(conversation.Branches, other.ID); found {
				newPath = cloneIDs(branch.Path)
				active = OnBranch(branch.ID)
			} else {
				descendants, descErr := manager.descendants(ctx, tx, conversationID, other.ID, removedSet)
				if descErr != nil {
					return manager.deps.failure(opDeleteMessage, reasonDescendantsFailed, descErr, fields...)
				}
				newPath = append(cloneIDs(conversation.Path[:index]), other.ID)
				newPath = append(newPath, descendants...)
				if branchID, ok := other.Branch.BranchID(); ok {
					if _, exists := conversation.FindBranch(branchID); exists {
						active = other.Branch
						conversation.Branches = replaceBranchPath(conversation.Branches, branchID, newPath)
					}
				}
			}
		} else {
			newPath = cloneIDs(conversation.Path[:index])
		}

		keep := make(map[string]struct{}, len(newPath))
		for _, id := range newPath {
			keep[id] = struct{}{}
		}
		doomed := make([]string, 0, len(removed))
		doomedSet := make(map[string]struct{}, len(removed))
		for _, id := range removed {
			if _, kept := keep[id]; kept {
				continue
			}
			doomed = append(doomed, id)
			doomedSet[id] = struct{}{}
		}
		if err := tx.DeleteMessages(ctx, doomed); err != nil {
			return manager.deps.failure(opDeleteMessage, reasonMessageDeleteFailed, err, fields...)
		}

		conversation.Branches = pruneBranches(conversation.Branches, doomedSet)
		if branchID, ok := active.BranchID(); ok {
			if _, exists := conversation.FindBranch(branchID); !exists {
				active = Unbranched()
			}
		}
		conversation.Path = newPath
		conversation.ActiveBranch = active
		conversation.UpdatedAt = manager.deps.now()
		if err := saveConversation(ctx, tx, manager.deps, opDeleteMessage, &conversation); err != nil {
			return err
		}
		reconciled = conversation
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return reconciled, nil
}

// descendants walks the reply tree below rootID breadth first. Alternate versions are not
// continuations and are skipped, as are excluded ids. The visited set keeps malformed parent
// cycles from looping.
func (manager *BranchManager) descendants(ctx context.Context, store Store, conversationID, rootID string, excluded map[string]struct{}) ([]string, error) {
	visited := map[string]struct{}{rootID: {}}
	frontier := []string{rootID}
	ordered := make([]string, 0)
	for len(frontier) > 0 {
		children, err := store.ListChildren(ctx, conversationID, frontier)
		if err != nil {
			return nil, err
		}
		next := make([]string, 0, len(children))
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				continue
			}
			visited[child.ID] = struct{}{}
			if _, skip := excluded[child.ID]; skip {
				continue
			}
			if child.VersionOf != nil {
				continue
			}
			ordered = append(ordered, child.ID)
			next = append(next, child.ID)
		}
		frontier = next
	}
	return ordered, nil
}

// branchForMessage prefers the branch recorded on the message and falls back to any branch whose
// path contains it.
func branchForMessage(conversation Conversation, target Message) (Branch, bool) {
	if branchID, ok := target.Branch.BranchID(); ok {
		if branch, found := conversation.FindBranch(branchID); found && branch.Contains(target.ID) {
			return branch, true
		}
	}
	return selectBranch(conversation.Branches, target.ID)
}

// selectBranch picks, among branches containing messageID, the longest path and then the most
// recently created one.
func selectBranch(branches []Branch, messageID string) (Branch, bool) {
	var (
		best  Branch
		found bool
	)
	for _, branch := range branches {
		if !branch.Contains(messageID) {
			continue
		}
		if !found ||
			len(branch.Path) > len(best.Path) ||
			(len(branch.Path) == len(best.Path) && branch.CreatedAt.After(best.CreatedAt)) {
			best = branch
			found = true
		}
	}
	if !found {
		return Branch{}, false
	}
	best.Path = cloneIDs(best.Path)
	return best, true
}

// pickOtherVersion chooses the closest earlier version of target, or the closest later one when
// target is the first version.
func pickOtherVersion(chain []Message, target Message) (Message, bool) {
	var (
		below, above       Message
		hasBelow, hasAbove bool
	)
	for _, version := range chain {
		if version.ID == target.ID {
			continue
		}
		switch {
		case version.VersionNumber < target.VersionNumber:
			if !hasBelow || version.VersionNumber > below.VersionNumber {
				below, hasBelow = version, true
			}
		default:
			if !hasAbove || version.VersionNumber < above.VersionNumber {
				above, hasAbove = version, true
			}
		}
	}
	if hasBelow {
		return below, true
	}
	return above, hasAbove
}

// retainRecentBranches keeps the branchCap most recently created branches. Ties on createdAt
// favour the later entry. Survivors keep their relative order.
func retainRecentBranches(branches []Branch, branchCap int) ([]Branch, int) {
	if branchCap <= 0 || len(branches) <= branchCap {
		return branches, 0
	}
	positions := make([]int, len(branches))
	for index := range positions {
		positions[index] = index
	}
	sort.SliceStable(positions, func(i, j int) bool {
		left, right := branches[positions[i]], branches[positions[j]]
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.After(right.CreatedAt)
		}
		return positions[i] > positions[j]
	})
	kept := make(map[int]struct{}, branchCap)
	for _, position := range positions[:branchCap] {
		kept[position] = struct{}{}
	}
	retained := make([]Branch, 0, branchCap)
	for index, branch := range branches {
		if _, ok := kept[index]; ok {
			retained = append(retained, branch)
		}
	}
	return retained, len(branches) - len(retained)
}

// pruneBranches cuts each branch path before its first deleted message and drops branches left empty.
func pruneBranches(branches []Branch, deleted map[string]struct{}) []Branch {
	if len(deleted) == 0 {
		return branches
	}
	pruned := make([]Branch, 0, len(branches))
	for _, branch := range branches {
		cut := len(branch.Path)
		for index, id := range branch.Path {
			if _, gone := deleted[id]; gone {
				cut = index
				break
			}
		}
		if cut == 0 {
			continue
		}
		branch.Path = cloneIDs(branch.Path[:cut])
		pruned = append(pruned, branch)
	}
	return pruned
}

func replaceBranchPath(branches []Branch, branchID string, path []string) []Branch {
	updated := slices.Clone(branches)
	for index := range updated {
		if updated[index].ID == branchID {
			updated[index].Path = cloneIDs(path)
		}
	}
	return updated
}

func inheritJSON(provided, inherited []byte) []byte {
	if provided != nil {
		return provided
	}
	return inherited
}

func foreignMessageError(messageID, conversationID string) error {
	return fmt.Errorf("%w: message %s does not belong to conversation %s", ErrNotFound, messageID, conversationID)
}
