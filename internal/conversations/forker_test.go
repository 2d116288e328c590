package conversations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestForkCopiesPrefixWithFreshIdentities(t *testing.T) {
	h := newHarness(t)
	source := h.createConversation(t)
	sourceMessages := make([]Message, 0, 4)
	for index, content := range []string{"q1", "a1", "q2", "a2"} {
		role := RoleUser
		if index%2 == 1 {
			role = RoleAssistant
		}
		sourceMessages = append(sourceMessages, h.append(t, source.ID, role, content))
	}
	edited := h.edit(t, source.ID, sourceMessages[2].ID, "q2 edited")
	sourceBefore := h.conversation(t, source.ID)

	forked, err := h.service.Fork(context.Background(), ConversationID(source.ID), MessageID(edited.NewMessage.ID))
	require.NoError(t, err)
	require.NotEqual(t, source.ID, forked.ID)
	require.Equal(t, source.UserID, forked.UserID)
	require.Len(t, forked.Path, 3)
	require.Empty(t, forked.Branches)
	require.False(t, forked.ActiveBranch.IsBranched())

	page, err := h.service.ResolvePath(context.Background(), ConversationID(forked.ID), 10, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	expected := []Message{sourceMessages[0], sourceMessages[1], edited.NewMessage}
	var previous *string
	for index, clone := range page.Messages {
		require.NotEqual(t, expected[index].ID, clone.ID)
		require.Equal(t, expected[index].Content, clone.Content)
		require.Equal(t, expected[index].Role, clone.Role)
		require.Equal(t, forked.ID, clone.ConversationID)
		require.Equal(t, 1, clone.VersionNumber)
		require.Nil(t, clone.VersionOf)
		require.False(t, clone.Branch.IsBranched())
		require.Equal(t, previous, clone.ParentMessageID)
		previous = stringPointer(clone.ID)
	}
	h.requireValidPath(t, forked)

	h.append(t, forked.ID, RoleAssistant, "fork only")
	_, err = h.service.DeleteMessage(context.Background(), ConversationID(forked.ID), MessageID(forked.Path[0]))
	require.NoError(t, err)

	sourceAfter := h.conversation(t, source.ID)
	require.Equal(t, []string(sourceBefore.Path), []string(sourceAfter.Path))
	require.Equal(t, len(sourceBefore.Branches), len(sourceAfter.Branches))
	for _, message := range sourceMessages {
		require.True(t, h.messageExists(t, message.ID))
	}
}

func TestForkCopiesSideDataVerbatim(t *testing.T) {
	h := newHarness(t)
	source := h.createConversation(t)
	message, err := h.service.AppendMessage(context.Background(), ConversationID(source.ID), MessageDraft{
		Role:     RoleUser,
		Content:  "see attachment",
		SideData: SideData{Attachments: datatypes.JSON(`[{"id":"file-1"}]`)},
	})
	require.NoError(t, err)

	forked, err := h.service.Fork(context.Background(), ConversationID(source.ID), MessageID(message.ID))
	require.NoError(t, err)

	clone, err := NewGormStore(h.db).GetMessage(context.Background(), forked.Path[0])
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"file-1"}]`, string(clone.Attachments))
}

func TestForkWithUnknownBranchPointLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	source := h.createConversation(t)
	h.append(t, source.ID, RoleUser, "hello")

	_, err := h.service.Fork(context.Background(), ConversationID(source.ID), MessageID("not-on-path"))
	require.ErrorIs(t, err, ErrNotFound)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "conversations.fork.branch_point_not_found", serviceErr.Code())

	var count int64
	require.NoError(t, h.db.Model(&Conversation{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
