package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rynk-ai/rynk-web-sub001/internal/conversations"
	"gorm.io/datatypes"
)

const (
	codeInvalidConversationID = "http.invalid_conversation_id"
	codeInvalidMessageID      = "http.invalid_message_id"
	codeInvalidPayload        = "http.invalid_payload"
	codeInvalidLimit          = "http.invalid_limit"
	codeConversationNotFound  = "http.conversation_not_found"

	fieldAttachments             = "attachments"
	fieldReferencedConversations = "referenced_conversations"
	fieldReferencedFolders       = "referenced_folders"
	fieldContent                 = "content"
)

type branchPayload struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Path            []string  `json:"path"`
	CreatedAt       time.Time `json:"created_at"`
	ParentVersionID string    `json:"parent_version_id"`
}

type conversationPayload struct {
	ID             string                  `json:"id"`
	Title          string                  `json:"title"`
	ProjectID      *string                 `json:"project_id"`
	Path           []string                `json:"path"`
	Branches       []branchPayload         `json:"branches"`
	ActiveBranchID conversations.BranchRef `json:"active_branch_id"`
	Revision       int64                   `json:"revision"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

type messagePayload struct {
	ID                      string                  `json:"id"`
	ConversationID          string                  `json:"conversation_id"`
	Role                    string                  `json:"role"`
	Content                 string                  `json:"content"`
	Attachments             json.RawMessage         `json:"attachments"`
	ReferencedConversations json.RawMessage         `json:"referenced_conversations"`
	ReferencedFolders       json.RawMessage         `json:"referenced_folders"`
	CreatedAt               time.Time               `json:"created_at"`
	VersionNumber           int                     `json:"version_number"`
	VersionOf               *string                 `json:"version_of"`
	ParentMessageID         *string                 `json:"parent_message_id"`
	BranchID                conversations.BranchRef `json:"branch_id"`
}

type createConversationRequest struct {
	Title     string  `json:"title"`
	ProjectID *string `json:"project_id"`
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

type appendMessageRequest struct {
	ID              string `json:"id"`
	Role            string `json:"role"`
	Content         string `json:"content"`
	ParentMessageID string `json:"parent_message_id"`
}

type switchVersionRequest struct {
	MessageID string `json:"message_id"`
}

type forkRequest struct {
	MessageID string `json:"message_id"`
}

type pathPageResponse struct {
	Messages   []messagePayload `json:"messages"`
	NextCursor *string          `json:"next_cursor"`
}

type createVersionResponse struct {
	Message messagePayload `json:"message"`
	Path    []string       `json:"path"`
}

func newConversationPayload(conversation conversations.Conversation) conversationPayload {
	branches := make([]branchPayload, 0, len(conversation.Branches))
	for _, branch := range conversation.Branches {
		branches = append(branches, branchPayload{
			ID:              branch.ID,
			Name:            branch.Name,
			Path:            nonNilIDs(branch.Path),
			CreatedAt:       branch.CreatedAt,
			ParentVersionID: branch.ParentVersionID,
		})
	}
	return conversationPayload{
		ID:             conversation.ID,
		Title:          conversation.Title,
		ProjectID:      conversation.ProjectID,
		Path:           nonNilIDs(conversation.Path),
		Branches:       branches,
		ActiveBranchID: conversation.ActiveBranch,
		Revision:       conversation.Revision,
		CreatedAt:      conversation.CreatedAt,
		UpdatedAt:      conversation.UpdatedAt,
	}
}

func newMessagePayload(message conversations.Message) messagePayload {
	return messagePayload{
		ID:                      message.ID,
		ConversationID:          message.ConversationID,
		Role:                    string(message.Role),
		Content:                 message.Content,
		Attachments:             rawJSON(message.Attachments),
		ReferencedConversations: rawJSON(message.ReferencedConversations),
		ReferencedFolders:       rawJSON(message.ReferencedFolders),
		CreatedAt:               message.CreatedAt,
		VersionNumber:           message.VersionNumber,
		VersionOf:               message.VersionOf,
		ParentMessageID:         message.ParentMessageID,
		BranchID:                message.Branch,
	}
}

func newMessagePayloads(messages []conversations.Message) []messagePayload {
	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, newMessagePayload(message))
	}
	return payloads
}

func rawJSON(payload datatypes.JSON) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(payload)
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// sideDataFromFields keeps absent fields nil so the store can tell them apart from an explicit null.
func sideDataFromFields(fields map[string]json.RawMessage) conversations.SideData {
	var sideData conversations.SideData
	if raw, ok := fields[fieldAttachments]; ok {
		sideData.Attachments = datatypes.JSON(bytes.Clone(raw))
	}
	if raw, ok := fields[fieldReferencedConversations]; ok {
		sideData.ReferencedConversations = datatypes.JSON(bytes.Clone(raw))
	}
	if raw, ok := fields[fieldReferencedFolders]; ok {
		sideData.ReferencedFolders = datatypes.JSON(bytes.Clone(raw))
	}
	return sideData
}

// bindFields decodes the body into raw fields and, when target is set, into target as well.
func bindFields(c *gin.Context, target any) (map[string]json.RawMessage, bool) {
	body, err := c.GetRawData()
	if err != nil {
		writeRequestError(c, codeInvalidPayload)
		return nil, false
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		writeRequestError(c, codeInvalidPayload)
		return nil, false
	}
	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			writeRequestError(c, codeInvalidPayload)
			return nil, false
		}
	}
	return fields, true
}

// contentField reads the optional "content" member. An explicit null is rejected.
func contentField(c *gin.Context, fields map[string]json.RawMessage) (string, bool, bool) {
	raw, ok := fields[fieldContent]
	if !ok {
		return "", false, true
	}
	var content string
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		writeRequestError(c, codeInvalidPayload)
		return "", false, false
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		writeRequestError(c, codeInvalidPayload)
		return "", false, false
	}
	return content, true, true
}

func (h *httpHandler) currentUser(c *gin.Context) (conversations.UserID, bool) {
	userID, err := conversations.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func conversationIDParam(c *gin.Context) (conversations.ConversationID, bool) {
	conversationID, err := conversations.NewConversationID(c.Param("id"))
	if err != nil {
		writeRequestError(c, codeInvalidConversationID)
		return "", false
	}
	return conversationID, true
}

func messageIDValue(c *gin.Context, raw string) (conversations.MessageID, bool) {
	messageID, err := conversations.NewMessageID(raw)
	if err != nil {
		writeRequestError(c, codeInvalidMessageID)
		return "", false
	}
	return messageID, true
}

// ownedConversation loads the conversation named by the route and hides conversations owned by other users.
func (h *httpHandler) ownedConversation(c *gin.Context) (conversations.UserID, conversations.Conversation, bool) {
	userID, ok := h.currentUser(c)
	if !ok {
		return "", conversations.Conversation{}, false
	}
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return "", conversations.Conversation{}, false
	}
	conversation, err := h.conversations.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		h.writeServiceError(c, err)
		return "", conversations.Conversation{}, false
	}
	if conversation.UserID != userID.String() {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": conversations.KindNotFound, "code": codeConversationNotFound})
		return "", conversations.Conversation{}, false
	}
	return userID, conversation, true
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request createConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			writeRequestError(c, codeInvalidPayload)
			return
		}
	}
	conversation, err := h.conversations.CreateConversation(c.Request.Context(), userID, request.Title, request.ProjectID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), conversation.ID)
	c.JSON(http.StatusCreated, newConversationPayload(conversation))
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	items, err := h.conversations.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	payloads := make([]conversationPayload, 0, len(items))
	for _, conversation := range items {
		payloads = append(payloads, newConversationPayload(conversation))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": payloads})
}

func (h *httpHandler) handleGetConversation(c *gin.Context) {
	_, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newConversationPayload(conversation))
}

func (h *httpHandler) handleRenameConversation(c *gin.Context) {
	userID, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	var request renameConversationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeRequestError(c, codeInvalidPayload)
		return
	}
	renamed, err := h.conversations.RenameConversation(c.Request.Context(), conversations.ConversationID(conversation.ID), request.Title)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), renamed.ID)
	c.JSON(http.StatusOK, newConversationPayload(renamed))
}

func (h *httpHandler) handleDeleteConversation(c *gin.Context) {
	userID, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	if err := h.conversations.DeleteConversation(c.Request.Context(), conversations.ConversationID(conversation.ID)); err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), conversation.ID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	_, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeRequestError(c, codeInvalidLimit)
			return
		}
		limit = parsed
	}
	page, err := h.conversations.ResolvePath(c.Request.Context(), conversations.ConversationID(conversation.ID), limit, c.Query("cursor"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pathPageResponse{
		Messages:   newMessagePayloads(page.Messages),
		NextCursor: page.NextCursor,
	})
}

func (h *httpHandler) handleAppendMessage(c *gin.Context) {
	userID, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	var request appendMessageRequest
	fields, ok := bindFields(c, &request)
	if !ok {
		return
	}
	message, err := h.conversations.AppendMessage(c.Request.Context(), conversations.ConversationID(conversation.ID), conversations.MessageDraft{
		ID:              request.ID,
		Role:            conversations.Role(request.Role),
		Content:         request.Content,
		SideData:        sideDataFromFields(fields),
		ParentMessageID: request.ParentMessageID,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), conversation.ID)
	c.JSON(http.StatusCreated, newMessagePayload(message))
}

func (h *httpHandler) handleUpdateMessage(c *gin.Context) {
	userID, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	messageID, ok := messageIDValue(c, c.Param("messageId"))
	if !ok {
		return
	}
	fields, ok := bindFields(c, nil)
	if !ok {
		return
	}
	content, hasContent, ok := contentField(c, fields)
	if !ok {
		return
	}

	var updates []conversations.MessageField
	if hasContent {
		updates = append(updates, conversations.SetContent(content))
	}
	sideData := sideDataFromFields(fields)
	if _, present := fields[fieldAttachments]; present {
		updates = append(updates, conversations.SetAttachments(sideData.Attachments))
	}
	if _, present := fields[fieldReferencedConversations]; present {
		updates = append(updates, conversations.SetReferencedConversations(sideData.ReferencedConversations))
	}
	if _, present := fields[fieldReferencedFolders]; present {
		updates = append(updates, conversations.SetReferencedFolders(sideData.ReferencedFolders))
	}

	message, err := h.conversations.UpdateMessage(c.Request.Context(), conversations.ConversationID(conversation.ID), messageID, conversations.NewMessagePatch(updates...))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), conversation.ID)
	c.JSON(http.StatusOK, newMessagePayload(message))
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	userID, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	messageID, ok := messageIDValue(c, c.Param("messageId"))
	if !ok {
		return
	}
	updated, err := h.conversations.DeleteMessage(c.Request.Context(), conversations.ConversationID(conversation.ID), messageID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), conversation.ID)
	c.JSON(http.StatusOK, newConversationPayload(updated))
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	_, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	messageID, ok := messageIDValue(c, c.Param("messageId"))
	if !ok {
		return
	}
	versions, err := h.conversations.VersionsOf(c.Request.Context(), messageID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if len(versions) > 0 && versions[0].ConversationID != conversation.ID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": conversations.KindNotFound, "code": codeConversationNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": newMessagePayloads(versions)})
}

func (h *httpHandler) handleCreateVersion(c *gin.Context) {
	userID, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	messageID, ok := messageIDValue(c, c.Param("messageId"))
	if !ok {
		return
	}
	fields, ok := bindFields(c, nil)
	if !ok {
		return
	}
	content, hasContent, ok := contentField(c, fields)
	if !ok {
		return
	}
	if !hasContent {
		writeRequestError(c, codeInvalidPayload)
		return
	}
	result, err := h.conversations.CreateVersion(c.Request.Context(), conversations.ConversationID(conversation.ID), messageID, content, sideDataFromFields(fields))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), conversation.ID)
	c.JSON(http.StatusCreated, createVersionResponse{
		Message: newMessagePayload(result.NewMessage),
		Path:    nonNilIDs(result.NewPath),
	})
}

func (h *httpHandler) handleSwitchVersion(c *gin.Context) {
	userID, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	var request switchVersionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeRequestError(c, codeInvalidPayload)
		return
	}
	messageID, ok := messageIDValue(c, request.MessageID)
	if !ok {
		return
	}
	updated, err := h.conversations.SwitchVersion(c.Request.Context(), conversations.ConversationID(conversation.ID), messageID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), conversation.ID)
	c.JSON(http.StatusOK, newConversationPayload(updated))
}

func (h *httpHandler) handleFork(c *gin.Context) {
	userID, conversation, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	var request forkRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeRequestError(c, codeInvalidPayload)
		return
	}
	messageID, ok := messageIDValue(c, request.MessageID)
	if !ok {
		return
	}
	forked, err := h.conversations.Fork(c.Request.Context(), conversations.ConversationID(conversation.ID), messageID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishConversationChange(userID.String(), forked.ID)
	c.JSON(http.StatusCreated, newConversationPayload(forked))
}
