package conversations

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"gorm.io/datatypes"
)

// Role enumerates message authors.
type Role string

const (
	// RoleUser marks a message written by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a model-generated message.
	RoleAssistant Role = "assistant"
	// RoleSystem marks a system prompt message.
	RoleSystem Role = "system"
)

// NewRole validates raw input and returns a Role.
func NewRole(rawInput string) (Role, error) {
	switch Role(rawInput) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(rawInput), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, rawInput)
	}
}

// BranchRef records which branch a message or conversation belongs to. The zero value is
// the implicit main line; OnBranch names an explicit branch.
type BranchRef struct {
	id string
}

// Unbranched returns the reference to the implicit main line.
func Unbranched() BranchRef {
	return BranchRef{}
}

// OnBranch returns a reference to the branch with the provided identifier.
func OnBranch(branchID string) BranchRef {
	return BranchRef{id: branchID}
}

// IsBranched reports whether the reference names an explicit branch.
func (ref BranchRef) IsBranched() bool {
	return ref.id != ""
}

// BranchID returns the branch identifier and whether one is set.
func (ref BranchRef) BranchID() (string, bool) {
	return ref.id, ref.id != ""
}

func (ref BranchRef) String() string {
	if ref.id == "" {
		return "unbranched"
	}
	return ref.id
}

// GormDataType declares the column type used by gorm migrations.
func (BranchRef) GormDataType() string {
	return "string"
}

// Value persists the implicit main line as NULL.
func (ref BranchRef) Value() (driver.Value, error) {
	if ref.id == "" {
		return nil, nil
	}
	return ref.id, nil
}

// Scan restores a BranchRef from a nullable column.
func (ref *BranchRef) Scan(value any) error {
	switch typed := value.(type) {
	case nil:
		*ref = BranchRef{}
	case string:
		*ref = BranchRef{id: typed}
	case []byte:
		*ref = BranchRef{id: string(typed)}
	default:
		return fmt.Errorf("conversations: cannot scan %T into BranchRef", value)
	}
	return nil
}

// MarshalJSON encodes the implicit main line as null.
func (ref BranchRef) MarshalJSON() ([]byte, error) {
	if ref.id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(ref.id)
}

// UnmarshalJSON accepts null or a branch identifier string.
func (ref *BranchRef) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*ref = BranchRef{}
		return nil
	}
	*ref = BranchRef{id: *raw}
	return nil
}

// Branch is an alternate path recorded at the moment of an edit.
type Branch struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Path            []string  `json:"path"`
	CreatedAt       time.Time `json:"createdAt"`
	ParentVersionID string    `json:"parentVersionId"`
}

// Contains reports whether messageID is part of the branch path.
func (branch Branch) Contains(messageID string) bool {
	return slices.Contains(branch.Path, messageID)
}

// Message is a single persisted chat message.
type Message struct {
	ID                      string         `gorm:"column:id;primaryKey;size:190;not null"`
	ConversationID          string         `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_parent,priority:1"`
	Role                    Role           `gorm:"column:role;size:16;not null"`
	Content                 string         `gorm:"column:content;type:text;not null"`
	Attachments             datatypes.JSON `gorm:"column:attachments"`
	ReferencedConversations datatypes.JSON `gorm:"column:referenced_conversations"`
	ReferencedFolders       datatypes.JSON `gorm:"column:referenced_folders"`
	CreatedAt               time.Time      `gorm:"column:created_at;not null;autoCreateTime:false"`
	VersionNumber           int            `gorm:"column:version_number;not null;default:1"`
	VersionOf               *string        `gorm:"column:version_of;size:190;index:idx_messages_version_of"`
	ParentMessageID         *string        `gorm:"column:parent_message_id;size:190;index:idx_messages_conversation_parent,priority:2"`
	Branch                  BranchRef      `gorm:"column:branch_id;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "conversation_messages"
}

// VersionRoot returns the identifier of the first message in this message's version chain.
func (message Message) VersionRoot() string {
	if message.VersionOf != nil && *message.VersionOf != "" {
		return *message.VersionOf
	}
	return message.ID
}

// Conversation owns an ordered active path of messages and the branches recorded for it.
type Conversation struct {
	ID           string                      `gorm:"column:id;primaryKey;size:190;not null"`
	UserID       string                      `gorm:"column:user_id;size:190;not null;index:idx_conversations_user_updated,priority:1"`
	Title        string                      `gorm:"column:title;size:512;not null;default:''"`
	ProjectID    *string                     `gorm:"column:project_id;size:190;index"`
	Path         datatypes.JSONSlice[string] `gorm:"column:path;not null"`
	Branches     datatypes.JSONSlice[Branch] `gorm:"column:branches;not null"`
	ActiveBranch BranchRef                   `gorm:"column:active_branch_id;size:190"`
	Revision     int64                       `gorm:"column:revision;not null;default:1"`
	CreatedAt    time.Time                   `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt    time.Time                   `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_conversations_user_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// PathIndex returns the position of messageID in the active path, or -1.
func (conversation Conversation) PathIndex(messageID string) int {
	return slices.Index(conversation.Path, messageID)
}

// FindBranch returns the recorded branch with the provided identifier.
func (conversation Conversation) FindBranch(branchID string) (Branch, bool) {
	for _, branch := range conversation.Branches {
		if branch.ID == branchID {
			return branch, true
		}
	}
	return Branch{}, false
}

// ActiveBranchRecord returns the branch backing the active path, if the conversation is branched
// and that branch is still retained.
func (conversation Conversation) ActiveBranchRecord() (Branch, bool) {
	branchID, ok := conversation.ActiveBranch.BranchID()
	if !ok {
		return Branch{}, false
	}
	return conversation.FindBranch(branchID)
}

// SideData carries opaque message attachments and references. A nil field means "not provided".
type SideData struct {
	Attachments             datatypes.JSON
	ReferencedConversations datatypes.JSON
	ReferencedFolders       datatypes.JSON
}

// MessageDraft describes a message to append. ID is optional and lets clients reconcile
// optimistic inserts.
type MessageDraft struct {
	ID              string
	Role            Role
	Content         string
	SideData        SideData
	ParentMessageID string
}

// VersionResult reports the outcome of CreateVersion.
type VersionResult struct {
	NewMessage Message
	NewPath    []string
}

// PathPage is a page of the active path in chronological order.
type PathPage struct {
	Messages   []Message
	NextCursor *string
}

func cloneIDs(ids []string) []string {
	cloned := make([]string, len(ids))
	copy(cloned, ids)
	return cloned
}

func stringPointer(value string) *string {
	v := value
	return &v
}
