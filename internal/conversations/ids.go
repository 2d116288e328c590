package conversations

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

// ConversationID represents a validated conversation identifier.
type ConversationID string

// NewConversationID validates raw input and returns a ConversationID.
func NewConversationID(rawInput string) (ConversationID, error) {
	trimmed, err := validateIdentifier("conversation id", rawInput)
	if err != nil {
		return "", err
	}
	return ConversationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConversationID) String() string {
	return string(id)
}

// MessageID represents a validated message identifier.
type MessageID string

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(rawInput string) (MessageID, error) {
	trimmed, err := validateIdentifier("message id", rawInput)
	if err != nil {
		return "", err
	}
	return MessageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MessageID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier("user id", rawInput)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

func validateIdentifier(label, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidInput, label)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, label, maxIdentifierLength)
	}
	return trimmed, nil
}

// IDProvider issues unique opaque identifiers for conversations, messages and branches.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
