package conversations

import (
	"context"

	"go.uber.org/zap"
)

// VersionResolver finds the version chain a message belongs to.
type VersionResolver struct {
	store    Store
	messages *MessageRepository
	deps     dependencies
}

// NewVersionResolver constructs a VersionResolver over store.
func NewVersionResolver(store Store, messages *MessageRepository) *VersionResolver {
	return &VersionResolver{store: store, messages: messages, deps: messages.deps}
}

func (resolver *VersionResolver) withStore(store Store) *VersionResolver {
	return &VersionResolver{store: store, messages: resolver.messages.withStore(store), deps: resolver.deps}
}

// Root returns the identifier of the first message of message's version chain.
func (resolver *VersionResolver) Root(message Message) string {
	return message.VersionRoot()
}

// VersionsOf returns every version in the chain containing messageID, ascending by version number.
func (resolver *VersionResolver) VersionsOf(ctx context.Context, messageID string) ([]Message, error) {
	message, err := resolver.messages.load(ctx, opVersionsOf, messageID)
	if err != nil {
		return nil, err
	}
	return resolver.chain(ctx, opVersionsOf, message)
}

func (resolver *VersionResolver) chain(ctx context.Context, operation string, message Message) ([]Message, error) {
	root := resolver.Root(message)
	versions, err := resolver.store.ListVersionChain(ctx, root)
	if err != nil {
		return nil, resolver.deps.failure(operation, reasonVersionLookupFailed, err,
			zap.String(fieldMessageID, message.ID),
			zap.String("version_root", root))
	}
	return versions, nil
}

func nextVersionNumber(chain []Message) int {
	highest := 0
	for _, version := range chain {
		if version.VersionNumber > highest {
			highest = version.VersionNumber
		}
	}
	return highest + 1
}
