package conversations

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%03d", g.prefix, g.next), nil
}

// steppingClock advances one second on every reading so creation order is always observable.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.Unix(1700000000, 0).UTC()}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type recordingObserver struct {
	mu         sync.Mutex
	operations map[string]int
	errors     map[string]string
	evicted    int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{operations: map[string]int{}, errors: map[string]string{}}
}

func (o *recordingObserver) ObserveOperation(operation string, _ time.Duration, errorKind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.operations[operation]++
	if errorKind != "" {
		o.errors[operation] = errorKind
	}
}

func (o *recordingObserver) ObserveBranchEviction(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evicted += count
}

type testHarness struct {
	service  *Service
	db       *gorm.DB
	observer *recordingObserver
	userID   UserID
}

type harnessOption func(*ServiceConfig)

func withLogger(logger *zap.Logger) harnessOption {
	return func(cfg *ServiceConfig) { cfg.Logger = logger }
}

func withStoreWrapper(wrap func(Store) Store) harnessOption {
	return func(cfg *ServiceConfig) { cfg.Store = wrap(NewGormStore(cfg.Database)) }
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:rynk_conversations_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Conversation{}, &Message{}))
	return db
}

func newHarness(t *testing.T, options ...harnessOption) *testHarness {
	t.Helper()
	db := openTestDatabase(t)
	observer := newRecordingObserver()
	cfg := ServiceConfig{
		Database:   db,
		Clock:      newSteppingClock().Now,
		IDProvider: &sequentialIDs{prefix: "id"},
		Metrics:    observer,
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)
	return &testHarness{service: service, db: db, observer: observer, userID: UserID("user-1")}
}

func (h *testHarness) createConversation(t *testing.T) Conversation {
	t.Helper()
	conversation, err := h.service.CreateConversation(context.Background(), h.userID, "Test conversation", nil)
	require.NoError(t, err)
	return conversation
}

func (h *testHarness) append(t *testing.T, conversationID string, role Role, content string) Message {
	t.Helper()
	message, err := h.service.AppendMessage(context.Background(), ConversationID(conversationID), MessageDraft{Role: role, Content: content})
	require.NoError(t, err)
	return message
}

func (h *testHarness) edit(t *testing.T, conversationID, messageID, content string) VersionResult {
	t.Helper()
	result, err := h.service.CreateVersion(context.Background(), ConversationID(conversationID), MessageID(messageID), content, SideData{})
	require.NoError(t, err)
	return result
}

func (h *testHarness) conversation(t *testing.T, conversationID string) Conversation {
	t.Helper()
	conversation, err := h.service.GetConversation(context.Background(), ConversationID(conversationID))
	require.NoError(t, err)
	return conversation
}

func (h *testHarness) messageExists(t *testing.T, messageID string) bool {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&Message{}).Where("id = ?", messageID).Count(&count).Error)
	return count > 0
}

// requireValidPath asserts that every path entry resolves to a message of the conversation and
// that the active branch, when set, records exactly the active path.
func (h *testHarness) requireValidPath(t *testing.T, conversation Conversation) {
	t.Helper()
	if len(conversation.Path) > 0 {
		var rows []Message
		require.NoError(t, h.db.Where("id IN ?", []string(conversation.Path)).Find(&rows).Error)
		require.Len(t, rows, len(conversation.Path), "every path id must resolve to a stored message")
		for _, row := range rows {
			require.Equal(t, conversation.ID, row.ConversationID)
		}
	}
	if branch, ok := conversation.ActiveBranchRecord(); ok {
		require.Equal(t, []string(conversation.Path), branch.Path)
	}
}
