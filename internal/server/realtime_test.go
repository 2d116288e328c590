package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	message := RealtimeMessage{
		UserID:          "user-1",
		EventType:       RealtimeEventConversationChanged,
		ConversationIDs: []string{"conversation-a", "conversation-b"},
		Timestamp:       time.Now().UTC(),
	}
	dispatcher.Publish(message)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventConversationChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventConversationChanged, received.EventType)
		}
		if len(received.ConversationIDs) != 2 {
			t.Fatalf("expected 2 conversation ids, got %d", len(received.ConversationIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:          "user-3",
		EventType:       RealtimeEventConversationChanged,
		ConversationIDs: []string{"conversation-c"},
		Timestamp:       time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-4")
	defer cleanup()
	if count := dispatcher.SubscriberCount("user-4"); count != 1 {
		t.Fatalf("expected one subscriber, got %d", count)
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRealtimeEventPayloadNeverEncodesNullIDs(t *testing.T) {
	payload := newRealtimeEventPayload(RealtimeMessage{
		UserID:    "user-5",
		EventType: RealtimeEventConversationChanged,
		Timestamp: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	})
	if payload.ConversationIDs == nil || len(payload.ConversationIDs) != 0 {
		t.Fatalf("expected empty id list, got %#v", payload.ConversationIDs)
	}
	if payload.Source != realtimeSourceBackend {
		t.Fatalf("unexpected source %q", payload.Source)
	}
	if payload.Timestamp != "2026-10-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}
