package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	return store
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	t.Run("Conversation", func(t *testing.T) {
		conv, err := store.UpsertConversation(ctx, models.Conversation{ID: "c1", Participants: []string{"u1", "u2"}})
		if err != nil {
			t.Fatalf("UpsertConversation failed: %v", err)
		}
		if conv.CreatedAt != 1700000000 {
			t.Errorf("expected CreatedAt 1700000000, got %d", conv.CreatedAt)
		}

		got, err := store.GetConversation(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, []string{"u1", "u2"}, got.Participants)

		_, err = store.GetConversation(ctx, "missing")
		require.True(t, errors.Is(err, models.ErrNotFound))

		_, err = store.UpsertConversation(ctx, models.Conversation{})
		require.True(t, errors.Is(err, models.ErrValidation))
	})

	t.Run("Messages", func(t *testing.T) {
		msg1, err := store.CreateMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "hello"})
		if err != nil {
			t.Fatalf("CreateMessage 1 failed: %v", err)
		}
		msg2, err := store.CreateMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u2", Content: "world", HTML: "<p>world</p>"})
		if err != nil {
			t.Fatalf("CreateMessage 2 failed: %v", err)
		}
		require.NotEmpty(t, msg1.ID)
		require.NotEqual(t, msg1.ID, msg2.ID)
		require.Equal(t, int64(1), msg1.Seq)
		require.Equal(t, int64(2), msg2.Seq)
		require.Equal(t, models.MessageStatusSent, msg2.Status())

		msgs, err := store.ListMessages(ctx, "c1", 0, 100)
		require.NoError(t, err)
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Content != "hello" {
			t.Errorf("expected msg1 content 'hello', got %s", msgs[0].Content)
		}

		msgsRange, err := store.ListMessages(ctx, "c1", 2, 10)
		require.NoError(t, err)
		require.Len(t, msgsRange, 1)
		require.Equal(t, "<p>world</p>", msgsRange[0].HTML)

		conv, err := store.GetConversation(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, int64(2), conv.LastSeq)

		empty, err := store.ListMessages(ctx, "nobody", 0, 100)
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("CreateMessageErrors", func(t *testing.T) {
		_, err := store.CreateMessage(ctx, models.NewMessage{ConversationID: "missing", SenderID: "u1", Content: "x"})
		require.True(t, errors.Is(err, models.ErrNotFound))

		_, err = store.CreateMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u3", Content: "x"})
		require.True(t, errors.Is(err, models.ErrAccessDenied))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = store.CreateMessage(cancelled, models.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "x"})
		require.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("Attachments", func(t *testing.T) {
		msg, err := store.CreateMessage(ctx, models.NewMessage{
			ConversationID: "c1",
			SenderID:       "u1",
			Content:        "check out this image",
			Attachments: []models.Attachment{{
				Type:     models.AttachmentTypeImage,
				Name:     "test.png",
				MimeType: "image/png",
				URL:      "https://cdn.example/test.png",
				Size:     42,
			}},
		})
		require.NoError(t, err)

		got, err := store.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		require.Len(t, got.Attachments, 1)
		require.Equal(t, "test.png", got.Attachments[0].Name)
		require.Equal(t, "https://cdn.example/test.png", got.Attachments[0].URL)
	})
}

func TestStorage_DeliveryAndRead(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	_, err := store.UpsertConversation(ctx, models.Conversation{ID: "c1", Participants: []string{"u1", "u2", "u3"}})
	require.NoError(t, err)
	msg, err := store.CreateMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "hi"})
	require.NoError(t, err)

	// The sender's own ack does not count.
	_, changed, err := store.MarkDelivered(ctx, msg.ID, "u1")
	require.NoError(t, err)
	require.False(t, changed)

	got, changed, err := store.MarkDelivered(ctx, msg.ID, "u2")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, int64(1700000000), got.DeliveredAt)
	require.Equal(t, models.MessageStatusDelivered, got.Status())

	_, changed, err = store.MarkDelivered(ctx, msg.ID, "u3")
	require.NoError(t, err)
	require.False(t, changed)

	got, changed, err = store.MarkRead(ctx, msg.ID, "u2")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []string{"u2"}, got.ReadBy)

	got, changed, err = store.MarkRead(ctx, msg.ID, "u2")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, []string{"u2"}, got.ReadBy)
	require.Equal(t, models.MessageStatusRead, got.Status())

	_, _, err = store.MarkRead(ctx, msg.ID, "outsider")
	require.True(t, errors.Is(err, models.ErrAccessDenied))

	_, _, err = store.MarkRead(ctx, "missing", "u2")
	require.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStorage_ReadImpliesDelivered(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	_, err := store.UpsertConversation(ctx, models.Conversation{ID: "c1"})
	require.NoError(t, err)
	msg, err := store.CreateMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "hi"})
	require.NoError(t, err)

	got, changed, err := store.MarkRead(ctx, msg.ID, "u2")
	require.NoError(t, err)
	require.True(t, changed)
	require.NotZero(t, got.DeliveredAt)
}

func TestStorage_Reactions(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	_, err := store.UpsertConversation(ctx, models.Conversation{ID: "c1"})
	require.NoError(t, err)
	msg, err := store.CreateMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "hi"})
	require.NoError(t, err)

	got, err := store.SetReaction(ctx, msg.ID, "u2", "👍")
	require.NoError(t, err)
	require.Equal(t, []models.Reaction{{Emoji: "👍", Users: []string{"u2"}, Count: 1}}, got.Reactions)

	got, err = store.SetReaction(ctx, msg.ID, "u3", "👍")
	require.NoError(t, err)
	require.Equal(t, 2, got.Reactions[0].Count)

	// Switching emoji moves the user in one step.
	got, err = store.SetReaction(ctx, msg.ID, "u2", "🎉")
	require.NoError(t, err)
	require.Equal(t, []models.Reaction{
		{Emoji: "👍", Users: []string{"u3"}, Count: 1},
		{Emoji: "🎉", Users: []string{"u2"}, Count: 1},
	}, got.Reactions)

	// Same emoji again toggles off.
	got, err = store.SetReaction(ctx, msg.ID, "u2", "🎉")
	require.NoError(t, err)
	require.Equal(t, []models.Reaction{{Emoji: "👍", Users: []string{"u3"}, Count: 1}}, got.Reactions)

	persisted, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, got.Reactions, persisted.Reactions)
}

func TestStorage_EditAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	_, err := store.UpsertConversation(ctx, models.Conversation{ID: "c1"})
	require.NoError(t, err)
	msg, err := store.CreateMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "helo"})
	require.NoError(t, err)
	_, _, err = store.MarkRead(ctx, msg.ID, "u2")
	require.NoError(t, err)

	_, err = store.EditContent(ctx, msg.ID, "u2", "hijack", "")
	require.True(t, errors.Is(err, models.ErrAccessDenied))

	_, err = store.EditContent(ctx, msg.ID, "u1", "", "")
	require.True(t, errors.Is(err, models.ErrValidation))

	edited, err := store.EditContent(ctx, msg.ID, "u1", "hello", "<p>hello</p>")
	require.NoError(t, err)
	require.True(t, edited.Edited)
	require.Equal(t, "hello", edited.Content)
	// Edits do not reset read state.
	require.Equal(t, []string{"u2"}, edited.ReadBy)

	_, err = store.SoftDelete(ctx, msg.ID, "u2")
	require.True(t, errors.Is(err, models.ErrAccessDenied))

	deleted, err := store.SoftDelete(ctx, msg.ID, "u1")
	require.NoError(t, err)
	require.True(t, deleted.Deleted)
	require.Equal(t, "u1", deleted.DeletedBy)
	require.Empty(t, deleted.Content)
	require.Equal(t, []string{"u2"}, deleted.ReadBy)

	_, err = store.SoftDelete(ctx, msg.ID, "u1")
	require.True(t, errors.Is(err, models.ErrMessageDeleted))
	_, err = store.EditContent(ctx, msg.ID, "u1", "again", "")
	require.True(t, errors.Is(err, models.ErrMessageDeleted))
	_, err = store.SetReaction(ctx, msg.ID, "u2", "👍")
	require.True(t, errors.Is(err, models.ErrMessageDeleted))
}

func TestStorage_Sessions(t *testing.T) {
	store := newTestStorage(t)

	session := models.Session{UserID: "u1", Username: "alice", ExpiresAt: 1800000000}
	if err := store.UpsertSession("hash1", session); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	sessions, err := store.ListSessions()
	require.NoError(t, err)
	require.Equal(t, session, sessions["hash1"])

	require.NoError(t, store.DeleteSession("hash1"))
	sessions, err = store.ListSessions()
	require.NoError(t, err)
	require.NotContains(t, sessions, "hash1")
}

func TestStorage_PushSubscriptions(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.UpsertPushSubscription(models.PushSubscription{UserID: "u1", Endpoint: "https://push/1", Auth: "a", P256dh: "p"}))
	require.NoError(t, store.UpsertPushSubscription(models.PushSubscription{UserID: "u2", Endpoint: "https://push/2"}))
	require.True(t, errors.Is(store.UpsertPushSubscription(models.PushSubscription{UserID: "u1"}), models.ErrValidation))

	subs, err := store.ListPushSubscriptions("u1")
	require.NoError(t, err)
	require.Equal(t, []models.PushSubscription{{UserID: "u1", Endpoint: "https://push/1", Auth: "a", P256dh: "p"}}, subs)

	// Another user can neither take over nor remove u1's endpoint.
	err = store.UpsertPushSubscription(models.PushSubscription{UserID: "u2", Endpoint: "https://push/1"})
	require.True(t, errors.Is(err, models.ErrAccessDenied))
	require.True(t, errors.Is(store.DeleteUserPushSubscription("u2", "https://push/1"), models.ErrAccessDenied))
	subs, err = store.ListPushSubscriptions("u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	// The owner may refresh keys.
	require.NoError(t, store.UpsertPushSubscription(models.PushSubscription{UserID: "u1", Endpoint: "https://push/1", Auth: "a2", P256dh: "p2"}))

	require.NoError(t, store.DeleteUserPushSubscription("u1", "https://push/1"))
	require.NoError(t, store.DeleteUserPushSubscription("u1", "https://push/unknown"))
	subs, err = store.ListPushSubscriptions("u1")
	require.NoError(t, err)
	require.Empty(t, subs)

	require.NoError(t, store.DeletePushSubscription("https://push/2"))
	subs, err = store.ListPushSubscriptions("u2")
	require.NoError(t, err)
	require.Empty(t, subs)
}
