package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"parley/internal/models"
	"parley/internal/rooms"
	"parley/internal/storage"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	userID string
	fail   bool

	mu   sync.Mutex
	sent []models.ServerMessage
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(msg models.ServerMessage) error {
	if c.fail {
		return errors.New("write: broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) messages() []models.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ServerMessage(nil), c.sent...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	published []models.Message
}

func (n *recordingNotifier) MessagePublished(msg models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, msg)
}

// failingStore fails every call.
type failingStore struct{ err error }

func (s failingStore) CreateMessage(context.Context, models.NewMessage) (models.Message, error) {
	return models.Message{}, s.err
}

func (s failingStore) MarkDelivered(context.Context, string, string) (models.Message, bool, error) {
	return models.Message{}, false, s.err
}

func (s failingStore) MarkRead(context.Context, string, string) (models.Message, bool, error) {
	return models.Message{}, false, s.err
}

func (s failingStore) SetReaction(context.Context, string, string, string) (models.Message, error) {
	return models.Message{}, s.err
}

func (s failingStore) EditContent(context.Context, string, string, string, string) (models.Message, error) {
	return models.Message{}, s.err
}

func (s failingStore) SoftDelete(context.Context, string, string) (models.Message, error) {
	return models.Message{}, s.err
}

type fixture struct {
	engine   *Engine
	rooms    *rooms.Manager
	notifier *recordingNotifier
	a, b, c  *fakeConn
}

// newFixture joins a (u1), b (u2) and c (u3) to conversation c1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.UpsertConversation(context.Background(), models.Conversation{ID: "c1", Participants: []string{"u1", "u2", "u3"}})
	require.NoError(t, err)

	f := &fixture{
		rooms:    rooms.New(nil),
		notifier: &recordingNotifier{},
		a:        &fakeConn{id: "a", userID: "u1"},
		b:        &fakeConn{id: "b", userID: "u2"},
		c:        &fakeConn{id: "c", userID: "u3"},
	}
	f.engine = New(Config{Store: store, Rooms: f.rooms, Notifier: f.notifier})
	for _, conn := range []*fakeConn{f.a, f.b, f.c} {
		f.rooms.Join("c1", conn)
	}
	return f
}

func (f *fixture) publish(t *testing.T, text string) models.Message {
	t.Helper()
	msg, err := f.engine.Publish(context.Background(), Origin{ConnID: "a", UserID: "u1"}, "c1", text, nil)
	require.NoError(t, err)
	return msg
}

func TestEngine_Publish(t *testing.T) {
	f := newFixture(t)
	// A second device of the sender must also receive the message.
	a2 := &fakeConn{id: "a2", userID: "u1"}
	f.rooms.Join("c1", a2)

	msg := f.publish(t, "  **hi**  ")
	require.NotEmpty(t, msg.ID)
	require.Equal(t, "**hi**", msg.Content)
	require.Contains(t, msg.HTML, "<strong>hi</strong>")

	require.Empty(t, f.a.messages())
	for _, conn := range []*fakeConn{a2, f.b, f.c} {
		got := conn.messages()
		require.Len(t, got, 1, conn.id)
		require.Equal(t, models.ServerMessageTypeNewMessage, got[0].Type)
		require.Equal(t, "c1", got[0].ConversationID)
		require.Equal(t, msg.ID, got[0].Message.ID)
	}
	require.Len(t, f.notifier.published, 1)
}

func TestEngine_PublishFanoutIsolation(t *testing.T) {
	f := newFixture(t)
	f.b.fail = true

	_, err := f.engine.Publish(context.Background(), Origin{ConnID: "x", UserID: "u1"}, "c1", "hi", nil)
	require.NoError(t, err)

	require.Len(t, f.a.messages(), 1)
	require.Len(t, f.c.messages(), 1)
}

func TestEngine_PublishPersistenceFailure(t *testing.T) {
	r := rooms.New(nil)
	b := &fakeConn{id: "b", userID: "u2"}
	r.Join("c1", b)
	notifier := &recordingNotifier{}
	engine := New(Config{Store: failingStore{err: errors.New("disk full")}, Rooms: r, Notifier: notifier})

	_, err := engine.Publish(context.Background(), Origin{ConnID: "a", UserID: "u1"}, "c1", "hi", nil)
	require.Error(t, err)
	require.Equal(t, models.ErrorCodeInternal, models.CodeOf(err))
	require.Empty(t, b.messages())
	require.Empty(t, notifier.published)
}

func TestEngine_PublishRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Publish(context.Background(), Origin{ConnID: "a", UserID: "u1"}, "c1", "   ", nil)
	require.True(t, errors.Is(err, models.ErrValidation))

	_, err = f.engine.Publish(context.Background(), Origin{ConnID: "z", UserID: "outsider"}, "c1", "hi", nil)
	require.True(t, errors.Is(err, models.ErrAccessDenied))

	_, err = f.engine.Publish(context.Background(), Origin{ConnID: "a", UserID: "u1"}, "nope", "hi", nil)
	require.True(t, errors.Is(err, models.ErrNotFound))

	require.Empty(t, f.b.messages())
}

func TestEngine_MarkDelivered(t *testing.T) {
	f := newFixture(t)
	msg := f.publish(t, "hi")

	event, err := f.engine.MarkDelivered(context.Background(), Origin{ConnID: "b", UserID: "u2"}, msg.ID)
	require.NoError(t, err)
	require.Equal(t, models.ServerMessageTypeMessageDelivered, event.Type)
	require.NotZero(t, event.DeliveredAt)

	got := f.a.messages()
	require.Len(t, got, 1)
	require.Equal(t, event, got[0])

	// Delivery is recorded once.
	_, err = f.engine.MarkDelivered(context.Background(), Origin{ConnID: "c", UserID: "u3"}, msg.ID)
	require.NoError(t, err)
	require.Len(t, f.a.messages(), 1)
}

func TestEngine_MarkReadIdempotent(t *testing.T) {
	f := newFixture(t)
	msg := f.publish(t, "hi")

	event, err := f.engine.MarkRead(context.Background(), Origin{ConnID: "b", UserID: "u2"}, msg.ID)
	require.NoError(t, err)
	require.Equal(t, models.ServerMessage{
		Type:           models.ServerMessageTypeMessageRead,
		ConversationID: "c1",
		MessageID:      msg.ID,
		UserID:         "u2",
	}, event)
	require.Equal(t, []models.ServerMessage{event}, f.a.messages())

	again, err := f.engine.MarkRead(context.Background(), Origin{ConnID: "b", UserID: "u2"}, msg.ID)
	require.NoError(t, err)
	require.Equal(t, event, again)
	require.Len(t, f.a.messages(), 1)
}

func TestEngine_AckFailureSkipsBroadcast(t *testing.T) {
	r := rooms.New(nil)
	a := &fakeConn{id: "a", userID: "u1"}
	r.Join("c1", a)
	engine := New(Config{Store: failingStore{err: models.ErrNotFound}, Rooms: r})

	_, err := engine.MarkRead(context.Background(), Origin{ConnID: "b", UserID: "u2"}, "m1")
	require.True(t, errors.Is(err, models.ErrNotFound))
	_, err = engine.MarkDelivered(context.Background(), Origin{ConnID: "b", UserID: "u2"}, "m1")
	require.True(t, errors.Is(err, models.ErrNotFound))
	require.Empty(t, a.messages())
}

func TestEngine_React(t *testing.T) {
	f := newFixture(t)
	msg := f.publish(t, "hi")
	bob := Origin{ConnID: "b", UserID: "u2"}

	event, err := f.engine.React(context.Background(), bob, msg.ID, "👍")
	require.NoError(t, err)
	require.Equal(t, []models.Reaction{{Emoji: "👍", Users: []string{"u2"}, Count: 1}}, event.Reactions)

	event, err = f.engine.React(context.Background(), bob, msg.ID, "❤️")
	require.NoError(t, err)
	require.Equal(t, []models.Reaction{{Emoji: "❤️", Users: []string{"u2"}, Count: 1}}, event.Reactions)

	event, err = f.engine.React(context.Background(), bob, msg.ID, "❤️")
	require.NoError(t, err)
	require.Empty(t, event.Reactions)

	got := f.c.messages()
	require.Len(t, got, 4) // new-message + three reaction updates
	require.Equal(t, models.ServerMessageTypeReactionUpdated, got[3].Type)
	require.Empty(t, f.b.messages()[1:])
}

func TestEngine_EditAndDelete(t *testing.T) {
	f := newFixture(t)
	msg := f.publish(t, "helo")
	alice := Origin{ConnID: "a", UserID: "u1"}
	bob := Origin{ConnID: "b", UserID: "u2"}

	_, err := f.engine.Edit(context.Background(), bob, msg.ID, "mine now")
	require.True(t, errors.Is(err, models.ErrAccessDenied))

	_, err = f.engine.Edit(context.Background(), alice, msg.ID, " ")
	require.True(t, errors.Is(err, models.ErrValidation))

	event, err := f.engine.Edit(context.Background(), alice, msg.ID, "hello")
	require.NoError(t, err)
	require.Equal(t, models.ServerMessageTypeMessageEdited, event.Type)
	require.True(t, event.Message.Edited)
	require.Equal(t, "hello", event.Message.Content)

	event, err = f.engine.Delete(context.Background(), alice, msg.ID)
	require.NoError(t, err)
	require.Equal(t, models.ServerMessage{
		Type:           models.ServerMessageTypeMessageDeleted,
		ConversationID: "c1",
		MessageID:      msg.ID,
	}, event)

	before := len(f.c.messages())

	// Deleted messages are terminal for fan-out.
	_, err = f.engine.React(context.Background(), bob, msg.ID, "👍")
	require.True(t, errors.Is(err, models.ErrMessageDeleted))
	_, err = f.engine.MarkRead(context.Background(), bob, msg.ID)
	require.True(t, errors.Is(err, models.ErrMessageDeleted))
	_, err = f.engine.MarkDelivered(context.Background(), bob, msg.ID)
	require.True(t, errors.Is(err, models.ErrMessageDeleted))
	_, err = f.engine.Edit(context.Background(), alice, msg.ID, "back")
	require.True(t, errors.Is(err, models.ErrMessageDeleted))

	require.Len(t, f.c.messages(), before)
}
