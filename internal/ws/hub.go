package ws

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/registry"
	"parley/internal/rooms"
	"parley/internal/typing"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// requiredFields lists the fields validated for each inbound event type.
var requiredFields = map[models.ClientMessageType][]string{
	models.ClientMessageTypeAuthenticate: {"UserID", "Username"},
	models.ClientMessageTypeJoin:         {"ConversationID"},
	models.ClientMessageTypeLeave:        {"ConversationID"},
	models.ClientMessageTypeSend:         {"ConversationID", "Attachments"},
	models.ClientMessageTypeTypingStart:  {"ConversationID", "UserID", "Username"},
	models.ClientMessageTypeTypingStop:   {"ConversationID", "UserID"},
	models.ClientMessageTypeAckDelivered: {"ConversationID", "MessageID"},
	models.ClientMessageTypeAckRead:      {"ConversationID", "MessageID", "UserID"},
	models.ClientMessageTypeReact:        {"ConversationID", "MessageID", "UserID", "Emoji"},
	models.ClientMessageTypeSetStatus:    {"UserID", "Status"},
	models.ClientMessageTypeEdit:         {"ConversationID", "MessageID"},
	models.ClientMessageTypeDelete:       {"ConversationID", "MessageID"},
}

// Store is the persistence the hub needs: message mutations plus
// conversation lookups for join authorization.
type Store interface {
	chat.Store
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
}

type HubConfig struct {
	Store            Store
	Notifier         chat.Notifier
	PersistTimeout   time.Duration
	TypingTimeout    time.Duration
	MaxContentLength int
	Logger           *slog.Logger
}

// Hub ties the connection registry, rooms, presence, typing and the message
// engine together and routes inbound events between them.
type Hub struct {
	registry *registry.Registry
	rooms    *rooms.Manager
	presence *presence.Tracker
	typing   *typing.Coordinator
	engine   *chat.Engine
	store    Store
	logger   *slog.Logger
}

func NewHub(config HubConfig) *Hub {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		store:  config.Store,
		logger: logger,
	}
	h.registry = registry.New(registry.Config{
		OnCountChanged: h.handleCountChanged,
		Logger:         logger,
	})
	h.presence = presence.New(h.registry)
	h.rooms = rooms.New(logger)
	h.typing = typing.New(h.rooms, config.TypingTimeout)
	h.engine = chat.New(chat.Config{
		Store:            config.Store,
		Rooms:            h.rooms,
		Notifier:         config.Notifier,
		PersistTimeout:   config.PersistTimeout,
		MaxContentLength: config.MaxContentLength,
		Logger:           logger,
	})
	return h
}

func (h *Hub) handleCountChanged(userID string, count int) {
	h.presence.OnConnectionCountChanged(userID, count)
}

// Close stops pending typing expiry timers.
func (h *Hub) Close() {
	h.typing.Close()
}

// IsOnline reports whether the user has an authenticated live connection.
func (h *Hub) IsOnline(userID string) bool {
	return h.presence.IsOnline(userID)
}

// Presence returns the records of all online users.
func (h *Hub) Presence() []presence.Record {
	return h.presence.Records()
}

// Dispatch handles one inbound event of conn. Failures are reported to conn
// only.
func (h *Hub) Dispatch(ctx context.Context, conn *Connection, msg models.ClientMessage) {
	if err := h.dispatch(ctx, conn, msg); err != nil {
		h.reply(conn, models.ErrorReply(msg.RequestID, err))
	}
}

func (h *Hub) dispatch(ctx context.Context, conn *Connection, msg models.ClientMessage) error {
	fields, ok := requiredFields[msg.Type]
	if !ok {
		return fmt.Errorf("unknown event type %q: %w", msg.Type, models.ErrValidation)
	}
	if err := validate.StructPartial(msg, append(fields, "RequestID")...); err != nil {
		return fmt.Errorf("%v: %w", err, models.ErrValidation)
	}
	if msg.UserID != "" && msg.UserID != conn.UserID() {
		return fmt.Errorf("user id does not match the session: %w", models.ErrAccessDenied)
	}

	if msg.Type == models.ClientMessageTypeAuthenticate {
		h.authenticate(conn, msg.RequestID)
		return nil
	}
	if _, ok := h.registry.UserOf(conn.ID()); !ok {
		return models.ErrNotAuthenticated
	}
	h.presence.Touch(conn.UserID())

	origin := chat.Origin{ConnID: conn.ID(), UserID: conn.UserID()}

	switch msg.Type {
	case models.ClientMessageTypeJoin:
		return h.join(ctx, conn, msg)

	case models.ClientMessageTypeLeave:
		h.leave(conn, msg.ConversationID)
		h.reply(conn, models.ServerMessage{
			Type:           models.ServerMessageTypeRoomLeft,
			RequestID:      msg.RequestID,
			ConversationID: msg.ConversationID,
		})

	case models.ClientMessageTypeSend:
		created, err := h.engine.Publish(ctx, origin, msg.ConversationID, msg.Content, msg.Attachments)
		if err != nil {
			return err
		}
		h.reply(conn, models.ServerMessage{
			Type:           models.ServerMessageTypeMessageSent,
			RequestID:      msg.RequestID,
			ConversationID: created.ConversationID,
			Message:        &created,
		})

	case models.ClientMessageTypeTypingStart:
		if !h.rooms.IsMember(msg.ConversationID, conn.ID()) {
			return fmt.Errorf("join %s before typing: %w", msg.ConversationID, models.ErrAccessDenied)
		}
		h.typing.Start(msg.ConversationID, conn.UserID(), conn.Username(), conn.ID())

	case models.ClientMessageTypeTypingStop:
		h.typing.Stop(msg.ConversationID, conn.UserID(), conn.ID())

	case models.ClientMessageTypeAckDelivered:
		return h.replyWith(conn, msg.RequestID)(h.engine.MarkDelivered(ctx, origin, msg.MessageID))

	case models.ClientMessageTypeAckRead:
		return h.replyWith(conn, msg.RequestID)(h.engine.MarkRead(ctx, origin, msg.MessageID))

	case models.ClientMessageTypeReact:
		return h.replyWith(conn, msg.RequestID)(h.engine.React(ctx, origin, msg.MessageID, msg.Emoji))

	case models.ClientMessageTypeEdit:
		return h.replyWith(conn, msg.RequestID)(h.engine.Edit(ctx, origin, msg.MessageID, msg.Content))

	case models.ClientMessageTypeDelete:
		return h.replyWith(conn, msg.RequestID)(h.engine.Delete(ctx, origin, msg.MessageID))

	case models.ClientMessageTypeSetStatus:
		record, _, err := h.presence.SetStatus(conn.UserID(), msg.Status)
		if err != nil {
			return err
		}
		h.reply(conn, models.ServerMessage{
			Type:      models.ServerMessageTypeUserStatus,
			RequestID: msg.RequestID,
			UserID:    record.UserID,
			Status:    record.Status,
		})
	}
	return nil
}

// authenticate registers conn and sends it the users already online. The
// snapshot is queued before any later presence change reaches conn.
func (h *Hub) authenticate(conn *Connection, requestID string) {
	registered := false
	h.registry.RegisterWith(conn, conn.UserID(), func(int) {
		registered = true
		h.reply(conn, models.ServerMessage{
			Type:      models.ServerMessageTypeOnlineUsers,
			RequestID: requestID,
			UserIDs:   h.presence.Snapshot(conn.UserID()),
		})
	})
	if !registered {
		h.reply(conn, models.ServerMessage{
			Type:      models.ServerMessageTypeOnlineUsers,
			RequestID: requestID,
			UserIDs:   h.presence.Snapshot(conn.UserID()),
		})
	}
}

func (h *Hub) join(ctx context.Context, conn *Connection, msg models.ClientMessage) error {
	conv, err := h.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(conn.UserID()) {
		return fmt.Errorf("not a participant of %s: %w", conv.ID, models.ErrAccessDenied)
	}
	h.rooms.Join(conv.ID, conn)
	h.reply(conn, models.ServerMessage{
		Type:           models.ServerMessageTypeRoomJoined,
		RequestID:      msg.RequestID,
		ConversationID: conv.ID,
	})
	return nil
}

// leave removes conn from the room and ends the user's typing indicator there
// unless another of the user's connections is still joined.
func (h *Hub) leave(conn *Connection, conversationID string) {
	if !h.rooms.Leave(conversationID, conn.ID()) {
		return
	}
	if !h.rooms.HasUser(conversationID, conn.UserID()) {
		h.typing.Stop(conversationID, conn.UserID(), "")
	}
}

// ConversationUpdated removes connections of users that are no longer
// participants from the conversation room. Each receives room-left and any
// typing indicator they held there ends. It returns the number of evicted
// connections.
func (h *Hub) ConversationUpdated(conv models.Conversation) int {
	evicted := h.rooms.Evict(conv.ID, conv.HasParticipant)
	stopped := make(map[string]bool)
	for _, conn := range evicted {
		if err := conn.Send(models.ServerMessage{Type: models.ServerMessageTypeRoomLeft, ConversationID: conv.ID}); err != nil {
			h.logger.Warn("room-left send failed", "conn_id", conn.ID(), "conversation_id", conv.ID, "error", err)
		}
		if !stopped[conn.UserID()] {
			stopped[conn.UserID()] = true
			h.typing.Stop(conv.ID, conn.UserID(), "")
		}
	}
	if len(evicted) > 0 {
		h.logger.Info("evicted former participants", "conversation_id", conv.ID, "connections", len(evicted))
	}
	return len(evicted)
}

// Disconnect purges every trace of conn: room memberships, typing indicators
// the user can no longer clear and the registry entry, which announces the
// user offline when it was the last connection.
func (h *Hub) Disconnect(conn *Connection) {
	h.rooms.LeaveAll(conn.ID())
	h.typing.ConnectionClosed(conn.UserID(), func(conversationID string) bool {
		return h.rooms.HasUser(conversationID, conn.UserID())
	})
	h.registry.Unregister(conn.ID())
}

func (h *Hub) replyWith(conn *Connection, requestID string) func(models.ServerMessage, error) error {
	return func(event models.ServerMessage, err error) error {
		if err != nil {
			return err
		}
		event.RequestID = requestID
		h.reply(conn, event)
		return nil
	}
}

func (h *Hub) reply(conn *Connection, msg models.ServerMessage) {
	if err := conn.Send(msg); err != nil {
		h.logger.Warn("reply failed", "conn_id", conn.ID(), "user_id", conn.UserID(), "type", msg.Type, "error", err)
	}
}
