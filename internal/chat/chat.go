// Package chat publishes messages to conversation rooms and tracks delivery,
// read and reaction state of persisted messages.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/content"
	"parley/internal/models"
)

// Store is the message persistence collaborator.
type Store interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	MarkDelivered(ctx context.Context, messageID, userID string) (models.Message, bool, error)
	MarkRead(ctx context.Context, messageID, userID string) (models.Message, bool, error)
	SetReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, error)
	EditContent(ctx context.Context, messageID, editorID, content, html string) (models.Message, error)
	SoftDelete(ctx context.Context, messageID, deleterID string) (models.Message, error)
}

type RoomBroadcaster interface {
	Broadcast(conversationID string, msg models.ServerMessage, excludeConnID string) int
}

// Notifier is told about every published message, after fan-out.
// Implementations must not block.
type Notifier interface {
	MessagePublished(msg models.Message)
}

// Origin identifies the connection an event came from.
type Origin struct {
	ConnID string
	UserID string
}

type Config struct {
	Store            Store
	Rooms            RoomBroadcaster
	Notifier         Notifier
	PersistTimeout   time.Duration
	MaxContentLength int
	Logger           *slog.Logger
}

type Engine struct {
	store          Store
	rooms          RoomBroadcaster
	notifier       Notifier
	persistTimeout time.Duration
	maxContent     int
	logger         *slog.Logger
}

func New(config Config) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.PersistTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{
		store:          config.Store,
		rooms:          config.Rooms,
		notifier:       config.Notifier,
		persistTimeout: timeout,
		maxContent:     config.MaxContentLength,
		logger:         logger,
	}
}

// Publish persists a message and broadcasts it to the conversation room,
// skipping only the originating connection. Nothing is broadcast if
// persistence fails.
func (e *Engine) Publish(ctx context.Context, origin Origin, conversationID, text string, attachments []models.Attachment) (models.Message, error) {
	text, err := content.PrepareMessage(text, attachments, e.maxContent)
	if err != nil {
		return models.Message{}, err
	}
	html, err := content.Render(text)
	if err != nil {
		return models.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	msg, err := e.store.CreateMessage(ctx, models.NewMessage{
		ConversationID: conversationID,
		SenderID:       origin.UserID,
		Content:        text,
		HTML:           html,
		Attachments:    attachments,
	})
	if err != nil {
		e.logFailure("failed to persist message", err, "conversation_id", conversationID, "user_id", origin.UserID)
		return models.Message{}, fmt.Errorf("failed to create message: %w", err)
	}

	e.rooms.Broadcast(msg.ConversationID, models.ServerMessage{
		Type:           models.ServerMessageTypeNewMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}, origin.ConnID)

	if e.notifier != nil {
		e.notifier.MessagePublished(msg)
	}
	return msg, nil
}

// MarkDelivered records delivery and returns the resulting event. The event is
// broadcast only when the persisted state changed.
func (e *Engine) MarkDelivered(ctx context.Context, origin Origin, messageID string) (models.ServerMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	msg, changed, err := e.store.MarkDelivered(ctx, messageID, origin.UserID)
	if err != nil {
		e.logFailure("failed to mark message delivered", err, "message_id", messageID, "user_id", origin.UserID)
		return models.ServerMessage{}, err
	}
	if msg.Deleted {
		return models.ServerMessage{}, models.ErrMessageDeleted
	}

	event := models.ServerMessage{
		Type:           models.ServerMessageTypeMessageDelivered,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		DeliveredAt:    msg.DeliveredAt,
	}
	if changed {
		e.rooms.Broadcast(msg.ConversationID, event, origin.ConnID)
	}
	return event, nil
}

// MarkRead adds the origin user to the reader set. Repeated reads by the same
// user do not broadcast again.
func (e *Engine) MarkRead(ctx context.Context, origin Origin, messageID string) (models.ServerMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	msg, changed, err := e.store.MarkRead(ctx, messageID, origin.UserID)
	if err != nil {
		e.logFailure("failed to mark message read", err, "message_id", messageID, "user_id", origin.UserID)
		return models.ServerMessage{}, err
	}
	if msg.Deleted {
		return models.ServerMessage{}, models.ErrMessageDeleted
	}

	event := models.ServerMessage{
		Type:           models.ServerMessageTypeMessageRead,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         origin.UserID,
	}
	if changed {
		e.rooms.Broadcast(msg.ConversationID, event, origin.ConnID)
	}
	return event, nil
}

// React applies the emoji selection of the origin user and returns the
// canonical reaction set of the message.
func (e *Engine) React(ctx context.Context, origin Origin, messageID, emoji string) (models.ServerMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	msg, err := e.store.SetReaction(ctx, messageID, origin.UserID, emoji)
	if err != nil {
		e.logFailure("failed to set reaction", err, "message_id", messageID, "user_id", origin.UserID)
		return models.ServerMessage{}, err
	}

	event := models.ServerMessage{
		Type:           models.ServerMessageTypeReactionUpdated,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Reactions:      msg.Reactions,
	}
	e.rooms.Broadcast(msg.ConversationID, event, origin.ConnID)
	return event, nil
}

// Edit replaces the content of a message sent by the origin user.
func (e *Engine) Edit(ctx context.Context, origin Origin, messageID, text string) (models.ServerMessage, error) {
	text, err := content.PrepareEdit(text, e.maxContent)
	if err != nil {
		return models.ServerMessage{}, err
	}
	html, err := content.Render(text)
	if err != nil {
		return models.ServerMessage{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	msg, err := e.store.EditContent(ctx, messageID, origin.UserID, text, html)
	if err != nil {
		e.logFailure("failed to edit message", err, "message_id", messageID, "user_id", origin.UserID)
		return models.ServerMessage{}, err
	}

	event := models.ServerMessage{
		Type:           models.ServerMessageTypeMessageEdited,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Message:        &msg,
	}
	e.rooms.Broadcast(msg.ConversationID, event, origin.ConnID)
	return event, nil
}

// Delete soft-deletes a message sent by the origin user. No further events
// are broadcast for the message afterwards.
func (e *Engine) Delete(ctx context.Context, origin Origin, messageID string) (models.ServerMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	msg, err := e.store.SoftDelete(ctx, messageID, origin.UserID)
	if err != nil {
		e.logFailure("failed to delete message", err, "message_id", messageID, "user_id", origin.UserID)
		return models.ServerMessage{}, err
	}

	event := models.ServerMessage{
		Type:           models.ServerMessageTypeMessageDeleted,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	}
	e.rooms.Broadcast(msg.ConversationID, event, origin.ConnID)
	return event, nil
}

// logFailure logs rejected requests at Warn and everything else at Error.
func (e *Engine) logFailure(msg string, err error, args ...any) {
	level := slog.LevelError
	if models.CodeOf(err) != models.ErrorCodeInternal {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, msg, append(args, "error", err)...)
}
