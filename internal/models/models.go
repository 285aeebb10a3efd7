package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrValidation       = errors.New("validation failed")
	ErrMessageDeleted   = errors.New("message deleted")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrRateLimited      = errors.New("rate limited")
)

// MaxContentLength is the default upper bound on message content, in runes.
const MaxContentLength = 10000

// UserStatus is the presence status of a user.
type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusAway    UserStatus = "away"
	UserStatusBusy    UserStatus = "busy"
	UserStatusOffline UserStatus = "offline"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusOnline, UserStatusAway, UserStatusBusy, UserStatusOffline:
		return true
	}
	return false
}

// Conversation is a persisted conversation and its participants.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	LastSeq      int64    `json:"lastSeq"`
	CreatedAt    int64    `json:"createdAt"`
}

// HasParticipant reports whether userID may take part in the conversation.
// A conversation with no participant list is open to everyone.
func (c Conversation) HasParticipant(userID string) bool {
	if len(c.Participants) == 0 {
		return true
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// MessageStatus is the delivery state of a message as observed by the core.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Message represents a persisted chat message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Seq            int64        `json:"seq"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	HTML           string       `json:"html,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      int64        `json:"createdAt"`             // Unix timestamp (seconds)
	DeliveredAt    int64        `json:"deliveredAt,omitempty"` // Unix timestamp (seconds)
	ReadBy         []string     `json:"readBy,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
	Edited         bool         `json:"edited,omitempty"`
	EditedAt       int64        `json:"editedAt,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
	DeletedAt      int64        `json:"deletedAt,omitempty"`
	DeletedBy      string       `json:"deletedBy,omitempty"`
}

// Status derives sent -> delivered -> read. Edited and deleted are orthogonal.
func (m Message) Status() MessageStatus {
	switch {
	case len(m.ReadBy) > 0:
		return MessageStatusRead
	case m.DeliveredAt != 0:
		return MessageStatusDelivered
	default:
		return MessageStatusSent
	}
}

// NewMessage is the input to message persistence.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	HTML           string
	Attachments    []Attachment
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeVideo AttachmentType = "video"
	AttachmentTypeAudio AttachmentType = "audio"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type" validate:"required,oneof=image video audio file"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	URL      string         `json:"url" validate:"required,max=2048"`
	Size     int64          `json:"size,omitempty"`
}

// ClientMessage represents a message sent from the client to the server.
type ClientMessage struct {
	Type           ClientMessageType `json:"type" validate:"required"`
	RequestID      string            `json:"requestId,omitempty" validate:"max=64"`
	ConversationID string            `json:"conversationId,omitempty" validate:"required,max=128"`
	MessageID      string            `json:"messageId,omitempty" validate:"required,max=128"`
	UserID         string            `json:"userId,omitempty" validate:"max=128"`
	Username       string            `json:"username,omitempty" validate:"max=128"`
	Content        string            `json:"content,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty" validate:"max=16,dive"`
	Emoji          string            `json:"emoji,omitempty" validate:"required,max=32"`
	Status         UserStatus        `json:"status,omitempty" validate:"required,oneof=online away busy offline"`
}

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type           ServerMessageType `json:"type"`
	RequestID      string            `json:"requestId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	UserIDs        []string          `json:"userIds,omitempty"`
	Username       string            `json:"username,omitempty"`
	IsTyping       bool              `json:"isTyping,omitempty"`
	Status         UserStatus        `json:"status,omitempty"`
	MessageID      string            `json:"messageId,omitempty"`
	Message        *Message          `json:"message,omitempty"`
	Reactions      []Reaction        `json:"reactions,omitempty"`
	DeliveredAt    int64             `json:"deliveredAt,omitempty"`
	Code           ErrorCode         `json:"code,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// MarshalJSON always writes the payload fields an event type carries, even
// when they are empty or false.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	type plain ServerMessage
	switch m.Type {
	case ServerMessageTypeOnlineUsers:
		return json.Marshal(struct {
			plain
			UserIDs []string `json:"userIds"`
		}{plain(m), nonNil(m.UserIDs)})
	case ServerMessageTypeUserTyping:
		return json.Marshal(struct {
			plain
			IsTyping bool `json:"isTyping"`
		}{plain(m), m.IsTyping})
	case ServerMessageTypeReactionUpdated:
		return json.Marshal(struct {
			plain
			Reactions []Reaction `json:"reactions"`
		}{plain(m), nonNil(m.Reactions)})
	default:
		return json.Marshal(plain(m))
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type ClientMessageType string

const (
	ClientMessageTypeAuthenticate ClientMessageType = "authenticate-presence"
	ClientMessageTypeJoin         ClientMessageType = "join-room"
	ClientMessageTypeLeave        ClientMessageType = "leave-room"
	ClientMessageTypeSend         ClientMessageType = "send-message"
	ClientMessageTypeTypingStart  ClientMessageType = "typing-start"
	ClientMessageTypeTypingStop   ClientMessageType = "typing-stop"
	ClientMessageTypeAckDelivered ClientMessageType = "ack-delivered"
	ClientMessageTypeAckRead      ClientMessageType = "ack-read"
	ClientMessageTypeReact        ClientMessageType = "react"
	ClientMessageTypeSetStatus    ClientMessageType = "set-status"
	ClientMessageTypeEdit         ClientMessageType = "edit-message"
	ClientMessageTypeDelete       ClientMessageType = "delete-message"
)

type ServerMessageType string

const (
	ServerMessageTypeOnlineUsers      ServerMessageType = "online-users-snapshot"
	ServerMessageTypeUserOnline       ServerMessageType = "user-online"
	ServerMessageTypeUserOffline      ServerMessageType = "user-offline"
	ServerMessageTypeUserStatus       ServerMessageType = "user-status"
	ServerMessageTypeUserTyping       ServerMessageType = "user-typing"
	ServerMessageTypeNewMessage       ServerMessageType = "new-message"
	ServerMessageTypeMessageSent      ServerMessageType = "message-sent"
	ServerMessageTypeMessageDelivered ServerMessageType = "message-delivered"
	ServerMessageTypeMessageRead      ServerMessageType = "message-read"
	ServerMessageTypeMessageEdited    ServerMessageType = "message-edited"
	ServerMessageTypeMessageDeleted   ServerMessageType = "message-deleted"
	ServerMessageTypeReactionUpdated  ServerMessageType = "reaction-updated"
	ServerMessageTypeRoomJoined       ServerMessageType = "room-joined"
	ServerMessageTypeRoomLeft         ServerMessageType = "room-left"
	ServerMessageTypeError            ServerMessageType = "error"
)

type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeAccessDenied     ErrorCode = "access_denied"
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeMessageDeleted   ErrorCode = "message_deleted"
	ErrorCodeNotAuthenticated ErrorCode = "not_authenticated"
	ErrorCodeRateLimited      ErrorCode = "rate_limited"
	ErrorCodeInternal         ErrorCode = "internal"
)

// CodeOf maps an error to the code reported to clients.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrAccessDenied):
		return ErrorCodeAccessDenied
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidStatus):
		return ErrorCodeValidation
	case errors.Is(err, ErrMessageDeleted):
		return ErrorCodeMessageDeleted
	case errors.Is(err, ErrNotAuthenticated):
		return ErrorCodeNotAuthenticated
	case errors.Is(err, ErrRateLimited):
		return ErrorCodeRateLimited
	default:
		return ErrorCodeInternal
	}
}

// ErrorReply builds the error message returned to the originating connection only.
func ErrorReply(requestID string, err error) ServerMessage {
	code := CodeOf(err)
	text := err.Error()
	if code == ErrorCodeInternal {
		text = "internal error"
	}
	return ServerMessage{
		Type:      ServerMessageTypeError,
		RequestID: requestID,
		Code:      code,
		Error:     text,
	}
}

// PushSubscription is a browser push endpoint registered by a user.
type PushSubscription struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
	P256dh   string `json:"p256dh"`
}

// Session is an authenticated identity bound to a token.
type Session struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	ExpiresAt int64  `json:"expiresAt"` // Unix timestamp (seconds)
}
