package storage

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketTimeline      = []byte("timeline")
	bucketSessions      = []byte("sessions")
	bucketPush          = []byte("push")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketTimeline, bucketSessions, bucketPush} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertConversation saves the conversation and its participant list.
// An existing conversation keeps its sequence counter and creation time.
func (s *BboltStorage) UpsertConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	if conv.ID == "" {
		return models.Conversation{}, fmt.Errorf("conversation id is empty: %w", models.ErrValidation)
	}

	var saved DBConversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if data := b.Get([]byte(conv.ID)); data != nil {
			if err := saved.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
		} else {
			saved = DBConversation{ID: conv.ID, CreatedAt: s.now().Unix()}
		}
		saved.Participants = slices.Clone(conv.Participants)
		return putRecord(b, &saved)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return saved.toModel(), nil
}

// GetConversation returns the conversation or ErrNotFound.
func (s *BboltStorage) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	var conv DBConversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getConversation(tx, conversationID, &conv)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv.toModel(), nil
}

// ListConversations returns all conversations stored in the database.
func (s *BboltStorage) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var conv DBConversation
			if err := conv.UnmarshalBinary(v); err != nil {
				return err
			}
			convs = append(convs, conv.toModel())
			return nil
		})
	})
	return convs, err
}

// CreateMessage assigns the next sequence number of the conversation, stores
// the message and advances the conversation LastSeq in one transaction.
func (s *BboltStorage) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	var dbMessage DBMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var conv DBConversation
		if err := getConversation(tx, msg.ConversationID, &conv); err != nil {
			return err
		}
		if !conv.toModel().HasParticipant(msg.SenderID) {
			return fmt.Errorf("user %s is not a participant of %s: %w", msg.SenderID, msg.ConversationID, models.ErrAccessDenied)
		}

		conv.LastSeq++
		dbMessage = DBMessage{
			ID:             uuid.NewString(),
			ConversationID: msg.ConversationID,
			Seq:            conv.LastSeq,
			SenderID:       msg.SenderID,
			Content:        msg.Content,
			HTML:           msg.HTML,
			CreatedAt:      s.now().Unix(),
		}
		for _, a := range msg.Attachments {
			dbMessage.Attachments = append(dbMessage.Attachments, DBAttachment{
				Type:     string(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				URL:      a.URL,
				Size:     a.Size,
			})
		}

		if err := putRecord(tx.Bucket(bucketMessages), &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		timeline, err := tx.Bucket(bucketTimeline).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create timeline bucket: %w", err)
		}
		if err := timeline.Put(dbMessage.SeqKey(), dbMessage.Key()); err != nil {
			return fmt.Errorf("failed to put timeline entry: %w", err)
		}
		return putRecord(tx.Bucket(bucketConversations), &conv)
	})
	if err != nil {
		return models.Message{}, err
	}
	return dbMessage.toModel(), nil
}

// GetMessage returns the message or ErrNotFound.
func (s *BboltStorage) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var dbMessage DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getMessage(tx, messageID, &dbMessage)
	})
	if err != nil {
		return models.Message{}, err
	}
	return dbMessage.toModel(), nil
}

// ListMessages returns conversation messages with from <= seq <= to.
func (s *BboltStorage) ListMessages(ctx context.Context, conversationID string, from, to int64) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		timeline := tx.Bucket(bucketTimeline).Bucket([]byte(conversationID))
		if timeline == nil {
			return nil // No messages for this conversation
		}
		maxKey := seqKey(to)
		c := timeline.Cursor()
		for k, id := c.Seek(seqKey(from)); k != nil && bytes.Compare(k, maxKey) <= 0; k, id = c.Next() {
			var dbMessage DBMessage
			if err := getMessage(tx, string(id), &dbMessage); err != nil {
				return err
			}
			messages = append(messages, dbMessage.toModel())
		}
		return nil
	})
	return messages, err
}

// MarkDelivered sets the delivered-at timestamp once. The boolean reports
// whether the message changed; acknowledging an already delivered, deleted
// or own message is a no-op.
func (s *BboltStorage) MarkDelivered(ctx context.Context, messageID, userID string) (models.Message, bool, error) {
	return s.updateMessage(ctx, messageID, userID, func(m *DBMessage) (bool, error) {
		if m.DeliveredAt != 0 || m.SenderID == userID || m.DeletedAt != 0 {
			return false, nil
		}
		m.DeliveredAt = s.now().Unix()
		return true, nil
	})
}

// MarkRead adds userID to the reader set. Reading implies delivery.
// Deleted messages are left unchanged.
func (s *BboltStorage) MarkRead(ctx context.Context, messageID, userID string) (models.Message, bool, error) {
	return s.updateMessage(ctx, messageID, userID, func(m *DBMessage) (bool, error) {
		if m.SenderID == userID || m.DeletedAt != 0 || slices.Contains(m.ReadBy, userID) {
			return false, nil
		}
		m.ReadBy = append(m.ReadBy, userID)
		if m.DeliveredAt == 0 {
			m.DeliveredAt = s.now().Unix()
		}
		return true, nil
	})
}

// SetReaction applies the one-reaction-per-user rule and returns the message
// with its canonical reaction set.
func (s *BboltStorage) SetReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, error) {
	msg, _, err := s.updateMessage(ctx, messageID, userID, func(m *DBMessage) (bool, error) {
		if m.DeletedAt != 0 {
			return false, models.ErrMessageDeleted
		}
		m.setReactions(models.ApplyReaction(m.reactions(), userID, emoji))
		return true, nil
	})
	return msg, err
}

// EditContent replaces the content of a message owned by editorID and keeps
// the previous revision in the edit history.
func (s *BboltStorage) EditContent(ctx context.Context, messageID, editorID, content, html string) (models.Message, error) {
	msg, _, err := s.updateMessage(ctx, messageID, editorID, func(m *DBMessage) (bool, error) {
		if m.SenderID != editorID {
			return false, fmt.Errorf("only the sender can edit a message: %w", models.ErrAccessDenied)
		}
		if m.DeletedAt != 0 {
			return false, models.ErrMessageDeleted
		}
		if content == "" {
			return false, fmt.Errorf("content cannot be empty: %w", models.ErrValidation)
		}
		now := s.now().Unix()
		m.EditHistory = append(m.EditHistory, DBEdit{Content: m.Content, EditedAt: now})
		m.Content = content
		m.HTML = html
		m.EditedAt = now
		return true, nil
	})
	return msg, err
}

// SoftDelete marks a message owned by deleterID as deleted and clears its
// content. Deleting twice is rejected.
func (s *BboltStorage) SoftDelete(ctx context.Context, messageID, deleterID string) (models.Message, error) {
	msg, _, err := s.updateMessage(ctx, messageID, deleterID, func(m *DBMessage) (bool, error) {
		if m.SenderID != deleterID {
			return false, fmt.Errorf("only the sender can delete a message: %w", models.ErrAccessDenied)
		}
		if m.DeletedAt != 0 {
			return false, models.ErrMessageDeleted
		}
		m.DeletedAt = s.now().Unix()
		m.DeletedBy = deleterID
		m.Content = ""
		m.HTML = ""
		m.Attachments = nil
		m.EditHistory = nil
		m.Reactions = nil
		return true, nil
	})
	return msg, err
}

// updateMessage loads a message, checks that userID participates in its
// conversation and persists it when fn reports a change.
func (s *BboltStorage) updateMessage(ctx context.Context, messageID, userID string, fn func(*DBMessage) (bool, error)) (models.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, false, err
	}

	var (
		dbMessage DBMessage
		changed   bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := getMessage(tx, messageID, &dbMessage); err != nil {
			return err
		}
		var conv DBConversation
		if err := getConversation(tx, dbMessage.ConversationID, &conv); err != nil {
			return err
		}
		if !conv.toModel().HasParticipant(userID) {
			return fmt.Errorf("user %s is not a participant of %s: %w", userID, conv.ID, models.ErrAccessDenied)
		}

		var err error
		changed, err = fn(&dbMessage)
		if err != nil || !changed {
			return err
		}
		return putRecord(tx.Bucket(bucketMessages), &dbMessage)
	})
	if err != nil {
		return models.Message{}, false, err
	}
	return dbMessage.toModel(), changed, nil
}

// UpsertSession stores a session under the hash of its token.
func (s *BboltStorage) UpsertSession(tokenHash string, session models.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketSessions), &DBSession{
			TokenHash: tokenHash,
			UserID:    session.UserID,
			Username:  session.Username,
			ExpiresAt: session.ExpiresAt,
		})
	})
}

func (s *BboltStorage) DeleteSession(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(tokenHash))
	})
}

// ListSessions returns stored sessions keyed by token hash.
func (s *BboltStorage) ListSessions() (map[string]models.Session, error) {
	sessions := make(map[string]models.Session)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var dbSession DBSession
			if err := dbSession.UnmarshalBinary(v); err != nil {
				return err
			}
			sessions[dbSession.TokenHash] = models.Session{
				UserID:    dbSession.UserID,
				Username:  dbSession.Username,
				ExpiresAt: dbSession.ExpiresAt,
			}
			return nil
		})
	})
	return sessions, err
}

func putRecord(b *bbolt.Bucket, record Storeable) error {
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(record.Key(), data)
}

func getConversation(tx *bbolt.Tx, conversationID string, conv *DBConversation) error {
	data := tx.Bucket(bucketConversations).Get([]byte(conversationID))
	if data == nil {
		return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}
	if err := conv.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return nil
}

func getMessage(tx *bbolt.Tx, messageID string, msg *DBMessage) error {
	data := tx.Bucket(bucketMessages).Get([]byte(messageID))
	if data == nil {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	if err := msg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}
