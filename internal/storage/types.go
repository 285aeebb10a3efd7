package storage

import (
	"encoding"
	"encoding/binary"

	"parley/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBSession struct {
	TokenHash string `msgpack:"tokenHash"`
	UserID    string `msgpack:"userId"`
	Username  string `msgpack:"username"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

func (s *DBSession) Key() []byte {
	return []byte(s.TokenHash)
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBConversation struct {
	ID           string   `msgpack:"id"`
	Participants []string `msgpack:"participants"`
	LastSeq      int64    `msgpack:"lastSeq"`
	CreatedAt    int64    `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:           c.ID,
		Participants: c.Participants,
		LastSeq:      c.LastSeq,
		CreatedAt:    c.CreatedAt,
	}
}

type DBMessage struct {
	ID             string         `msgpack:"id"`
	ConversationID string         `msgpack:"conversationId"`
	Seq            int64          `msgpack:"seq"`
	SenderID       string         `msgpack:"senderId"`
	Content        string         `msgpack:"content"`
	HTML           string         `msgpack:"html"`
	Attachments    []DBAttachment `msgpack:"attachments"`
	CreatedAt      int64          `msgpack:"createdAt"`
	DeliveredAt    int64          `msgpack:"deliveredAt"`
	ReadBy         []string       `msgpack:"readBy"`
	Reactions      []DBReaction   `msgpack:"reactions"`
	EditedAt       int64          `msgpack:"editedAt"`
	EditHistory    []DBEdit       `msgpack:"editHistory"`
	DeletedAt      int64          `msgpack:"deletedAt"`
	DeletedBy      string         `msgpack:"deletedBy"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	URL      string `msgpack:"url"`
	Size     int64  `msgpack:"size"`
}

// DBReaction stores only the user set; counts are derived on read.
type DBReaction struct {
	Emoji string   `msgpack:"emoji"`
	Users []string `msgpack:"users"`
}

type DBEdit struct {
	Content  string `msgpack:"content"`
	EditedAt int64  `msgpack:"editedAt"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

// SeqKey is the key of the message in its conversation timeline bucket.
func (m *DBMessage) SeqKey() []byte {
	return seqKey(m.Seq)
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) reactions() []models.Reaction {
	reactions := make([]models.Reaction, len(m.Reactions))
	for i, r := range m.Reactions {
		reactions[i] = models.Reaction{Emoji: r.Emoji, Users: r.Users}
	}
	return models.NormalizeReactions(reactions)
}

func (m *DBMessage) setReactions(reactions []models.Reaction) {
	m.Reactions = nil
	for _, r := range reactions {
		m.Reactions = append(m.Reactions, DBReaction{Emoji: r.Emoji, Users: r.Users})
	}
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Content:        m.Content,
		HTML:           m.HTML,
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadBy:         m.ReadBy,
		Reactions:      m.reactions(),
		Edited:         m.EditedAt != 0,
		EditedAt:       m.EditedAt,
		Deleted:        m.DeletedAt != 0,
		DeletedAt:      m.DeletedAt,
		DeletedBy:      m.DeletedBy,
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				URL:      a.URL,
				Size:     a.Size,
			}
		}
	}
	return msg
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	Auth     string `msgpack:"auth"`
	P256dh   string `msgpack:"p256dh"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
