// Package typing tracks who is typing in which conversation.
package typing

import (
	"sort"
	"sync"
	"time"

	"parley/internal/models"
)

// RoomBroadcaster delivers a message to the members of a conversation.
type RoomBroadcaster interface {
	Broadcast(conversationID string, msg models.ServerMessage, excludeConnID string) int
}

// Indicator is an active typing record.
type Indicator struct {
	ConversationID string
	UserID         string
	Username       string
	ConnID         string
	StartedAt      time.Time
}

type key struct {
	conversationID string
	userID         string
}

type record struct {
	Indicator
	gen   uint64
	timer *time.Timer
}

type Coordinator struct {
	// At most one record per (conversation, user).
	records map[key]*record
	rooms   RoomBroadcaster
	// Zero disables expiry.
	timeout time.Duration
	gen     uint64
	now     func() time.Time

	// Held while broadcasting so start/stop order is preserved for observers.
	mu sync.Mutex
}

func New(rooms RoomBroadcaster, timeout time.Duration) *Coordinator {
	return &Coordinator{
		records: make(map[key]*record),
		rooms:   rooms,
		timeout: timeout,
		now:     time.Now,
	}
}

// Start upserts the typing record for (conversationID, userID) and broadcasts
// user-typing to the room, excluding the originating connection. Repeated
// starts refresh the record and its expiry without re-broadcasting.
func (c *Coordinator) Start(conversationID, userID, username, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{conversationID, userID}
	c.gen++
	existing, refresh := c.records[k]
	if refresh && existing.timer != nil {
		existing.timer.Stop()
	}

	rec := &record{
		Indicator: Indicator{
			ConversationID: conversationID,
			UserID:         userID,
			Username:       username,
			ConnID:         connID,
			StartedAt:      c.now(),
		},
		gen: c.gen,
	}
	if c.timeout > 0 {
		gen := rec.gen
		rec.timer = time.AfterFunc(c.timeout, func() { c.expire(k, gen) })
	}
	c.records[k] = rec

	if refresh && existing.Username == username {
		return
	}
	c.rooms.Broadcast(conversationID, models.ServerMessage{
		Type:           models.ServerMessageTypeUserTyping,
		ConversationID: conversationID,
		UserID:         userID,
		Username:       username,
		IsTyping:       true,
	}, connID)
}

// Stop removes the record and broadcasts the stop. Without a record it is a no-op.
func (c *Coordinator) Stop(conversationID, userID, connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(key{conversationID, userID}, connID)
}

func (c *Coordinator) stopLocked(k key, excludeConnID string) bool {
	rec, ok := c.records[k]
	if !ok {
		return false
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(c.records, k)

	c.rooms.Broadcast(k.conversationID, models.ServerMessage{
		Type:           models.ServerMessageTypeUserTyping,
		ConversationID: k.conversationID,
		UserID:         k.userID,
		IsTyping:       false,
	}, excludeConnID)
	return true
}

func (c *Coordinator) expire(k key, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[k]
	if !ok || rec.gen != gen {
		return
	}
	c.stopLocked(k, rec.ConnID)
}

// ConnectionClosed synthesizes a stop for every record of userID whose
// conversation no longer holds any connection of that user. stillJoined is
// consulted after the closed connection has left its rooms. It returns the
// conversations that were stopped.
func (c *Coordinator) ConnectionClosed(userID string, stillJoined func(conversationID string) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stopped []string
	for k := range c.records {
		if k.userID != userID {
			continue
		}
		if stillJoined != nil && stillJoined(k.conversationID) {
			continue
		}
		c.stopLocked(k, "")
		stopped = append(stopped, k.conversationID)
	}
	sort.Strings(stopped)
	return stopped
}

// IsTyping reports whether the user has an active record in the conversation.
func (c *Coordinator) IsTyping(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[key{conversationID, userID}]
	return ok
}

// Typing returns the active indicators of a conversation sorted by user ID.
func (c *Coordinator) Typing(conversationID string) []Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []Indicator
	for k, rec := range c.records {
		if k.conversationID == conversationID {
			result = append(result, rec.Indicator)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// Close stops all expiry timers without broadcasting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, rec := range c.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(c.records, k)
	}
}
