// Package rooms keeps the set of connections joined to each conversation.
package rooms

import (
	"log/slog"
	"sync"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/samber/lo"
)

type room struct {
	// Map of connectionID -> connection
	members map[string]registry.Conn
	// Serializes broadcasts so every member sees the same event order.
	mu sync.Mutex
}

type Manager struct {
	// Map of conversationID -> room
	rooms map[string]*room

	// Map of connectionID -> joined conversation IDs
	joined map[string]map[string]struct{}

	logger *slog.Logger
	mu     sync.RWMutex
}

func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rooms:  make(map[string]*room),
		joined: make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// Join adds conn to the conversation. It reports false if conn was already a member.
// Authorization is the caller's responsibility.
func (m *Manager) Join(conversationID string, conn registry.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[conversationID]
	if !ok {
		r = &room{members: make(map[string]registry.Conn)}
		m.rooms[conversationID] = r
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[conn.ID()]; exists {
		return false
	}
	r.members[conn.ID()] = conn

	set, ok := m.joined[conn.ID()]
	if !ok {
		set = make(map[string]struct{})
		m.joined[conn.ID()] = set
	}
	set[conversationID] = struct{}{}
	return true
}

// Leave removes a connection from a conversation. Removing a non-member is a no-op.
func (m *Manager) Leave(conversationID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(conversationID, connID)
}

// LeaveAll removes a connection from every room and returns the conversations it left.
func (m *Manager) LeaveAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	left := lo.Keys(m.joined[connID])
	for _, conversationID := range left {
		m.leaveLocked(conversationID, connID)
	}
	return left
}

func (m *Manager) leaveLocked(conversationID, connID string) bool {
	r, ok := m.rooms[conversationID]
	if !ok {
		return false
	}

	r.mu.Lock()
	_, member := r.members[connID]
	delete(r.members, connID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		delete(m.rooms, conversationID)
	}
	if set, ok := m.joined[connID]; ok {
		delete(set, conversationID)
		if len(set) == 0 {
			delete(m.joined, connID)
		}
	}
	return member
}

// Evict removes every member whose user fails keep and returns the removed
// connections.
func (m *Manager) Evict(conversationID string, keep func(userID string) bool) []registry.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[conversationID]
	if !ok {
		return nil
	}
	r.mu.Lock()
	evicted := lo.Filter(lo.Values(r.members), func(conn registry.Conn, _ int) bool {
		return !keep(conn.UserID())
	})
	r.mu.Unlock()

	for _, conn := range evicted {
		m.leaveLocked(conversationID, conn.ID())
	}
	return evicted
}

// Broadcast delivers msg to every member of the conversation except
// excludeConnID. Per-recipient failures are logged and do not stop delivery
// to others. It returns the number of successful deliveries.
func (m *Manager) Broadcast(conversationID string, msg models.ServerMessage, excludeConnID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[conversationID]
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for id, conn := range r.members {
		if id == excludeConnID {
			continue
		}
		if err := conn.Send(msg); err != nil {
			m.logger.Warn("room send failed",
				"conversation_id", conversationID,
				"conn_id", id,
				"type", msg.Type,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// MembersOf returns a snapshot of the connection IDs joined to the conversation.
func (m *Manager) MembersOf(conversationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[conversationID]
	if !ok {
		return []string{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Keys(r.members)
}

// IsMember reports whether the connection is joined to the conversation.
func (m *Manager) IsMember(conversationID, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.joined[connID][conversationID]
	return ok
}

// HasUser reports whether any connection of userID is joined to the conversation.
func (m *Manager) HasUser(conversationID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[conversationID]
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.members {
		if conn.UserID() == userID {
			return true
		}
	}
	return false
}

// RoomsOf returns the conversations a connection is joined to.
func (m *Manager) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.joined[connID])
}

// Len returns the number of non-empty rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
