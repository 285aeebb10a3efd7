// Package registry tracks live connections and the users that own them.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"parley/internal/models"

	"github.com/samber/lo"
)

var (
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn is a non-owning handle to a live transport session.
// Send must not block: it enqueues the message or fails.
type Conn interface {
	ID() string
	UserID() string
	Send(msg models.ServerMessage) error
}

// CountCallback is invoked with a user's connection count after every
// register/unregister. Calls are serialized in the order the changes happened.
type CountCallback func(userID string, count int)

type Config struct {
	OnCountChanged CountCallback
	Logger         *slog.Logger
}

type entry struct {
	conn   Conn
	userID string
}

type Registry struct {
	// Map of connectionID -> registered connection
	conns map[string]entry

	// Map of userID -> set of connection IDs
	users map[string]map[string]struct{}

	onCountChanged CountCallback
	logger         *slog.Logger

	// notifyMu orders count changes together with their callbacks.
	notifyMu sync.Mutex
	mu       sync.RWMutex
}

func New(config Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:          make(map[string]entry),
		users:          make(map[string]map[string]struct{}),
		onCountChanged: config.OnCountChanged,
		logger:         logger,
	}
}

// Register associates conn with userID and returns the user's connection
// count afterwards. Registering an already registered connection is a no-op.
func (r *Registry) Register(conn Conn, userID string) int {
	return r.RegisterWith(conn, userID, nil)
}

// RegisterWith is Register followed by onRegistered, which runs before any
// later count change is announced. It is not called for duplicates.
func (r *Registry) RegisterWith(conn Conn, userID string, onRegistered func(count int)) int {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if existing, ok := r.conns[conn.ID()]; ok {
		count := len(r.users[existing.userID])
		r.mu.Unlock()
		return count
	}
	r.conns[conn.ID()] = entry{conn: conn, userID: userID}
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[conn.ID()] = struct{}{}
	count := len(set)
	r.mu.Unlock()

	if r.onCountChanged != nil {
		r.onCountChanged(userID, count)
	}
	if onRegistered != nil {
		onRegistered(count)
	}
	return count
}

// Unregister removes a connection. It returns the owning user and the user's
// remaining connection count; ok is false for unknown connections.
func (r *Registry) Unregister(connID string) (userID string, remaining int, ok bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", 0, false
	}
	delete(r.conns, connID)
	set := r.users[e.userID]
	delete(set, connID)
	remaining = len(set)
	if remaining == 0 {
		delete(r.users, e.userID)
	}
	r.mu.Unlock()

	if r.onCountChanged != nil {
		r.onCountChanged(e.userID, remaining)
	}
	return e.userID, remaining, true
}

// UserOf returns the user owning a registered connection.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	return e.userID, ok
}

// ConnectionsOf returns the IDs of the user's live connections.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users[userID])
}

// Count returns the number of live connections of a user.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Users returns every user with at least one live connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users)
}

// Broadcast sends msg to every registered connection except excludeConnID.
// A failing recipient is logged and skipped. It returns the number of
// successful deliveries.
func (r *Registry) Broadcast(msg models.ServerMessage, excludeConnID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, e := range r.conns {
		if id == excludeConnID {
			continue
		}
		if err := e.conn.Send(msg); err != nil {
			r.logger.Warn("broadcast send failed",
				"conn_id", id,
				"user_id", e.userID,
				"type", msg.Type,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastExceptUser sends msg to every registered connection not owned by
// exceptUserID.
func (r *Registry) BroadcastExceptUser(msg models.ServerMessage, exceptUserID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, e := range r.conns {
		if exceptUserID != "" && e.userID == exceptUserID {
			continue
		}
		if err := e.conn.Send(msg); err != nil {
			r.logger.Warn("broadcast send failed",
				"conn_id", id,
				"user_id", e.userID,
				"type", msg.Type,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToUser sends msg to every connection of userID.
func (r *Registry) SendToUser(userID string, msg models.ServerMessage) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id := range r.users[userID] {
		if err := r.conns[id].conn.Send(msg); err != nil {
			r.logger.Warn("user send failed", "conn_id", id, "user_id", userID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
