// Package presence derives online/away/busy/offline status from connection
// counts and explicit user requests.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/samber/lo"
)

// Broadcaster delivers a message to every live connection not owned by
// exceptUserID. An empty exceptUserID reaches everyone.
type Broadcaster interface {
	BroadcastExceptUser(msg models.ServerMessage, exceptUserID string) int
}

// Record is the presence state of one user.
// Status is offline if and only if Connections is zero.
type Record struct {
	UserID       string            `json:"userId"`
	Status       models.UserStatus `json:"status"`
	Connections  int               `json:"connections"`
	LastActivity int64             `json:"lastActivity"` // Unix timestamp (seconds)
}

type Tracker struct {
	records     map[string]*Record
	broadcaster Broadcaster
	now         func() time.Time

	mu sync.Mutex
}

func New(broadcaster Broadcaster) *Tracker {
	return &Tracker{
		records:     make(map[string]*Record),
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// OnConnectionCountChanged is invoked by the connection registry. It emits
// user-online when the count rises from zero and user-offline when it reaches
// zero; other changes are silent. It reports whether a transition happened.
func (t *Tracker) OnConnectionCountChanged(userID string, count int) bool {
	t.mu.Lock()
	rec, known := t.records[userID]
	var msg models.ServerMessage
	switch {
	case count > 0 && !known:
		t.records[userID] = &Record{
			UserID:       userID,
			Status:       models.UserStatusOnline,
			Connections:  count,
			LastActivity: t.now().Unix(),
		}
		msg = models.ServerMessage{Type: models.ServerMessageTypeUserOnline, UserID: userID}
	case count > 0:
		rec.Connections = count
		t.mu.Unlock()
		return false
	case known:
		delete(t.records, userID)
		msg = models.ServerMessage{Type: models.ServerMessageTypeUserOffline, UserID: userID}
	default:
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	if t.broadcaster != nil {
		// The user's own new connection gets the snapshot instead.
		t.broadcaster.BroadcastExceptUser(msg, userID)
	}
	return true
}

// SetStatus applies an explicit status request and broadcasts user-status to
// every connection on an actual change. Users without a live connection are
// ignored. Offline cannot be requested: it follows from the connection count.
func (t *Tracker) SetStatus(userID string, status models.UserStatus) (Record, bool, error) {
	if !status.Valid() || status == models.UserStatusOffline {
		return Record{}, false, fmt.Errorf("status %q: %w", status, models.ErrInvalidStatus)
	}

	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok {
		t.mu.Unlock()
		return Record{UserID: userID, Status: models.UserStatusOffline}, false, nil
	}
	rec.LastActivity = t.now().Unix()
	if rec.Status == status {
		snapshot := *rec
		t.mu.Unlock()
		return snapshot, false, nil
	}
	rec.Status = status
	snapshot := *rec
	t.mu.Unlock()

	if t.broadcaster != nil {
		t.broadcaster.BroadcastExceptUser(models.ServerMessage{
			Type:   models.ServerMessageTypeUserStatus,
			UserID: userID,
			Status: status,
		}, "")
	}
	return snapshot, true, nil
}

// Touch records activity for an online user.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		rec.LastActivity = t.now().Unix()
	}
}

// Get returns the presence record of a user; unknown users are offline.
func (t *Tracker) Get(userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		return *rec
	}
	return Record{UserID: userID, Status: models.UserStatusOffline}
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[userID]
	return ok
}

// Snapshot returns the sorted IDs of online users, without exceptUserID.
func (t *Tracker) Snapshot(exceptUserID string) []string {
	t.mu.Lock()
	ids := lo.Without(lo.Keys(t.records), exceptUserID)
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Records returns every online user's record sorted by user ID.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	result := lo.MapToSlice(t.records, func(_ string, rec *Record) Record { return *rec })
	t.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}
