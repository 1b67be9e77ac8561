package main

import (
	"fmt"
	"sync"
	"time"
)

const (
	statusOnline  = "online"
	statusBusy    = "busy"
	statusAway    = "away"
	statusOffline = "offline"
)

var validStatuses = map[string]bool{
	"online": true, "away": true, "busy": true, "offline": true,
}

// session is one live transport connection, owned by the registry.
type session struct {
	connectedAt    time.Time
	lastActivityAt time.Time
}

// userEntry holds everything tracked for one user. All mutation for a user
// happens under its own mutex — unrelated users never contend.
type userEntry struct {
	mu           sync.Mutex
	manualStatus string
	lastSeen     time.Time
	deviceCount  int
	sessions     map[string]*session // sessionId → session, diagnostics only
	autoAway     bool                // set by the idle timer, cleared on activity
	idleTimer    *time.Timer
	idleGen      uint64
	lastEmitted  string
}

// PresenceChangedEvent is published to presence.changed.{userId} on every
// effective-status transition.
type PresenceChangedEvent struct {
	EventId   string `json:"eventId"`
	UserId    string `json:"userId"`
	Status    string `json:"status"`
	LastSeen  int64  `json:"lastSeen"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceSnapshot is the request/reply payload for presence.status.{userId}.
type PresenceSnapshot struct {
	UserId   string `json:"userId"`
	Status   string `json:"status"`
	Online   bool   `json:"online"`
	Devices  int    `json:"devices"`
	LastSeen int64  `json:"lastSeen"`
}

// presenceTracker is the process-wide presence store. Entries are created
// lazily on first connection or status change and never removed.
type presenceTracker struct {
	mu    sync.RWMutex
	users map[string]*userEntry

	idleAfter        time.Duration
	heartbeatTimeout time.Duration

	// onChange is invoked with the user's entry lock held, so events for one
	// user are observed in the order they were produced.
	onChange func(PresenceChangedEvent)
	// onStatusDirty marks a user's manual status for the next durable flush.
	onStatusDirty func(userId string)
}

func newPresenceTracker(idleAfter, heartbeatTimeout time.Duration) *presenceTracker {
	return &presenceTracker{
		users:            make(map[string]*userEntry),
		idleAfter:        idleAfter,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// entry returns the user's entry, creating it if needed.
func (t *presenceTracker) entry(userId string) *userEntry {
	t.mu.RLock()
	e, ok := t.users[userId]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.users[userId]; ok {
		return e
	}
	e = &userEntry{
		manualStatus: statusOnline,
		sessions:     make(map[string]*session),
		lastEmitted:  statusOffline,
	}
	t.users[userId] = e
	return e
}

// lookup returns nil for users that were never seen.
func (t *presenceTracker) lookup(userId string) *userEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.users[userId]
}

// effectiveLocked derives the status shown to other users. It is never
// stored: offline wins whenever the user chose it or has no live device.
func (e *userEntry) effectiveLocked() string {
	if e.manualStatus == statusOffline || e.deviceCount == 0 {
		return statusOffline
	}
	if e.autoAway {
		return statusAway
	}
	return e.manualStatus
}

func effectivelyOnline(status string) bool {
	return status != statusOffline
}

// SetManualStatus validates and applies a user-chosen status. Setting the
// same status again is a no-op and emits nothing.
func (t *presenceTracker) SetManualStatus(userId, status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid status %q", status)
	}
	e := t.entry(userId)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manualStatus == status && !e.autoAway {
		return nil
	}
	e.manualStatus = status
	e.autoAway = false
	if status == statusOffline {
		e.lastSeen = time.Now()
	}
	if t.onStatusDirty != nil {
		t.onStatusDirty(userId)
	}
	t.recomputeLocked(userId, e)
	return nil
}

// EffectiveStatus never fails: unknown users are offline.
func (t *presenceTracker) EffectiveStatus(userId string) string {
	e := t.lookup(userId)
	if e == nil {
		return statusOffline
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effectiveLocked()
}

// StatusSnapshot is the pull-based resync read for reconnecting clients.
func (t *presenceTracker) StatusSnapshot(userId string) PresenceSnapshot {
	e := t.lookup(userId)
	if e == nil {
		return PresenceSnapshot{UserId: userId, Status: statusOffline}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	eff := e.effectiveLocked()
	return PresenceSnapshot{
		UserId:   userId,
		Status:   eff,
		Online:   effectivelyOnline(eff),
		Devices:  e.deviceCount,
		LastSeen: e.lastSeen.UnixMilli(),
	}
}

// ManualStatusSnapshot returns the persisted fields for the durable flush.
func (t *presenceTracker) ManualStatusSnapshot(userId string) (status string, lastSeen int64, ok bool) {
	e := t.lookup(userId)
	if e == nil {
		return "", 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manualStatus, e.lastSeen.UnixMilli(), true
}

// seedManualStatus rehydrates a persisted manual status at boot. No events.
func (t *presenceTracker) seedManualStatus(userId, status string, lastSeenMillis int64) {
	if !validStatuses[status] {
		return
	}
	e := t.entry(userId)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manualStatus = status
	if lastSeenMillis > 0 {
		e.lastSeen = time.UnixMilli(lastSeenMillis)
	}
}

func (t *presenceTracker) userCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

func (t *presenceTracker) sessionCount() int {
	t.mu.RLock()
	users := make([]*userEntry, 0, len(t.users))
	for _, e := range t.users {
		users = append(users, e)
	}
	t.mu.RUnlock()
	total := 0
	for _, e := range users {
		e.mu.Lock()
		total += e.deviceCount
		e.mu.Unlock()
	}
	return total
}
