package main

import (
	"time"
)

// OnConnect registers a live session. The first device flips the user to
// connected and produces a presence-change candidate.
func (t *presenceTracker) OnConnect(userId, sessionId string) {
	e := t.entry(userId)
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[sessionId]; ok {
		// Duplicate connect for a known session counts as activity.
		s.lastActivityAt = now
		return
	}
	e.sessions[sessionId] = &session{connectedAt: now, lastActivityAt: now}
	e.deviceCount++
	e.autoAway = false
	t.recomputeLocked(userId, e)
}

// OnDisconnect removes a session. Unknown users and sessions are a no-op:
// a disconnect can race a connect that never registered.
func (t *presenceTracker) OnDisconnect(userId, sessionId string) {
	e := t.lookup(userId)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t.disconnectLocked(userId, e, sessionId)
}

func (t *presenceTracker) disconnectLocked(userId string, e *userEntry, sessionId string) {
	if _, ok := e.sessions[sessionId]; !ok {
		return
	}
	delete(e.sessions, sessionId)
	e.deviceCount--
	if e.deviceCount == 0 {
		e.lastSeen = time.Now()
		e.autoAway = false
	}
	t.recomputeLocked(userId, e)
}

// OnHeartbeat refreshes a session's activity stamp. Activity returns an
// auto-away user to online immediately.
func (t *presenceTracker) OnHeartbeat(userId, sessionId string) {
	e := t.lookup(userId)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionId]
	if !ok {
		return
	}
	s.lastActivityAt = time.Now()
	e.autoAway = false
	t.recomputeLocked(userId, e)
}

// SweepExpired force-disconnects sessions that missed their heartbeats.
// Unclean transports never send a close, so the sweep is what eventually
// takes those users offline. Returns the "userId.sessionId" keys removed.
func (t *presenceTracker) SweepExpired() []string {
	cutoff := time.Now().Add(-t.heartbeatTimeout)
	t.mu.RLock()
	users := make(map[string]*userEntry, len(t.users))
	for id, e := range t.users {
		users[id] = e
	}
	t.mu.RUnlock()

	var expired []string
	for userId, e := range users {
		e.mu.Lock()
		for sessionId, s := range e.sessions {
			if s.lastActivityAt.Before(cutoff) {
				t.disconnectLocked(userId, e, sessionId)
				expired = append(expired, userId+"."+sessionId)
			}
		}
		e.mu.Unlock()
	}
	return expired
}
