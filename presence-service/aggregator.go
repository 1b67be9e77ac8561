package main

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// recomputeLocked derives the effective status after any mutation, maintains
// the idle-to-away timer, and forwards the result only when it actually
// changed. Subscribers never see two consecutive identical statuses for the
// same user.
func (t *presenceTracker) recomputeLocked(userId string, e *userEntry) {
	eff := e.effectiveLocked()

	if eff == statusOnline {
		t.armIdleLocked(userId, e)
	} else {
		t.cancelIdleLocked(e)
	}

	if eff == e.lastEmitted {
		return
	}
	e.lastEmitted = eff
	if t.onChange != nil {
		t.onChange(PresenceChangedEvent{
			EventId:   uuid.NewString(),
			UserId:    userId,
			Status:    eff,
			LastSeen:  e.lastSeen.UnixMilli(),
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// armIdleLocked (re)arms the debounced one-shot idle timer. Each arm bumps
// the generation so a stale fire after later activity is ignored.
func (t *presenceTracker) armIdleLocked(userId string, e *userEntry) {
	if t.idleAfter <= 0 {
		return
	}
	e.idleGen++
	gen := e.idleGen
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(t.idleAfter, func() {
		t.idleFired(userId, gen)
	})
}

func (t *presenceTracker) cancelIdleLocked(e *userEntry) {
	e.idleGen++
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}

// idleFired marks a still-online, still-connected user as away. A timer
// failure degrades to "idle detection disabled until next activity" for this
// user only; it must never take down the serialization path.
func (t *presenceTracker) idleFired(userId string, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Idle timer handler panicked", "user", userId, "panic", r)
		}
	}()

	e := t.lookup(userId)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.idleGen {
		return // superseded by activity or cancellation
	}
	e.idleTimer = nil
	if e.deviceCount == 0 || e.autoAway || e.manualStatus != statusOnline {
		return
	}
	e.autoAway = true
	t.recomputeLocked(userId, e)
}
