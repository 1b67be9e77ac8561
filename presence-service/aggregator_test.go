package main

import (
	"testing"
	"time"
)

func TestIdleTransitionsToAwayOnce(t *testing.T) {
	tracker, rec := newTestTracker(40 * time.Millisecond)
	tracker.OnConnect("alice", "s1")

	time.Sleep(120 * time.Millisecond)

	want := []string{statusOnline, statusAway}
	got := rec.statuses()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	// The one-shot must not fire again
	time.Sleep(80 * time.Millisecond)
	if got := rec.statuses(); len(got) != 2 {
		t.Errorf("Expected no further events, got %v", got)
	}
}

func TestHeartbeatCancelsIdleTimer(t *testing.T) {
	tracker, rec := newTestTracker(60 * time.Millisecond)
	tracker.OnConnect("alice", "s1")

	time.Sleep(30 * time.Millisecond)
	tracker.OnHeartbeat("alice", "s1")

	// Past the original deadline but inside the re-armed window
	time.Sleep(40 * time.Millisecond)
	if got := tracker.EffectiveStatus("alice"); got != statusOnline {
		t.Errorf("Expected alice still online after heartbeat, got %q", got)
	}
	if got := rec.statuses(); len(got) != 1 {
		t.Errorf("Expected zero events from the cancelled timer, got %v", got)
	}
}

func TestActivityWhileAutoAwayReturnsOnline(t *testing.T) {
	tracker, rec := newTestTracker(30 * time.Millisecond)
	tracker.OnConnect("alice", "s1")

	time.Sleep(80 * time.Millisecond)
	if got := tracker.EffectiveStatus("alice"); got != statusAway {
		t.Fatalf("Expected auto-away, got %q", got)
	}

	tracker.OnHeartbeat("alice", "s1")
	if got := tracker.EffectiveStatus("alice"); got != statusOnline {
		t.Errorf("Expected immediate return to online on activity, got %q", got)
	}

	want := []string{statusOnline, statusAway, statusOnline}
	got := rec.statuses()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func TestManualAwaySticksThroughActivity(t *testing.T) {
	tracker, rec := newTestTracker(0)
	tracker.OnConnect("alice", "s1")
	tracker.SetManualStatus("alice", statusAway)
	tracker.OnHeartbeat("alice", "s1")

	if got := tracker.EffectiveStatus("alice"); got != statusAway {
		t.Errorf("Expected manually chosen away to stick, got %q", got)
	}
	got := rec.statuses()
	if len(got) != 2 || got[1] != statusAway {
		t.Errorf("Expected [online away], got %v", got)
	}
}

func TestDisconnectCancelsIdleTimer(t *testing.T) {
	tracker, rec := newTestTracker(30 * time.Millisecond)
	tracker.OnConnect("alice", "s1")
	tracker.OnDisconnect("alice", "s1")

	time.Sleep(80 * time.Millisecond)

	got := rec.statuses()
	if len(got) != 2 || got[1] != statusOffline {
		t.Fatalf("Expected [online offline] with no away, got %v", got)
	}
}

func TestNoDuplicateAdjacentEvents(t *testing.T) {
	tracker, rec := newTestTracker(25 * time.Millisecond)

	tracker.OnConnect("alice", "s1")
	tracker.OnConnect("alice", "s2")
	tracker.SetManualStatus("alice", statusBusy)
	tracker.SetManualStatus("alice", statusBusy)
	tracker.OnDisconnect("alice", "s1")
	tracker.SetManualStatus("alice", statusOnline)
	time.Sleep(70 * time.Millisecond) // auto-away fires
	tracker.OnHeartbeat("alice", "s2")
	tracker.OnDisconnect("alice", "s2")
	tracker.OnDisconnect("alice", "s2")

	got := rec.statuses()
	if len(got) == 0 {
		t.Fatal("Expected events")
	}
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Errorf("Adjacent duplicate status %q at positions %d,%d: %v", got[i], i-1, i, got)
		}
	}
	if got[len(got)-1] != statusOffline {
		t.Errorf("Expected final status offline, got %v", got)
	}
}
