package main

import (
	"sync"
	"testing"
)

type deliveryRecorder struct {
	mu     sync.Mutex
	events []DeliveryChangedEvent
}

func (r *deliveryRecorder) record(evt DeliveryChangedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *deliveryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestDeliveryTracker() (*deliveryTracker, *deliveryRecorder) {
	rec := &deliveryRecorder{}
	t := newDeliveryTracker()
	t.onChange = rec.record
	return t, rec
}

func TestRecordSentCreatesRecords(t *testing.T) {
	tracker, rec := newTestDeliveryTracker()
	tracker.RecordSent("m1", "alice", []string{"bob", "carol"})

	status := tracker.Status("m1")
	if len(status) != 2 || status["bob"] != stateSent || status["carol"] != stateSent {
		t.Errorf("Expected both recipients at sent, got %v", status)
	}
	if rec.count() != 0 {
		t.Errorf("Expected no events at record creation, got %d", rec.count())
	}
}

func TestDeliveredThenRead(t *testing.T) {
	tracker, rec := newTestDeliveryTracker()
	tracker.RecordSent("m1", "alice", []string{"bob"})
	tracker.MarkDelivered("m1", "bob")
	tracker.MarkRead("m1", "bob")

	if got := tracker.Status("m1")["bob"]; got != stateRead {
		t.Errorf("Expected read, got %q", got)
	}
	if rec.count() != 2 {
		t.Errorf("Expected 2 events (delivered, read), got %d", rec.count())
	}

	snap, _ := tracker.Snapshot("m1", "bob")
	if snap.DeliveredAt == 0 || snap.ReadAt == 0 {
		t.Errorf("Expected both timestamps set, got %+v", snap)
	}
}

func TestReadSkipsDelivered(t *testing.T) {
	tracker, rec := newTestDeliveryTracker()
	tracker.RecordSent("m1", "alice", []string{"bob", "carol"})
	tracker.MarkRead("m1", "bob")

	status := tracker.Status("m1")
	if status["bob"] != stateRead {
		t.Errorf("Expected bob at read in one step, got %q", status["bob"])
	}
	if status["carol"] != stateSent {
		t.Errorf("Expected carol untouched at sent, got %q", status["carol"])
	}

	// read implies delivered
	snap, _ := tracker.Snapshot("m1", "bob")
	if snap.DeliveredAt == 0 {
		t.Error("Expected deliveredAt stamped when read skips delivered")
	}

	// a late delivered ack from another device must not regress
	tracker.MarkDelivered("m1", "bob")
	if got := tracker.Status("m1")["bob"]; got != stateRead {
		t.Errorf("Expected read after late delivered ack, got %q", got)
	}
	if rec.count() != 1 {
		t.Errorf("Expected exactly one event, got %d", rec.count())
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	tracker, rec := newTestDeliveryTracker()
	tracker.RecordSent("m1", "alice", []string{"bob"})
	tracker.MarkRead("m1", "bob")
	first, _ := tracker.Snapshot("m1", "bob")

	tracker.MarkRead("m1", "bob")
	second, _ := tracker.Snapshot("m1", "bob")

	if first != second {
		t.Errorf("Expected identical state after duplicate markRead: %+v vs %+v", first, second)
	}
	if rec.count() != 1 {
		t.Errorf("Expected at most one event, got %d", rec.count())
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	tracker, rec := newTestDeliveryTracker()
	tracker.RecordSent("m1", "alice", []string{"bob"})
	tracker.MarkDelivered("m1", "bob")
	tracker.MarkDelivered("m1", "bob")

	if got := tracker.Status("m1")["bob"]; got != stateDelivered {
		t.Errorf("Expected delivered, got %q", got)
	}
	if rec.count() != 1 {
		t.Errorf("Expected one event, got %d", rec.count())
	}
}

func TestAggregateIsMinimum(t *testing.T) {
	tracker, _ := newTestDeliveryTracker()
	tracker.RecordSent("m1", "alice", []string{"bob", "carol"})
	tracker.MarkRead("m1", "bob")

	agg, ok := tracker.Aggregate("m1")
	if !ok || agg != stateSent {
		t.Errorf("Expected aggregate sent, got %q ok=%v", agg, ok)
	}

	tracker.MarkDelivered("m1", "carol")
	if agg, _ := tracker.Aggregate("m1"); agg != stateDelivered {
		t.Errorf("Expected aggregate delivered, got %q", agg)
	}

	tracker.MarkRead("m1", "carol")
	if agg, _ := tracker.Aggregate("m1"); agg != stateRead {
		t.Errorf("Expected aggregate read, got %q", agg)
	}
}

func TestUnknownIdsAreNoops(t *testing.T) {
	tracker, rec := newTestDeliveryTracker()
	tracker.MarkDelivered("ghost", "bob")
	tracker.MarkRead("ghost", "bob")

	tracker.RecordSent("m1", "alice", []string{"bob"})
	tracker.MarkRead("m1", "stranger")

	if rec.count() != 0 {
		t.Errorf("Expected no events for unknown ids, got %d", rec.count())
	}
	if _, ok := tracker.Aggregate("ghost"); ok {
		t.Error("Expected no aggregate for unknown message")
	}
	if len(tracker.Status("ghost")) != 0 {
		t.Error("Expected empty status for unknown message")
	}
}

func TestRecordSentRepeatDoesNotReset(t *testing.T) {
	tracker, _ := newTestDeliveryTracker()
	tracker.RecordSent("m1", "alice", []string{"bob"})
	tracker.MarkRead("m1", "bob")
	tracker.RecordSent("m1", "alice", []string{"bob", "carol"})

	status := tracker.Status("m1")
	if status["bob"] != stateRead {
		t.Errorf("Expected bob still read after repeated recordSent, got %q", status["bob"])
	}
	if status["carol"] != stateSent {
		t.Errorf("Expected carol added at sent, got %q", status["carol"])
	}
}

func TestSeedRecordRehydrates(t *testing.T) {
	tracker, rec := newTestDeliveryTracker()
	tracker.seedRecord(RecordSnapshot{
		MessageId: "m1", RecipientId: "bob", SenderId: "alice",
		State: stateDelivered, DeliveredAt: 1234,
	})

	if rec.count() != 0 {
		t.Errorf("Expected no events during rehydration, got %d", rec.count())
	}

	// rehydrated state keeps its monotonic position
	tracker.MarkDelivered("m1", "bob")
	if rec.count() != 0 {
		t.Error("Expected duplicate delivered after rehydration to be a no-op")
	}
	tracker.MarkRead("m1", "bob")
	if got := tracker.Status("m1")["bob"]; got != stateRead {
		t.Errorf("Expected read, got %q", got)
	}
}
