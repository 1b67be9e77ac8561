package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	stateSent      = "sent"
	stateDelivered = "delivered"
	stateRead      = "read"
)

// stateRank defines the total order sent < delivered < read. Transitions to
// an earlier or equal rank are no-ops, never errors.
var stateRank = map[string]int{
	stateSent:      0,
	stateDelivered: 1,
	stateRead:      2,
}

// deliveryRecord is the per-recipient acknowledgement state of one message.
type deliveryRecord struct {
	state       string
	deliveredAt int64 // unix millis, 0 until set
	readAt      int64
}

type messageEntry struct {
	mu         sync.Mutex
	senderId   string
	recipients map[string]*deliveryRecord
}

// DeliveryChangedEvent is published to delivery.changed.{senderId} on every
// effective state transition.
type DeliveryChangedEvent struct {
	EventId     string `json:"eventId"`
	MessageId   string `json:"messageId"`
	RecipientId string `json:"recipientId"`
	SenderId    string `json:"senderId"`
	State       string `json:"state"`
	Timestamp   int64  `json:"timestamp"`
}

// RecordSnapshot is one persisted delivery record row.
type RecordSnapshot struct {
	MessageId   string
	RecipientId string
	SenderId    string
	State       string
	DeliveredAt int64
	ReadAt      int64
}

// deliveryTracker is the per-message, per-recipient delivery state machine.
// Mutations for one message are serialized by that message's lock; different
// messages are acknowledged fully in parallel.
type deliveryTracker struct {
	mu       sync.RWMutex
	messages map[string]*messageEntry

	// onChange is invoked with the message's entry lock held.
	onChange func(DeliveryChangedEvent)
	// onDirty marks a record for the next durable flush.
	onDirty func(messageId, recipientId string)
}

func newDeliveryTracker() *deliveryTracker {
	return &deliveryTracker{messages: make(map[string]*messageEntry)}
}

func (t *deliveryTracker) entry(messageId string) *messageEntry {
	t.mu.RLock()
	e, ok := t.messages[messageId]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.messages[messageId]; ok {
		return e
	}
	e = &messageEntry{recipients: make(map[string]*deliveryRecord)}
	t.messages[messageId] = e
	return e
}

func (t *deliveryTracker) lookup(messageId string) *messageEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messages[messageId]
}

// RecordSent creates one record per recipient at state sent. Called once at
// fanout time; repeated calls leave existing records untouched.
func (t *deliveryTracker) RecordSent(messageId, senderId string, recipientIds []string) {
	if messageId == "" || len(recipientIds) == 0 {
		return
	}
	e := t.entry(messageId)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.senderId == "" {
		e.senderId = senderId
	}
	for _, rid := range recipientIds {
		if rid == "" {
			continue
		}
		if _, ok := e.recipients[rid]; ok {
			continue
		}
		e.recipients[rid] = &deliveryRecord{state: stateSent}
		if t.onDirty != nil {
			t.onDirty(messageId, rid)
		}
	}
}

// MarkDelivered advances sent → delivered. Anything else is a no-op: a
// duplicate ack, or a delivered ack arriving after a read ack from another
// device, must not regress state.
func (t *deliveryTracker) MarkDelivered(messageId, recipientId string) {
	e := t.lookup(messageId)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.recipients[recipientId]
	if !ok || stateRank[r.state] >= stateRank[stateDelivered] {
		return
	}
	r.state = stateDelivered
	r.deliveredAt = time.Now().UnixMilli()
	t.changedLocked(e, messageId, recipientId, stateDelivered)
}

// MarkRead advances to read, skipping over delivered if the delivered ack
// never arrived. Idempotent.
func (t *deliveryTracker) MarkRead(messageId, recipientId string) {
	e := t.lookup(messageId)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.recipients[recipientId]
	if !ok || r.state == stateRead {
		return
	}
	now := time.Now().UnixMilli()
	if r.deliveredAt == 0 {
		// read implies delivered
		r.deliveredAt = now
	}
	r.state = stateRead
	r.readAt = now
	t.changedLocked(e, messageId, recipientId, stateRead)
}

func (t *deliveryTracker) changedLocked(e *messageEntry, messageId, recipientId, state string) {
	if t.onDirty != nil {
		t.onDirty(messageId, recipientId)
	}
	if t.onChange != nil {
		t.onChange(DeliveryChangedEvent{
			EventId:     uuid.NewString(),
			MessageId:   messageId,
			RecipientId: recipientId,
			SenderId:    e.senderId,
			State:       state,
			Timestamp:   time.Now().UnixMilli(),
		})
	}
}

// Status returns the recipientId → state snapshot. Empty for unknown messages.
func (t *deliveryTracker) Status(messageId string) map[string]string {
	out := make(map[string]string)
	e := t.lookup(messageId)
	if e == nil {
		return out
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for rid, r := range e.recipients {
		out[rid] = r.state
	}
	return out
}

// Aggregate returns the minimum state across all recipients: a message is
// only "read" once every recipient has read it.
func (t *deliveryTracker) Aggregate(messageId string) (string, bool) {
	e := t.lookup(messageId)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recipients) == 0 {
		return "", false
	}
	min := stateRead
	for _, r := range e.recipients {
		if stateRank[r.state] < stateRank[min] {
			min = r.state
		}
	}
	return min, true
}

// Snapshot returns the persisted fields for one record.
func (t *deliveryTracker) Snapshot(messageId, recipientId string) (RecordSnapshot, bool) {
	e := t.lookup(messageId)
	if e == nil {
		return RecordSnapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.recipients[recipientId]
	if !ok {
		return RecordSnapshot{}, false
	}
	return RecordSnapshot{
		MessageId:   messageId,
		RecipientId: recipientId,
		SenderId:    e.senderId,
		State:       r.state,
		DeliveredAt: r.deliveredAt,
		ReadAt:      r.readAt,
	}, true
}

// seedRecord rehydrates a persisted record at boot. No events.
func (t *deliveryTracker) seedRecord(snap RecordSnapshot) {
	if stateRank[snap.State] == 0 && snap.State != stateSent {
		return
	}
	e := t.entry(snap.MessageId)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.senderId == "" {
		e.senderId = snap.SenderId
	}
	e.recipients[snap.RecipientId] = &deliveryRecord{
		state:       snap.State,
		deliveredAt: snap.DeliveredAt,
		readAt:      snap.ReadAt,
	}
}

func (t *deliveryTracker) messageCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}
