package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// connTracker is a thread-safe in-memory mirror of the PRESENCE_CONN KV
// bucket maintained by presence-service. Fanout targets sessions, not users:
// a session that is not in here misses the event and re-syncs via snapshot
// pull on reconnect.
type connTracker struct {
	mu    sync.RWMutex
	conns map[string]map[string]bool // userId → set of connIds
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]map[string]bool)}
}

func (ct *connTracker) add(userId, connId string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.conns[userId] == nil {
		ct.conns[userId] = make(map[string]bool)
	}
	ct.conns[userId][connId] = true
}

func (ct *connTracker) remove(userId, connId string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conns, ok := ct.conns[userId]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(ct.conns, userId)
		}
	}
}

// sessions returns the live connIds for a user.
func (ct *connTracker) sessions(userId string) []string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	conns := ct.conns[userId]
	if len(conns) == 0 {
		return nil
	}
	result := make([]string, 0, len(conns))
	for id := range conns {
		result = append(result, id)
	}
	return result
}

func (ct *connTracker) total() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	total := 0
	for _, conns := range ct.conns {
		total += len(conns)
	}
	return total
}

func (ct *connTracker) reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conns = make(map[string]map[string]bool)
}

// watchConnKV mirrors the PRESENCE_CONN bucket into the connTracker: an
// initial pass seeds current sessions, then puts and deletes (including KV
// TTL expirations) keep it current.
func watchConnKV(ctx context.Context, connKV nats.KeyValue, ct *connTracker) {
	watcher, err := connKV.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Failed to start PRESENCE_CONN watcher", "error", err)
		return
	}

	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		parts := strings.SplitN(entry.Key(), ".", 2)
		if len(parts) == 2 {
			ct.add(parts[0], parts[1])
		}
	}
	watcher.Stop()
	slog.Info("Conn tracker seeded from PRESENCE_CONN KV")

	watcher, err = connKV.WatchAll()
	if err != nil {
		slog.Error("Failed to restart PRESENCE_CONN watcher with deletes", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			parts := strings.SplitN(entry.Key(), ".", 2)
			if len(parts) != 2 {
				continue
			}
			userId, connId := parts[0], parts[1]
			switch entry.Operation() {
			case nats.KeyValuePut:
				ct.add(userId, connId)
			case nats.KeyValueDelete, nats.KeyValuePurge:
				ct.remove(userId, connId)
			}
		}
	}
}

// hydrateRoomMembership populates the dualMembership from the ROOMS KV bucket.
// Builds into a temporary dualMembership then atomically swaps — no
// partial-result window. Keys are formatted as "{room}.{userId}".
func hydrateRoomMembership(kv nats.KeyValue, mem *dualMembership) {
	tmp := newDualMembership()
	watcher, err := kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Failed to start ROOMS KV watcher for hydration", "error", err)
		return
	}
	defer watcher.Stop()

	count := 0
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		key := entry.Key()
		dotIdx := strings.LastIndex(key, ".")
		if dotIdx < 0 {
			continue
		}
		tmp.add(key[:dotIdx], key[dotIdx+1:])
		count++
	}
	mem.swapFrom(tmp)
	slog.Info("Hydrated room membership from ROOMS KV", "entries", count)
}

// bindRoomsKV retries binding to the ROOMS KV bucket until the membership
// store creates it.
func bindRoomsKV(js nats.JetStreamContext) (nats.KeyValue, error) {
	var kv nats.KeyValue
	var err error
	for attempt := 1; attempt <= 60; attempt++ {
		kv, err = js.KeyValue("ROOMS")
		if err == nil {
			slog.Info("Bound to ROOMS KV bucket")
			return kv, nil
		}
		if attempt%10 == 1 {
			slog.Info("Waiting for ROOMS KV bucket", "attempt", attempt, "error", err)
		}
		time.Sleep(2 * time.Second)
	}
	return nil, err
}
