package main

import (
	"sync"
)

// dualMembership tracks room membership with both forward and reverse indexes.
// Forward: room → set of userIds (for member listing)
// Reverse: userId → set of rooms (for O(1) contact resolution)
type dualMembership struct {
	mu    sync.RWMutex
	rooms map[string]map[string]bool // forward: room → users
	users map[string]map[string]bool // reverse: user → rooms
}

func newDualMembership() *dualMembership {
	return &dualMembership{
		rooms: make(map[string]map[string]bool),
		users: make(map[string]map[string]bool),
	}
}

func (m *dualMembership) add(room, userId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]bool)
	}
	m.rooms[room][userId] = true
	if m.users[userId] == nil {
		m.users[userId] = make(map[string]bool)
	}
	m.users[userId][room] = true
}

func (m *dualMembership) remove(room, userId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.rooms[room]; ok {
		delete(members, userId)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	if rooms, ok := m.users[userId]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(m.users, userId)
		}
	}
}

// contacts returns every user who shares at least one room with userId,
// excluding userId itself — the set entitled to see its presence changes.
func (m *dualMembership) contacts(userId string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := m.users[userId]
	if len(rooms) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	for room := range rooms {
		for member := range m.rooms[room] {
			if member != userId {
				seen[member] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	result := make([]string, 0, len(seen))
	for uid := range seen {
		result = append(result, uid)
	}
	return result
}

func (m *dualMembership) roomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *dualMembership) totalMembers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, members := range m.rooms {
		total += len(members)
	}
	return total
}

func (m *dualMembership) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[string]map[string]bool)
	m.users = make(map[string]map[string]bool)
}

// swapFrom atomically replaces membership data with another instance's data.
func (m *dualMembership) swapFrom(other *dualMembership) {
	other.mu.RLock()
	rooms := other.rooms
	users := other.users
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = rooms
	m.users = users
}
