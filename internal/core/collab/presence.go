package collab

import (
	"sync"
)

// RoomPresenceStore is the client-side materialized view of advisory edit
// locks in one room. It is owned by the page/container that joined the room:
// created on join, fed exclusively by subscription callbacks and the join
// snapshot, and discarded on leave. It is advisory UX signaling, not mutual
// exclusion; peers are free to edit a "locked" cell.
type RoomPresenceStore struct {
	mu    sync.RWMutex
	room  string
	locks map[string]PresenceEvent
}

// NewRoomPresenceStore creates an empty presence view for a room.
func NewRoomPresenceStore(room string) *RoomPresenceStore {
	return &RoomPresenceStore{
		room:  room,
		locks: make(map[string]PresenceEvent),
	}
}

// Room returns the room this store tracks.
func (s *RoomPresenceStore) Room() string {
	return s.room
}

// Apply records an editing-start announcement from a peer. A later
// announcement for the same cell overwrites the earlier one; the lock is
// advisory so the newest claim is simply what observers see.
func (s *RoomPresenceStore) Apply(ev PresenceEvent) {
	s.mu.Lock()
	s.locks[ev.Key()] = ev
	s.mu.Unlock()
}

// ApplySnapshot seeds the store with the room's active locks at join time,
// replacing whatever was known before.
func (s *RoomPresenceStore) ApplySnapshot(locks []PresenceEvent) {
	s.mu.Lock()
	s.locks = make(map[string]PresenceEvent, len(locks))
	for _, ev := range locks {
		s.locks[ev.Key()] = ev
	}
	s.mu.Unlock()
}

// Remove clears a lock on an editing-stop announcement. The entry is removed
// only when the stop comes from the recorded holder: a second editor backing
// off must not clear the first editor's advisory claim.
func (s *RoomPresenceStore) Remove(ev PresenceEvent) {
	s.mu.Lock()
	if held, ok := s.locks[ev.Key()]; ok && held.Editor.ID == ev.Editor.ID {
		delete(s.locks, ev.Key())
	}
	s.mu.Unlock()
}

// IsFieldBeingEdited is the synchronous query a cell runs at click time.
func (s *RoomPresenceStore) IsFieldBeingEdited(field string, recordID RecordID) bool {
	s.mu.RLock()
	_, ok := s.locks[LockKey(field, recordID)]
	s.mu.RUnlock()
	return ok
}

// GetEditingUser returns the advisory holder's display identity, if any.
func (s *RoomPresenceStore) GetEditingUser(field string, recordID RecordID) (Editor, bool) {
	s.mu.RLock()
	ev, ok := s.locks[LockKey(field, recordID)]
	s.mu.RUnlock()
	return ev.Editor, ok
}

// Snapshot copies the active locks for presentation-layer rendering.
func (s *RoomPresenceStore) Snapshot() []PresenceEvent {
	s.mu.RLock()
	out := make([]PresenceEvent, 0, len(s.locks))
	for _, ev := range s.locks {
		out = append(out, ev)
	}
	s.mu.RUnlock()
	return out
}

// Len returns the number of active advisory locks.
func (s *RoomPresenceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locks)
}

// Clear drops all state. Called when the owning page leaves the room.
func (s *RoomPresenceStore) Clear() {
	s.mu.Lock()
	s.locks = make(map[string]PresenceEvent)
	s.mu.Unlock()
}
