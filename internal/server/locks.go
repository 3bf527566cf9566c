package server

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/labsync/labsync/internal/core/collab"
)

const lockShardCount = 16

// lockEntry is the authoritative server-side record of one advisory edit
// lock: who holds it and over which connection, so a dying connection can
// have its locks retracted for the whole room.
type lockEntry struct {
	Room      string
	Field     string
	RecordID  collab.RecordID
	Editor    collab.Editor
	ConnID    string
	StartedAt time.Time
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]lockEntry
}

// LockRegistry is the hub's authoritative view of active advisory edit locks
// across all rooms, sharded by hash of the composite room/cell key. The
// registry exists so joining clients get a snapshot and disconnects get
// cleaned up; it never refuses a second editor, the lock stays advisory.
type LockRegistry struct {
	shards [lockShardCount]*lockShard
}

func NewLockRegistry() *LockRegistry {
	r := &LockRegistry{}
	for i := range r.shards {
		r.shards[i] = &lockShard{locks: make(map[string]lockEntry)}
	}
	return r
}

func (r *LockRegistry) shard(key string) *lockShard {
	return r.shards[xxhash.Sum64String(key)%lockShardCount]
}

func registryKey(room, field string, recordID collab.RecordID) string {
	return room + "/" + collab.LockKey(field, recordID)
}

// Acquire records an editing-start announcement. A concurrent holder is
// overwritten, not rejected; the previous holder is returned so callers can
// observe contention.
func (r *LockRegistry) Acquire(room string, ev collab.PresenceEvent, connID string) (prev collab.Editor, contended bool) {
	key := registryKey(room, ev.Field, ev.RecordID)
	s := r.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[key]; ok && held.Editor.ID != ev.Editor.ID {
		prev, contended = held.Editor, true
	}
	s.locks[key] = lockEntry{
		Room:      room,
		Field:     ev.Field,
		RecordID:  ev.RecordID,
		Editor:    ev.Editor,
		ConnID:    connID,
		StartedAt: ev.Timestamp,
	}
	return prev, contended
}

// Release clears a lock on an explicit stop announcement, but only when the
// stop comes from the connection that holds it; a backing-off second editor
// must not clear the first editor's claim.
func (r *LockRegistry) Release(room, field string, recordID collab.RecordID, connID string) bool {
	key := registryKey(room, field, recordID)
	s := r.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[key]
	if !ok || held.ConnID != connID {
		return false
	}
	delete(s.locks, key)
	return true
}

// ReleaseConn drops every lock the connection held and returns them grouped
// by room, so the hub can synthesize stop-editing broadcasts on disconnect.
func (r *LockRegistry) ReleaseConn(connID string) map[string][]collab.PresenceEvent {
	released := make(map[string][]collab.PresenceEvent)
	for _, s := range r.shards {
		s.mu.Lock()
		for key, held := range s.locks {
			if held.ConnID != connID {
				continue
			}
			delete(s.locks, key)
			released[held.Room] = append(released[held.Room], collab.PresenceEvent{
				Field:     held.Field,
				RecordID:  held.RecordID,
				Editor:    held.Editor,
				Timestamp: held.StartedAt,
			})
		}
		s.mu.Unlock()
	}
	return released
}

// SnapshotRoom lists the room's active locks for the join-time snapshot.
func (r *LockRegistry) SnapshotRoom(room string) []collab.PresenceEvent {
	var out []collab.PresenceEvent
	for _, s := range r.shards {
		s.mu.Lock()
		for _, held := range s.locks {
			if held.Room != room {
				continue
			}
			out = append(out, collab.PresenceEvent{
				Field:     held.Field,
				RecordID:  held.RecordID,
				Editor:    held.Editor,
				Timestamp: held.StartedAt,
			})
		}
		s.mu.Unlock()
	}
	return out
}
