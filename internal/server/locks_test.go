package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsync/labsync/internal/core/collab"
)

func lockEv(field string, id collab.RecordID, editorID string) collab.PresenceEvent {
	return collab.PresenceEvent{
		Field:     field,
		RecordID:  id,
		Editor:    collab.Editor{ID: editorID, Name: editorID},
		Timestamp: time.Now(),
	}
}

func TestLockRegistryAcquireReportsContention(t *testing.T) {
	r := NewLockRegistry()

	prev, contended := r.Acquire("room", lockEv("unit_price", 42, "u1"), "conn1")
	assert.False(t, contended)
	assert.Empty(t, prev.ID)

	// Advisory: the second editor is recorded, never rejected.
	prev, contended = r.Acquire("room", lockEv("unit_price", 42, "u2"), "conn2")
	assert.True(t, contended)
	assert.Equal(t, "u1", prev.ID)

	locks := r.SnapshotRoom("room")
	require.Len(t, locks, 1)
	assert.Equal(t, "u2", locks[0].Editor.ID)
}

func TestLockRegistryReacquireBySameEditorIsQuiet(t *testing.T) {
	r := NewLockRegistry()
	r.Acquire("room", lockEv("unit_price", 42, "u1"), "conn1")

	_, contended := r.Acquire("room", lockEv("unit_price", 42, "u1"), "conn1")
	assert.False(t, contended)
}

func TestLockRegistryReleaseRequiresOwningConn(t *testing.T) {
	r := NewLockRegistry()
	r.Acquire("room", lockEv("unit_price", 42, "u1"), "conn1")

	assert.False(t, r.Release("room", "unit_price", 42, "conn2"))
	assert.Len(t, r.SnapshotRoom("room"), 1)

	assert.True(t, r.Release("room", "unit_price", 42, "conn1"))
	assert.Empty(t, r.SnapshotRoom("room"))
}

func TestLockRegistryReleaseConnGroupsByRoom(t *testing.T) {
	r := NewLockRegistry()
	r.Acquire("room-a", lockEv("unit_price", 1, "u1"), "conn1")
	r.Acquire("room-a", lockEv("work_hours", 2, "u1"), "conn1")
	r.Acquire("room-b", lockEv("status", 3, "u1"), "conn1")
	r.Acquire("room-a", lockEv("remark", 4, "u2"), "conn2")

	released := r.ReleaseConn("conn1")
	assert.Len(t, released["room-a"], 2)
	assert.Len(t, released["room-b"], 1)

	// conn2's lock survives.
	locks := r.SnapshotRoom("room-a")
	require.Len(t, locks, 1)
	assert.Equal(t, "u2", locks[0].Editor.ID)
}

func TestLockRegistryRoomsAreIsolated(t *testing.T) {
	r := NewLockRegistry()
	r.Acquire("room-a", lockEv("unit_price", 42, "u1"), "conn1")

	_, contended := r.Acquire("room-b", lockEv("unit_price", 42, "u2"), "conn2")
	assert.False(t, contended)
}

func TestLockRegistryManyKeysAcrossShards(t *testing.T) {
	r := NewLockRegistry()
	for i := 0; i < 200; i++ {
		r.Acquire("room", lockEv(fmt.Sprintf("field_%d", i), collab.RecordID(i), "u1"), "conn1")
	}
	assert.Len(t, r.SnapshotRoom("room"), 200)

	released := r.ReleaseConn("conn1")
	assert.Len(t, released["room"], 200)
	assert.Empty(t, r.SnapshotRoom("room"))
}
