package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsync/labsync/internal/core/collab"
	"github.com/labsync/labsync/internal/core/observability/log"
)

type hubFixture struct {
	hub      *Hub
	verifier *TokenVerifier
	srv      *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	verifier := NewTokenVerifier("test-signing-key")
	hub := NewHub(DefaultConfig(), verifier, NewLockRegistry(), log.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return &hubFixture{hub: hub, verifier: verifier, srv: srv}
}

func (f *hubFixture) dial(t *testing.T, room string, editor collab.Editor) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.Issue(editor, time.Minute)
	require.NoError(t, err)

	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?room=" + room + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) collab.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env collab.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var env collab.Envelope
	err := conn.ReadJSON(&env)
	assert.Error(t, err, "expected no frame, got %+v", env)
}

func TestHubRejectsMissingRoomAndToken(t *testing.T) {
	f := newHubFixture(t)

	_, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(f.srv.URL, "http"), nil)
	require.Error(t, err)

	_, _, err = websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(f.srv.URL, "http")+"?room=r&token=bogus", nil)
	require.Error(t, err)
}

func TestHubSendsLockSnapshotOnJoin(t *testing.T) {
	f := newHubFixture(t)

	a := f.dial(t, "commission-form", collab.Editor{ID: "a", Name: "A"})
	env := readEnvelope(t, a)
	require.Equal(t, collab.TypeLockSnapshot, env.Type)
	assert.Empty(t, env.Locks)

	require.NoError(t, a.WriteJSON(collab.Envelope{
		Type:     collab.TypeEditing,
		Presence: &collab.PresenceEvent{Field: "unit_price", RecordID: 42},
	}))

	// A late joiner learns about the lock taken before it arrived.
	require.Eventually(t, func() bool {
		return len(f.hub.locks.SnapshotRoom("commission-form")) == 1
	}, time.Second, 10*time.Millisecond)

	b := f.dial(t, "commission-form", collab.Editor{ID: "b", Name: "B"})
	env = readEnvelope(t, b)
	require.Equal(t, collab.TypeLockSnapshot, env.Type)
	require.Len(t, env.Locks, 1)
	assert.Equal(t, "unit_price", env.Locks[0].Field)
	assert.Equal(t, "a", env.Locks[0].Editor.ID)
}

func TestHubRelaysPresenceToOthersOnly(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "room", collab.Editor{ID: "a", Name: "A"})
	b := f.dial(t, "room", collab.Editor{ID: "b", Name: "B"})
	readEnvelope(t, a) // drain snapshots
	readEnvelope(t, b)

	// The frame claims a forged identity; the hub must stamp the token's.
	require.NoError(t, a.WriteJSON(collab.Envelope{
		Type: collab.TypeEditing,
		Presence: &collab.PresenceEvent{
			Field:    "work_hours",
			RecordID: 7,
			Editor:   collab.Editor{ID: "spoofed", Name: "Spoofed"},
		},
	}))

	env := readEnvelope(t, b)
	require.Equal(t, collab.TypeEditing, env.Type)
	require.NotNil(t, env.Presence)
	assert.Equal(t, "a", env.Presence.Editor.ID)
	assert.Equal(t, "A", env.Presence.Editor.Name)
	assert.False(t, env.Presence.Timestamp.IsZero())

	// The announcer does not hear its own presence echoes.
	expectSilence(t, a)
}

func TestHubRelaysDataUpdateToEveryoneIncludingSender(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "room", collab.Editor{ID: "a", Name: "A"})
	b := f.dial(t, "room", collab.Editor{ID: "b", Name: "B"})
	readEnvelope(t, a)
	readEnvelope(t, b)

	require.NoError(t, a.WriteJSON(collab.Envelope{
		Type: collab.TypeDataUpdate,
		Change: &collab.ChangeEvent{
			Field:    "supervisor_name",
			RecordID: 42,
			NewValue: "Wang",
		},
	}))

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		require.Equal(t, collab.TypeDataUpdate, env.Type)
		require.NotNil(t, env.Change)
		assert.Equal(t, "Wang", env.Change.NewValue)
		assert.Equal(t, "a", env.Change.Editor.ID)
	}
}

func TestHubSynthesizesStopOnDisconnect(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "room", collab.Editor{ID: "a", Name: "A"})
	b := f.dial(t, "room", collab.Editor{ID: "b", Name: "B"})
	readEnvelope(t, a)
	readEnvelope(t, b)

	require.NoError(t, a.WriteJSON(collab.Envelope{
		Type:     collab.TypeEditing,
		Presence: &collab.PresenceEvent{Field: "unit_price", RecordID: 42},
	}))

	env := readEnvelope(t, b)
	require.Equal(t, collab.TypeEditing, env.Type)

	// A dies without announcing stop; observers must not keep a ghost lock.
	require.NoError(t, a.Close())

	env = readEnvelope(t, b)
	require.Equal(t, collab.TypeStopEditing, env.Type)
	require.NotNil(t, env.Presence)
	assert.Equal(t, "unit_price", env.Presence.Field)
	assert.Equal(t, collab.RecordID(42), env.Presence.RecordID)
	assert.Equal(t, "a", env.Presence.Editor.ID)

	assert.Empty(t, f.hub.locks.SnapshotRoom("room"))
}

func TestHubStopReleasesOnlyOwnLock(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "room", collab.Editor{ID: "a", Name: "A"})
	b := f.dial(t, "room", collab.Editor{ID: "b", Name: "B"})
	readEnvelope(t, a)
	readEnvelope(t, b)

	require.NoError(t, a.WriteJSON(collab.Envelope{
		Type:     collab.TypeEditing,
		Presence: &collab.PresenceEvent{Field: "unit_price", RecordID: 42},
	}))
	readEnvelope(t, b)

	// B sends a stop for a cell it never held; A's registry entry stays.
	require.NoError(t, b.WriteJSON(collab.Envelope{
		Type:     collab.TypeStopEditing,
		Presence: &collab.PresenceEvent{Field: "unit_price", RecordID: 42},
	}))

	require.Eventually(t, func() bool {
		locks := f.hub.locks.SnapshotRoom("room")
		return len(locks) == 1 && locks[0].Editor.ID == "a"
	}, time.Second, 10*time.Millisecond)
}

func TestHubRoomIsolation(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "room-one", collab.Editor{ID: "a", Name: "A"})
	b := f.dial(t, "room-two", collab.Editor{ID: "b", Name: "B"})
	readEnvelope(t, a)
	readEnvelope(t, b)

	require.NoError(t, a.WriteJSON(collab.Envelope{
		Type:     collab.TypeEditing,
		Presence: &collab.PresenceEvent{Field: "unit_price", RecordID: 1},
	}))

	expectSilence(t, b)
}
