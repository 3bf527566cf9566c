package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/labsync/labsync/internal/core/collab"
	"github.com/labsync/labsync/internal/core/observability/log"
)

// member is one websocket connection inside a room. A user with several
// open tabs is several members; presence and cleanup are per connection.
type member struct {
	id     string
	room   string
	editor collab.Editor
	conn   *websocket.Conn
	send   chan collab.Envelope
	done   chan struct{}
	once   sync.Once
}

// close is idempotent. The send channel stays open so concurrent fan-out
// never hits a closed channel; writers drain against done instead.
func (m *member) close() {
	m.once.Do(func() {
		close(m.done)
		_ = m.conn.Close()
	})
}

// Hub is the room-scoped pub/sub transport: it relays advisory edit-lock
// announcements and committed change events between every client viewing the
// same shared dataset page. It keeps an authoritative lock registry so that
// late joiners receive a snapshot and abrupt disconnects are retracted with
// synthesized stop events.
type Hub struct {
	cfg      Config
	verifier *TokenVerifier
	locks    *LockRegistry
	logger   log.Log
	upgrader websocket.Upgrader

	// nodeID tags frames this hub pushes through the cross-node bridge so
	// it can drop its own echoes.
	nodeID string
	bridge *Bridge

	roomsMu sync.RWMutex
	rooms   map[string]map[*member]struct{}

	closed int32

	// counters
	connects int64
	relayed  int64
}

func NewHub(cfg Config, verifier *TokenVerifier, locks *LockRegistry, logger log.Log) *Hub {
	return &Hub{
		cfg:      cfg,
		verifier: verifier,
		locks:    locks,
		logger:   logger.With(log.String("component", "hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		nodeID: uuid.NewString(),
		rooms:  make(map[string]map[*member]struct{}),
	}
}

// NodeID identifies this hub instance on the cross-node bridge.
func (h *Hub) NodeID() string {
	return h.nodeID
}

// SetBridge attaches the optional cross-node fan-out.
func (h *Hub) SetBridge(b *Bridge) {
	h.bridge = b
}

// HandleWS upgrades `/ws?room=<name>&token=<jwt>`. The editor identity comes
// from the verified token only; it is stamped onto every event this
// connection later announces.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.closed) == 1 {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, ErrRoomRequired.Error(), http.StatusBadRequest)
		return
	}

	editor, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", log.Error(err))
		return
	}

	m := &member{
		id:     uuid.NewString(),
		room:   room,
		editor: editor,
		conn:   conn,
		send:   make(chan collab.Envelope, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}

	h.join(m)
	atomic.AddInt64(&h.connects, 1)
	h.logger.Info("member joined",
		log.String("room", room),
		log.String("editor", editor.ID),
		log.String("conn", m.id))

	// Authoritative room state on join: the new member learns about locks
	// taken before it arrived.
	m.send <- collab.Envelope{
		Type:  collab.TypeLockSnapshot,
		Room:  room,
		Locks: h.locks.SnapshotRoom(room),
	}

	go h.writePump(m)
	go h.readPump(m)
}

func (h *Hub) join(m *member) {
	h.roomsMu.Lock()
	if h.rooms[m.room] == nil {
		h.rooms[m.room] = make(map[*member]struct{})
	}
	h.rooms[m.room][m] = struct{}{}
	h.roomsMu.Unlock()
}

func (h *Hub) leave(m *member) {
	h.roomsMu.Lock()
	if members, ok := h.rooms[m.room]; ok {
		delete(members, m)
		if len(members) == 0 {
			delete(h.rooms, m.room)
		}
	}
	h.roomsMu.Unlock()
}

// readPump consumes frames from one connection until it dies, then retracts
// everything the connection held.
func (h *Hub) readPump(m *member) {
	defer func() {
		h.leave(m)
		h.retractLocks(m)
		m.close()
		h.logger.Info("member left",
			log.String("room", m.room),
			log.String("conn", m.id))
	}()

	for {
		var env collab.Envelope
		if err := m.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("read failed", log.String("conn", m.id), log.Error(err))
			}
			return
		}
		if err := h.dispatch(m, env); err != nil {
			h.logger.Warn("frame dropped", log.String("conn", m.id), log.Error(err))
		}
	}
}

// dispatch applies one inbound frame. Presence frames update the registry
// and fan out to everyone else in the room; data updates fan out to everyone
// including the sender's own connections, so all of a writer's tabs
// converge.
func (h *Hub) dispatch(m *member, env collab.Envelope) error {
	switch env.Type {
	case collab.TypeEditing:
		if env.Presence == nil {
			return errors.Wrap(ErrInvalidEnvelope, "editing frame without presence")
		}
		ev := *env.Presence
		ev.Editor = m.editor
		ev.Timestamp = time.Now().UTC()
		h.locks.Acquire(m.room, ev, m.id)
		h.fanOut(m.room, collab.Envelope{Type: collab.TypeEditing, Room: m.room, Presence: &ev}, m)
		return nil

	case collab.TypeStopEditing:
		if env.Presence == nil {
			return errors.Wrap(ErrInvalidEnvelope, "stop frame without presence")
		}
		ev := *env.Presence
		ev.Editor = m.editor
		ev.Timestamp = time.Now().UTC()
		h.locks.Release(m.room, ev.Field, ev.RecordID, m.id)
		h.fanOut(m.room, collab.Envelope{Type: collab.TypeStopEditing, Room: m.room, Presence: &ev}, m)
		return nil

	case collab.TypeDataUpdate:
		if env.Change == nil {
			return errors.Wrap(ErrInvalidEnvelope, "data frame without change")
		}
		ev := *env.Change
		ev.Editor = m.editor
		h.fanOut(m.room, collab.Envelope{Type: collab.TypeDataUpdate, Room: m.room, Change: &ev}, nil)
		return nil

	default:
		return errors.Wrapf(ErrInvalidEnvelope, "type %q", env.Type)
	}
}

// retractLocks synthesizes stop-editing broadcasts for every lock a dying
// connection held, so observers never keep a ghost lock.
func (h *Hub) retractLocks(m *member) {
	for room, events := range h.locks.ReleaseConn(m.id) {
		for i := range events {
			ev := events[i]
			ev.Timestamp = time.Now().UTC()
			h.fanOut(room, collab.Envelope{Type: collab.TypeStopEditing, Room: room, Presence: &ev}, nil)
		}
	}
}

// fanOut queues the envelope on every local room member except the excluded
// one and republishes it on the bridge. A member with a full send queue is
// skipped; per-connection order is preserved, global order is not promised.
func (h *Hub) fanOut(room string, env collab.Envelope, except *member) {
	h.roomsMu.RLock()
	members := make([]*member, 0, len(h.rooms[room]))
	for m := range h.rooms[room] {
		if m != except {
			members = append(members, m)
		}
	}
	h.roomsMu.RUnlock()

	for _, m := range members {
		select {
		case m.send <- env:
			atomic.AddInt64(&h.relayed, 1)
		default:
			h.logger.Warn("send queue full, dropping frame",
				log.String("conn", m.id),
				log.String("room", room))
		}
	}

	if h.bridge != nil && env.Origin == "" {
		env.Origin = h.nodeID
		h.bridge.Publish(room, env)
	}
}

// deliverRemote relays a frame that arrived from another hub node. No lock
// registry updates here: each node's registry tracks its own connections.
func (h *Hub) deliverRemote(room string, env collab.Envelope) {
	h.roomsMu.RLock()
	members := make([]*member, 0, len(h.rooms[room]))
	for m := range h.rooms[room] {
		members = append(members, m)
	}
	h.roomsMu.RUnlock()

	for _, m := range members {
		select {
		case m.send <- env:
		default:
		}
	}
}

// writePump owns all writes for one connection: queued envelopes plus
// keepalive pings.
func (h *Hub) writePump(m *member) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		m.close()
	}()

	for {
		select {
		case env := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := m.conn.WriteJSON(env); err != nil {
				h.logger.Warn("write failed", log.String("conn", m.id), log.Error(err))
				return
			}
		case <-ticker.C:
			if err := m.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-m.done:
			_ = m.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		}
	}
}

// RoomSize reports the local member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[room])
}

// Shutdown closes every connection and refuses new ones.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		return nil
	}

	h.roomsMu.Lock()
	for _, members := range h.rooms {
		for m := range members {
			m.close()
		}
	}
	h.rooms = make(map[string]map[*member]struct{})
	h.roomsMu.Unlock()

	h.logger.Info("hub stopped",
		log.Int64("connections_served", atomic.LoadInt64(&h.connects)),
		log.Int64("frames_relayed", atomic.LoadInt64(&h.relayed)))
	return nil
}
