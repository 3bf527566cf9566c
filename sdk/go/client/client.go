// Package client provides the Go room client for LabSync: it joins a shared
// dataset room, keeps the presence store and record cache fed, and gives
// cell edit sessions their announce/broadcast plumbing.
package client

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/labsync/labsync/internal/core/collab"
	"github.com/labsync/labsync/internal/core/observability/log"
)

// Config holds configuration for the room client.
type Config struct {
	// ServerAddr is the hub's host:port.
	ServerAddr string
	// Room is the page-scoped room name, e.g. "commission-form".
	Room string
	// Token is the room-join JWT; the hub attributes identity from it.
	Token string
	// Self mirrors the identity inside Token for local bookkeeping
	// (skipping warnings about one's own advisory locks).
	Self collab.Editor

	DialTimeout time.Duration
	Logger      log.Log
}

// RoomClient is one connection into one room. It implements
// collab.Announcer and collab.Broadcaster, maintains the injectable
// RoomPresenceStore and the Reconciler cache, and dispatches subscription
// callbacks from its read loop.
type RoomClient struct {
	cfg    Config
	logger log.Log

	conn    *websocket.Conn
	writeMu sync.Mutex

	presence *collab.RoomPresenceStore
	recon    *collab.Reconciler

	handlerMu  sync.RWMutex
	onEditing  []func(collab.PresenceEvent)
	onStop     []func(collab.PresenceEvent)
	onData     []func(collab.ChangeEvent)
	onSnapshot []func([]collab.PresenceEvent)

	connected int32
	closed    int32
	done      chan struct{}
}

var (
	_ collab.Announcer   = (*RoomClient)(nil)
	_ collab.Broadcaster = (*RoomClient)(nil)
)

func New(cfg Config) *RoomClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &RoomClient{
		cfg:      cfg,
		logger:   logger.With(log.String("room", cfg.Room)),
		presence: collab.NewRoomPresenceStore(cfg.Room),
		recon:    collab.NewReconciler(),
		done:     make(chan struct{}),
	}
}

// Connect dials the hub and starts the read loop. The join snapshot arrives
// as the first frame and seeds the presence store.
func (c *RoomClient) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     c.cfg.ServerAddr,
		Path:     "/ws",
		RawQuery: url.Values{"room": {c.cfg.Room}, "token": {c.cfg.Token}}.Encode(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		atomic.StoreInt32(&c.connected, 0)
		return errors.Wrap(err, "dial room hub")
	}
	c.conn = conn

	go c.readLoop()

	c.logger.Info("joined room", log.String("editor", c.cfg.Self.ID))
	return nil
}

// Close leaves the room. The hub retracts this connection's advisory locks
// for the remaining members.
func (c *RoomClient) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.done)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.presence.Clear()
	return nil
}

// Presence exposes the room's materialized advisory-lock view.
func (c *RoomClient) Presence() *collab.RoomPresenceStore {
	return c.presence
}

// Reconciler exposes the record cache this client converges.
func (c *RoomClient) Reconciler() *collab.Reconciler {
	return c.recon
}

// AnnounceEditing publishes an advisory lock transition. Best-effort and
// fire-and-forget: a failed announcement is logged, never returned, because
// the lock is a UX courtesy rather than a correctness mechanism.
func (c *RoomClient) AnnounceEditing(field string, recordID collab.RecordID, editing bool) {
	typ := collab.TypeEditing
	if !editing {
		typ = collab.TypeStopEditing
	}
	env := collab.Envelope{
		Type: typ,
		Presence: &collab.PresenceEvent{
			Field:     field,
			RecordID:  recordID,
			Editor:    c.cfg.Self,
			Timestamp: time.Now().UTC(),
		},
	}
	if err := c.write(env); err != nil {
		c.logger.Warn("presence announce dropped", log.String("field", field), log.Error(err))
	}
}

// EmitDataUpdate publishes a committed field value to the room. Call only
// after the persistence write was acknowledged.
func (c *RoomClient) EmitDataUpdate(ev collab.ChangeEvent) {
	if err := c.write(collab.Envelope{Type: collab.TypeDataUpdate, Change: &ev}); err != nil {
		c.logger.Warn("data update dropped",
			log.String("field", ev.Field),
			log.Int64("record_id", int64(ev.RecordID)),
			log.Error(err))
	}
}

// OnEditingUpdate subscribes to other clients' editing-start announcements.
func (c *RoomClient) OnEditingUpdate(fn func(collab.PresenceEvent)) {
	c.handlerMu.Lock()
	c.onEditing = append(c.onEditing, fn)
	c.handlerMu.Unlock()
}

// OnStopEditingUpdate subscribes to editing-stop announcements, including
// the ones the hub synthesizes for dead connections.
func (c *RoomClient) OnStopEditingUpdate(fn func(collab.PresenceEvent)) {
	c.handlerMu.Lock()
	c.onStop = append(c.onStop, fn)
	c.handlerMu.Unlock()
}

// OnDataUpdate subscribes to broadcast change events. The writer's own
// connections receive their events too; reapplication is idempotent.
func (c *RoomClient) OnDataUpdate(fn func(collab.ChangeEvent)) {
	c.handlerMu.Lock()
	c.onData = append(c.onData, fn)
	c.handlerMu.Unlock()
}

// OnLockSnapshot subscribes to the join-time room lock snapshot.
func (c *RoomClient) OnLockSnapshot(fn func([]collab.PresenceEvent)) {
	c.handlerMu.Lock()
	c.onSnapshot = append(c.onSnapshot, fn)
	c.handlerMu.Unlock()
}

// NewSession builds a CellSession wired to this client's presence store,
// reconciler, and announce/broadcast channels.
func (c *RoomClient) NewSession(field string, recordID collab.RecordID, kind collab.FieldKind, writer collab.RecordWriter, opts collab.OptionsSource, rc collab.RecordContext) *collab.CellSession {
	return collab.NewCellSession(collab.SessionConfig{
		Room:          c.cfg.Room,
		Field:         field,
		RecordID:      recordID,
		Kind:          kind,
		Self:          c.cfg.Self,
		Presence:      c.presence,
		Reconciler:    c.recon,
		Announcer:     c,
		Broadcaster:   c,
		Writer:        writer,
		Options:       opts,
		RecordContext: rc,
		Logger:        c.cfg.Logger,
	})
}

func (c *RoomClient) write(env collab.Envelope) error {
	if atomic.LoadInt32(&c.connected) == 0 {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *RoomClient) readLoop() {
	defer func() {
		atomic.StoreInt32(&c.connected, 0)
	}()

	for {
		var env collab.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("room connection lost", log.Error(err))
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *RoomClient) dispatch(env collab.Envelope) {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()

	switch env.Type {
	case collab.TypeEditing:
		if env.Presence == nil {
			return
		}
		c.presence.Apply(*env.Presence)
		for _, fn := range c.onEditing {
			fn(*env.Presence)
		}

	case collab.TypeStopEditing:
		if env.Presence == nil {
			return
		}
		c.presence.Remove(*env.Presence)
		for _, fn := range c.onStop {
			fn(*env.Presence)
		}

	case collab.TypeDataUpdate:
		if env.Change == nil {
			return
		}
		c.recon.ApplyChange(*env.Change)
		for _, fn := range c.onData {
			fn(*env.Change)
		}

	case collab.TypeLockSnapshot:
		c.presence.ApplySnapshot(env.Locks)
		for _, fn := range c.onSnapshot {
			fn(env.Locks)
		}

	default:
		c.logger.Debug("unknown frame", log.String("type", string(env.Type)))
	}
}
