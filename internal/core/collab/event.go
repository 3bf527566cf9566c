package collab

import (
	"fmt"
	"time"
)

// Editor is the identity attributed to presence and change events. Servers
// fill it from the verified room token, never from client-supplied fields.
type Editor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PresenceEvent advertises that an editor started editing one (field, record)
// cell. A stop event carries the same key with the same shape.
type PresenceEvent struct {
	Field     string    `json:"field"`
	RecordID  RecordID  `json:"recordId"`
	Editor    Editor    `json:"editor"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the map key for the (field, record) pair.
func (e PresenceEvent) Key() string {
	return LockKey(e.Field, e.RecordID)
}

// ChangeEvent is broadcast exactly once per committed field write, after the
// persistence write was acknowledged. It is never emitted speculatively.
type ChangeEvent struct {
	Field    string   `json:"field"`
	RecordID RecordID `json:"recordId"`
	NewValue any      `json:"newValue"`
	Editor   Editor   `json:"editor"`
}

// LockKey builds the canonical "field-recordId" key used by presence maps
// and the server lock registry.
func LockKey(field string, recordID RecordID) string {
	return fmt.Sprintf("%s-%d", field, recordID)
}

// EnvelopeType discriminates room wire frames.
type EnvelopeType string

const (
	TypeEditing      EnvelopeType = "editing"
	TypeStopEditing  EnvelopeType = "stop-editing"
	TypeDataUpdate   EnvelopeType = "data-update"
	TypeLockSnapshot EnvelopeType = "lock-snapshot"
)

// Envelope is the JSON frame exchanged with the room hub. Exactly one of the
// payload members is set, according to Type. Origin tags the hub node that
// first relayed the frame so the cross-node bridge can drop its own echoes.
type Envelope struct {
	Type     EnvelopeType    `json:"type"`
	Room     string          `json:"room,omitempty"`
	Presence *PresenceEvent  `json:"presence,omitempty"`
	Change   *ChangeEvent    `json:"change,omitempty"`
	Locks    []PresenceEvent `json:"locks,omitempty"`
	Origin   string          `json:"origin,omitempty"`
}
