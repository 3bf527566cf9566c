package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/labsync/labsync/internal/core/observability/log"
)

// SessionState is the lifecycle of a single editable cell.
type SessionState uint8

const (
	StateIdle SessionState = iota
	StateEditing
	StateSaving
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEditing:
		return "editing"
	case StateSaving:
		return "saving"
	}
	return "unknown"
}

// FieldKind drives input coercion and commit behavior of a cell.
type FieldKind uint8

const (
	// KindText commits the typed text verbatim, including empty string.
	KindText FieldKind = iota
	// KindNumber coerces input through ParseNumber; blank clears to nil,
	// zero stays zero.
	KindNumber
	// KindSelect commits the instant a choice is made; there is no
	// separate commit step.
	KindSelect
	// KindAutocomplete resolves typed display text against a fetched
	// candidate list to recover the stable id to persist alongside it.
	KindAutocomplete
)

// autocompleteIDField pairs a display-name field with the id field persisted
// alongside it.
var autocompleteIDField = map[string]string{
	FieldSupervisorName: FieldSupervisorID,
	FieldTechnicianName: FieldTechnicianID,
	FieldAssigneeName:   FieldAssigneeID,
}

// Announcer publishes advisory edit-lock transitions to the room.
// Announcements are best-effort and fire-and-forget.
type Announcer interface {
	AnnounceEditing(field string, recordID RecordID, editing bool)
}

// Broadcaster publishes a committed field value to the room. Called exactly
// once per acknowledged write, never speculatively.
type Broadcaster interface {
	EmitDataUpdate(ev ChangeEvent)
}

// RecordWriter is the persistence collaborator: an asynchronous
// request/response field write returning the server's (possibly partial)
// snapshot of the updated record.
type RecordWriter interface {
	UpdateFields(ctx context.Context, id RecordID, fields Record) (Record, error)
}

// Badge is the transient, self-dismissing state a presentation layer renders
// next to a cell. The session exposes badges as pure data, never UI.
type Badge uint8

const (
	BadgeNone Badge = iota
	BadgeSaving
	BadgeSaved
	BadgeSaveFailed
)

// DefaultBadgeTTL is how long failure/success badges stay before
// auto-dismissing.
const DefaultBadgeTTL = 3 * time.Second

// DefaultIdleTimeout is how long an editor may sit without a keystroke
// before the advisory lock is relinquished to observers.
const DefaultIdleTimeout = 5 * time.Second

// BadgeEvent is pushed to the session's notifier on every badge change.
type BadgeEvent struct {
	Badge   Badge
	Message string
	TTL     time.Duration
}

var (
	// ErrNotEditing is returned when Commit or Cancel is called outside the
	// editing state.
	ErrNotEditing = errors.New("collab: session is not editing")
	// ErrSaveInFlight is returned when Begin or Commit races an unfinished
	// save of the same cell.
	ErrSaveInFlight = errors.New("collab: save already in flight")
)

// SessionConfig wires one CellSession.
type SessionConfig struct {
	Room     string
	Field    string
	RecordID RecordID
	Kind     FieldKind
	Self     Editor

	Presence    *RoomPresenceStore
	Reconciler  *Reconciler
	Announcer   Announcer
	Broadcaster Broadcaster
	Writer      RecordWriter

	// Options feeds autocomplete candidates; nil for other kinds.
	Options       OptionsSource
	RecordContext RecordContext
	Unmatched     UnmatchedPolicy

	// Notify receives badge transitions; nil disables.
	Notify func(BadgeEvent)

	// IdleTimeout overrides DefaultIdleTimeout; tests shrink it.
	IdleTimeout time.Duration

	Logger log.Log
}

// CellSession is the state machine governing one editable table cell:
// idle through editing and saving and back, gated (advisorily) by room
// presence. All methods are safe for concurrent use; the write itself runs
// outside the session lock so other cells stay independently editable.
type CellSession struct {
	cfg SessionConfig
	log log.Log

	mu            sync.Mutex
	state         SessionState
	draft         string
	options       []Option
	lockAnnounced bool
	idleTimer     *time.Timer
}

func NewCellSession(cfg SessionConfig) *CellSession {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &CellSession{
		cfg: cfg,
		log: logger.With(
			log.String("room", cfg.Room),
			log.String("field", cfg.Field),
			log.Int64("record_id", int64(cfg.RecordID)),
		),
		state: StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *CellSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Draft returns the uncommitted typed value.
func (s *CellSession) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Begin enters editing on user interaction. There is no hard precondition:
// when another editor holds the advisory lock their identity is returned so
// the presentation layer can warn, but the transition still happens. The
// edit start is announced to the room and, for autocomplete cells, a
// fire-and-forget candidate fetch is kicked off.
func (s *CellSession) Begin(ctx context.Context) (holder Editor, contended bool, err error) {
	s.mu.Lock()
	switch s.state {
	case StateSaving:
		s.mu.Unlock()
		return Editor{}, false, ErrSaveInFlight
	case StateEditing:
		s.mu.Unlock()
		return Editor{}, false, nil
	}

	if s.cfg.Presence != nil {
		if h, busy := s.cfg.Presence.GetEditingUser(s.cfg.Field, s.cfg.RecordID); busy && h.ID != s.cfg.Self.ID {
			holder, contended = h, true
		}
	}

	s.state = StateEditing
	s.draft = s.cachedDisplayLocked()
	s.announceLocked(true)
	s.armIdleTimerLocked()
	s.mu.Unlock()

	if s.cfg.Kind == KindAutocomplete && s.cfg.Options != nil {
		go s.prefetchOptions(ctx)
	}

	if contended {
		s.log.Debug("cell busy, advisory warning",
			log.String("holder", holder.Name))
	}
	return holder, contended, nil
}

// Keystroke records the latest typed text and re-arms the idle clock. If the
// idle timeout already relinquished the advisory lock, typing claims it back.
func (s *CellSession) Keystroke(draft string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEditing {
		return
	}
	s.draft = draft
	if !s.lockAnnounced {
		s.announceLocked(true)
	}
	s.armIdleTimerLocked()
}

// Cancel leaves editing without a write: Escape or a click outside the cell.
// Local only; an already in-flight write of a previous commit cannot be
// recalled. The displayed value falls back to the last committed cached
// value, which Cancel returns for convenience.
func (s *CellSession) Cancel() (Record, error) {
	s.mu.Lock()
	if s.state != StateEditing {
		s.mu.Unlock()
		return nil, ErrNotEditing
	}
	s.state = StateIdle
	s.stopIdleTimerLocked()
	s.announceLocked(false)
	s.draft = ""
	s.mu.Unlock()

	if s.cfg.Reconciler == nil {
		return nil, nil
	}
	rec, _ := s.cfg.Reconciler.Get(s.cfg.RecordID)
	return rec, nil
}

// Commit validates and persists the draft: Enter, or blur-out for most field
// kinds. Validation failures (bad number, percent out of range, unmatched
// autocomplete under UnmatchedReject) return before any write and leave the
// session editing so the user can fix the input. Write failures surface a
// transient badge, release the lock, and leave the cache untouched.
func (s *CellSession) Commit(ctx context.Context) (Record, error) {
	s.mu.Lock()
	if s.state == StateSaving {
		s.mu.Unlock()
		return nil, ErrSaveInFlight
	}
	if s.state != StateEditing {
		s.mu.Unlock()
		return nil, ErrNotEditing
	}

	sent, err := s.buildWriteLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	return s.save(ctx, sent)
}

// CommitValue persists a value known the instant a choice is made, the
// select-field path: no draft, no separate commit step. Callable from idle;
// the session passes through editing just long enough to announce.
func (s *CellSession) CommitValue(ctx context.Context, value any) (Record, error) {
	if err := ValidateFieldValue(s.cfg.Field, value); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateSaving {
		s.mu.Unlock()
		return nil, ErrSaveInFlight
	}
	if s.state == StateIdle {
		s.announceLocked(true)
	}
	s.state = StateEditing
	s.mu.Unlock()

	return s.save(ctx, Record{s.cfg.Field: value})
}

// Choose persists a picked autocomplete candidate directly, skipping text
// resolution.
func (s *CellSession) Choose(ctx context.Context, opt Option) (Record, error) {
	idField, ok := autocompleteIDField[s.cfg.Field]
	if !ok {
		return nil, errors.Errorf("collab: field %s has no paired id field", s.cfg.Field)
	}

	s.mu.Lock()
	if s.state == StateSaving {
		s.mu.Unlock()
		return nil, ErrSaveInFlight
	}
	if s.state == StateIdle {
		s.announceLocked(true)
	}
	s.state = StateEditing
	s.draft = opt.Name
	s.mu.Unlock()

	return s.save(ctx, Record{s.cfg.Field: opt.Name, idField: opt.ID})
}

// buildWriteLocked coerces the draft into the field map to persist.
func (s *CellSession) buildWriteLocked() (Record, error) {
	switch s.cfg.Kind {
	case KindNumber:
		v, err := ParseNumber(s.draft)
		if err != nil {
			return nil, err
		}
		if err := ValidateFieldValue(s.cfg.Field, v); err != nil {
			return nil, err
		}
		return Record{s.cfg.Field: v}, nil

	case KindAutocomplete:
		idField, ok := autocompleteIDField[s.cfg.Field]
		if !ok {
			return nil, errors.Errorf("collab: field %s has no paired id field", s.cfg.Field)
		}
		if s.draft == "" {
			return Record{s.cfg.Field: nil, idField: nil}, nil
		}
		if opt, matched := ResolveOption(s.options, s.draft); matched {
			return Record{s.cfg.Field: opt.Name, idField: opt.ID}, nil
		}
		if s.cfg.Unmatched == UnmatchedPreserve {
			return Record{s.cfg.Field: s.draft, idField: nil}, nil
		}
		return nil, errors.Wrapf(ErrUnmatchedOption, "%q", s.draft)

	default:
		return Record{s.cfg.Field: s.draft}, nil
	}
}

// save runs the persistence write outside the session lock, then either
// merges+broadcasts or reports failure. Both paths end idle with the lock
// released.
func (s *CellSession) save(ctx context.Context, sent Record) (Record, error) {
	s.mu.Lock()
	s.state = StateSaving
	s.stopIdleTimerLocked()
	s.mu.Unlock()

	s.notify(BadgeEvent{Badge: BadgeSaving, Message: "saving"})

	resp, err := s.cfg.Writer.UpdateFields(ctx, s.cfg.RecordID, sent)

	s.mu.Lock()
	s.state = StateIdle
	s.draft = ""
	s.announceLocked(false)
	s.mu.Unlock()

	if err != nil {
		s.log.Error("field write failed", log.Error(err))
		s.notify(BadgeEvent{Badge: BadgeSaveFailed, Message: "save failed", TTL: DefaultBadgeTTL})
		return nil, errors.Wrap(err, "persist field write")
	}

	var merged Record
	if s.cfg.Reconciler != nil {
		merged = s.cfg.Reconciler.MergeSaveResponse(s.cfg.RecordID, s.cfg.Field, sent, resp)
	}
	if s.cfg.Broadcaster != nil {
		s.cfg.Broadcaster.EmitDataUpdate(ChangeEvent{
			Field:    s.cfg.Field,
			RecordID: s.cfg.RecordID,
			NewValue: sent[s.cfg.Field],
			Editor:   s.cfg.Self,
		})
	}
	s.notify(BadgeEvent{Badge: BadgeSaved, Message: "saved", TTL: DefaultBadgeTTL})
	return merged, nil
}

// prefetchOptions loads autocomplete candidates without blocking the
// transition into editing. Failures degrade to whatever list is already
// held.
func (s *CellSession) prefetchOptions(ctx context.Context) {
	opts, err := s.cfg.Options.Candidates(ctx, s.cfg.RecordContext)
	if err != nil {
		s.log.Warn("options prefetch failed, keeping stale list", log.Error(err))
		return
	}
	s.mu.Lock()
	s.options = opts
	s.mu.Unlock()
}

// SetOptions installs a candidate list directly; used when the page already
// holds a static list.
func (s *CellSession) SetOptions(opts []Option) {
	s.mu.Lock()
	s.options = opts
	s.mu.Unlock()
}

// onIdleTimeout relinquishes the advisory lock after the quiet period while
// leaving the local edit untouched: observers stop seeing the cell as held,
// the editor keeps typing.
func (s *CellSession) onIdleTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEditing || !s.lockAnnounced {
		return
	}
	s.announceLocked(false)
	s.log.Debug("idle timeout released advisory lock, draft preserved")
}

func (s *CellSession) armIdleTimerLocked() {
	s.stopIdleTimerLocked()
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.onIdleTimeout)
}

func (s *CellSession) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *CellSession) announceLocked(editing bool) {
	if s.cfg.Announcer != nil && s.lockAnnounced != editing {
		s.cfg.Announcer.AnnounceEditing(s.cfg.Field, s.cfg.RecordID, editing)
	}
	s.lockAnnounced = editing
}

func (s *CellSession) cachedDisplayLocked() string {
	if s.cfg.Reconciler == nil {
		return ""
	}
	rec, ok := s.cfg.Reconciler.Get(s.cfg.RecordID)
	if !ok {
		return ""
	}
	v, ok := rec[s.cfg.Field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (s *CellSession) notify(ev BadgeEvent) {
	if s.cfg.Notify != nil {
		s.cfg.Notify(ev)
	}
}
