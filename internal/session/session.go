// Package session tracks per-client connection state for one document.
//
// A Session owns everything the coordinator must never touch directly: the
// client's acknowledged view of the document (the shadow), the outbox of
// locally authored operations not yet submitted, and the undo/redo stacks.
// The coordinator only ever learns a session's ID; all session state is
// mutated through the session's own methods under its own lock.
//
// State machine: Connecting -> Synced -> Diverged -> Closed. Synced means
// the shadow matches the last observed server revision. A gap in observed
// revisions or a backfill beyond the retention window marks the session
// Diverged; a snapshot resync (lossy for pre-snapshot local history)
// returns it to Synced. A missed heartbeat closes it.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coedit-dev/coedit/internal/coordinator"
	"github.com/coedit-dev/coedit/internal/document"
	"github.com/coedit-dev/coedit/internal/history"
	"github.com/coedit-dev/coedit/internal/ot"
)

// State is the session lifecycle phase.
type State int

const (
	StateConnecting State = iota + 1
	StateSynced
	StateDiverged
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateDiverged:
		return "diverged"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrClosed: the session has ended; no further operations are valid.
	ErrClosed = errors.New("session closed")

	// ErrNotSynced: the operation requires a synced session.
	ErrNotSynced = errors.New("session not synced")

	// ErrRevisionGap: an observed operation does not follow the shadow
	// revision contiguously. The caller should drain pending broadcasts or
	// resync.
	ErrRevisionGap = errors.New("revision gap")

	// ErrNothingToUndo and ErrNothingToRedo: empty history stacks.
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// EditKind distinguishes how an acknowledged edit entered the system, which
// decides where its inverse lands in the history stacks.
type EditKind int

const (
	// EditNormal is a fresh locally authored edit: push undo, clear redo.
	EditNormal EditKind = iota + 1
	// EditUndo is an applied undo: its inverse becomes a redo entry.
	EditUndo
	// EditRedo is an applied redo: its inverse becomes an undo entry,
	// leaving the remaining redo stack intact.
	EditRedo
)

// Backfill supplies accepted operations after a given revision. Implemented
// by the coordinator; declared here so tests can stub it.
type Backfill interface {
	OperationsSince(rev uint64) ([]coordinator.Broadcast, error)
}

// Session is one connected client's state for one document.
type Session struct {
	id       string
	clientID string
	docID    string

	mu            sync.Mutex
	state         State
	shadow        *document.Document
	outbox        []ot.Operation
	stack         *history.Stack
	lastHeartbeat time.Time

	// advanced is closed and replaced whenever the shadow or state changes,
	// waking AwaitRevision waiters.
	advanced chan struct{}
}

// New creates a session in StateConnecting. Activate completes the join.
func New(docID, clientID string, now time.Time) *Session {
	return &Session{
		id:            uuid.NewString(),
		clientID:      clientID,
		docID:         docID,
		state:         StateConnecting,
		stack:         history.NewStack(),
		lastHeartbeat: now,
		advanced:      make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ClientID returns the authoring client's identity.
func (s *Session) ClientID() string { return s.clientID }

// DocumentID returns the document this session edits.
func (s *Session) DocumentID() string { return s.docID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AckedRevision returns the last revision this session has fully observed.
func (s *Session) AckedRevision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shadow == nil {
		return 0
	}
	return s.shadow.Revision()
}

// ShadowContent returns the session's view of the document.
func (s *Session) ShadowContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shadow == nil {
		return ""
	}
	return s.shadow.Content()
}

// notifyLocked wakes AwaitRevision waiters. Callers hold mu and have just
// changed the shadow or the state.
func (s *Session) notifyLocked() {
	close(s.advanced)
	s.advanced = make(chan struct{})
}

// AwaitRevision blocks until the shadow has observed at least rev, the
// session leaves the Synced state, or timeout elapses (ErrRevisionGap).
// Lets an ack handler wait for in-flight broadcasts to reach the shadow
// without polling.
func (s *Session) AwaitRevision(rev uint64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		switch {
		case s.state == StateClosed:
			s.mu.Unlock()
			return ErrClosed
		case s.state != StateSynced:
			s.mu.Unlock()
			return ErrNotSynced
		case s.shadow.Revision() >= rev:
			s.mu.Unlock()
			return nil
		}
		wait := s.advanced
		s.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return fmt.Errorf("%w: revision %d not observed within %s", ErrRevisionGap, rev, timeout)
		}
	}
}

// Activate completes a join or a snapshot resync: the shadow is reset to
// the server's snapshot and the session becomes Synced.
//
// When resolving a Diverged session this is the lossy path: the outbox and
// any history predating the snapshot can no longer be transformed forward,
// so both are discarded.
func (s *Session) Activate(revision uint64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state == StateDiverged {
		s.outbox = nil
		s.stack.Clear()
	}
	s.shadow = document.New(revision, content)
	s.state = StateSynced
	s.notifyLocked()
	return nil
}

// MarkDiverged flags the session as needing a resync.
func (s *Session) MarkDiverged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSynced || s.state == StateConnecting {
		s.state = StateDiverged
		s.notifyLocked()
	}
}

// Close ends the session. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.notifyLocked()
}

// Heartbeat records liveness.
func (s *Session) Heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
}

// ExpiredSince reports whether the session has missed its heartbeat window.
func (s *Session) ExpiredSince(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateClosed && now.Sub(s.lastHeartbeat) > timeout
}

// ObserveRemote applies a broadcast from the coordinator to the shadow and
// re-transforms the queued outbox against it, preserving the user's
// not-yet-submitted intent.
//
// Broadcasts must arrive in revision order; a gap returns ErrRevisionGap
// and marks the session Diverged.
func (s *Session) ObserveRemote(b coordinator.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state != StateSynced {
		return ErrNotSynced
	}
	// Every remaining path changes the shadow or the state.
	defer s.notifyLocked()

	if b.Revision != s.shadow.Revision()+1 {
		s.state = StateDiverged
		return fmt.Errorf("%w: broadcast at revision %d, shadow at %d",
			ErrRevisionGap, b.Revision, s.shadow.Revision())
	}

	next, err := s.shadow.Apply(b.Op)
	if err != nil {
		s.state = StateDiverged
		return err
	}
	s.shadow = next

	// Rewrite each queued local operation past the remote one. The remote
	// op itself is transformed onward so later outbox entries see it in
	// its shifted form.
	remote := b.Op
	for i, local := range s.outbox {
		localT, remoteT, err := ot.Transform(local, remote)
		if err != nil {
			s.state = StateDiverged
			return err
		}
		localT.BaseRevision = local.BaseRevision + 1
		s.outbox[i] = localT
		remote = remoteT
	}
	return nil
}

// QueueLocal appends a locally authored operation to the outbox. The first
// queued operation is authored against the shadow; each subsequent one
// against the previous operation's result.
func (s *Session) QueueLocal(op ot.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state != StateSynced {
		return ErrNotSynced
	}

	expectedLen := s.shadow.Len()
	if n := len(s.outbox); n > 0 {
		expectedLen = s.outbox[n-1].TargetLen()
	}
	if op.BaseLen() != expectedLen {
		return ot.Malformedf("queued operation covers %d codepoints, pending document has %d",
			op.BaseLen(), expectedLen)
	}
	s.outbox = append(s.outbox, op)
	return nil
}

// FlushOutbox composes the queued operations into one operation authored
// against the shadow revision and empties the outbox. Returns false when
// there is nothing to send.
func (s *Session) FlushOutbox() (ot.Operation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.outbox) == 0 {
		return ot.Operation{}, false, nil
	}

	composed := s.outbox[0]
	for _, op := range s.outbox[1:] {
		var err error
		composed, err = ot.Compose(composed, op)
		if err != nil {
			return ot.Operation{}, false, err
		}
	}
	composed.BaseRevision = s.shadow.Revision()
	s.outbox = nil
	return composed, true, nil
}

// OutboxLen returns the number of queued local operations.
func (s *Session) OutboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// ApplyAck folds the coordinator's acknowledgement of this session's own
// edit into the shadow and records the applied operation's inverse in the
// history stacks according to kind.
//
// The ack must follow the shadow contiguously; if intervening broadcasts
// are still queued the caller drains them first and retries
// (ErrRevisionGap).
func (s *Session) ApplyAck(res coordinator.Result, kind EditKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state != StateSynced {
		return ErrNotSynced
	}
	if res.Applied.BaseRevision != s.shadow.Revision() {
		return fmt.Errorf("%w: ack based on revision %d, shadow at %d",
			ErrRevisionGap, res.Applied.BaseRevision, s.shadow.Revision())
	}

	defer s.notifyLocked()

	before := s.shadow.Content()
	next, err := s.shadow.Apply(res.Applied)
	if err != nil {
		s.state = StateDiverged
		return err
	}
	s.shadow = next

	inverse, err := res.Applied.Invert(before)
	if err != nil {
		return err
	}
	inverse.BaseRevision = res.Revision

	entry := history.Entry{Inverse: inverse, RevisionAtCreation: res.Revision}
	switch kind {
	case EditNormal:
		s.stack.RecordEdit(inverse, res.Revision)
	case EditUndo:
		s.stack.PushRedo(entry)
	case EditRedo:
		s.stack.PushUndo(entry)
	}
	return nil
}

// BeginUndo pops the most recent undo entry and rebases its inverse through
// everything accepted since it was created, up to the shadow revision. The
// returned operation is ready to submit; the coordinator's own catch-up
// covers anything accepted beyond the shadow.
func (s *Session) BeginUndo(backfill Backfill) (ot.Operation, error) {
	return s.beginReplay(backfill, func() (history.Entry, bool) { return s.stack.PopUndo() }, ErrNothingToUndo)
}

// BeginRedo mirrors BeginUndo for the redo stack.
func (s *Session) BeginRedo(backfill Backfill) (ot.Operation, error) {
	return s.beginReplay(backfill, func() (history.Entry, bool) { return s.stack.PopRedo() }, ErrNothingToRedo)
}

func (s *Session) beginReplay(backfill Backfill, pop func() (history.Entry, bool), emptyErr error) (ot.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ot.Operation{}, ErrClosed
	}
	if s.state != StateSynced {
		return ot.Operation{}, ErrNotSynced
	}

	e, ok := pop()
	if !ok {
		return ot.Operation{}, emptyErr
	}

	missed, err := backfill.OperationsSince(e.RevisionAtCreation)
	if err != nil {
		s.state = StateDiverged
		return ot.Operation{}, err
	}

	shadowRev := s.shadow.Revision()
	ops := make([]ot.Operation, 0, len(missed))
	for _, b := range missed {
		if b.Revision > shadowRev {
			break
		}
		ops = append(ops, b.Op)
	}

	op, err := history.Rebase(e, ops)
	if err != nil {
		return ot.Operation{}, err
	}
	op.ClientID = s.clientID
	return op, nil
}

// CanUndo reports whether the session has undoable history.
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack.CanUndo()
}

// CanRedo reports whether the session has redoable history.
func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack.CanRedo()
}
