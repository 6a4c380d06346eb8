// Package history tracks per-session undo/redo state.
//
// Each accepted local edit pushes a HistoryEntry holding the edit's inverse
// and the revision it was created at. The inverse is never replayed as-is:
// other users keep editing, so on undo the inverse is re-transformed through
// every operation accepted since the entry's creation before being submitted
// as a normal operation. Stale closures over old document snapshots are
// exactly the divergence bug this structure exists to prevent.
//
// Undo moves an entry to the redo stack (as the inverse of what the undo
// actually applied); redo is symmetric. Any fresh locally authored edit
// clears the redo stack - standard editor semantics, unchanged by remote
// concurrent edits.
package history

import "github.com/coedit-dev/coedit/internal/ot"

// DefaultMaxDepth bounds the undo stack. The oldest entries fall off first.
const DefaultMaxDepth = 200

// Entry is one undoable step: the inverse of an accepted operation, valid
// against the document at RevisionAtCreation.
type Entry struct {
	Inverse            ot.Operation
	RevisionAtCreation uint64
}

// Stack holds one session's undo and redo stacks. Not safe for concurrent
// use; the owning session serializes access.
type Stack struct {
	undo     []Entry
	redo     []Entry
	maxDepth int
}

// NewStack returns an empty stack with the default depth bound.
func NewStack() *Stack {
	return &Stack{maxDepth: DefaultMaxDepth}
}

// NewStackWithDepth returns an empty stack bounded to maxDepth entries.
func NewStackWithDepth(maxDepth int) *Stack {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Stack{maxDepth: maxDepth}
}

// RecordEdit pushes the inverse of a fresh locally authored edit and clears
// the redo stack.
func (s *Stack) RecordEdit(inverse ot.Operation, revisionAtCreation uint64) {
	s.pushUndo(Entry{Inverse: inverse, RevisionAtCreation: revisionAtCreation})
	s.redo = s.redo[:0]
}

// pushUndo appends to the undo stack, dropping the oldest entry past the
// depth bound.
func (s *Stack) pushUndo(e Entry) {
	s.undo = append(s.undo, e)
	if len(s.undo) > s.maxDepth {
		s.undo = s.undo[len(s.undo)-s.maxDepth:]
	}
}

// PushUndo appends an entry without clearing redo. Used when a redo is
// applied, so the redone step can be undone again.
func (s *Stack) PushUndo(e Entry) {
	s.pushUndo(e)
}

// PopUndo removes and returns the most recent undo entry.
func (s *Stack) PopUndo() (Entry, bool) {
	if len(s.undo) == 0 {
		return Entry{}, false
	}
	e := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	return e, true
}

// PushRedo records the inverse of an applied undo.
func (s *Stack) PushRedo(e Entry) {
	s.redo = append(s.redo, e)
}

// PopRedo removes and returns the most recent redo entry.
func (s *Stack) PopRedo() (Entry, bool) {
	if len(s.redo) == 0 {
		return Entry{}, false
	}
	e := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	return e, true
}

// CanUndo reports whether an undo entry is available.
func (s *Stack) CanUndo() bool { return len(s.undo) > 0 }

// CanRedo reports whether a redo entry is available.
func (s *Stack) CanRedo() bool { return len(s.redo) > 0 }

// Depths returns the undo and redo stack sizes.
func (s *Stack) Depths() (undo, redo int) {
	return len(s.undo), len(s.redo)
}

// Clear drops all history. Used on hard resync, where local history predates
// the snapshot and can no longer be transformed forward.
func (s *Stack) Clear() {
	s.undo = s.undo[:0]
	s.redo = s.redo[:0]
}

// Rebase transforms an entry's inverse through the operations accepted
// since the entry was created, producing an operation valid at the current
// revision. missed must be the contiguous accepted history starting at
// RevisionAtCreation.
func Rebase(e Entry, missed []ot.Operation) (ot.Operation, error) {
	return ot.TransformAgainst(e.Inverse, missed)
}
