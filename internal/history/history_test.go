package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit-dev/coedit/internal/ot"
)

func TestStack_RecordEdit_ClearsRedo(t *testing.T) {
	s := NewStack()

	s.RecordEdit(ot.New(1, "a").Delete(1), 1)
	e, ok := s.PopUndo()
	require.True(t, ok)
	s.PushRedo(e)
	require.True(t, s.CanRedo())

	// A fresh edit invalidates the redo chain.
	s.RecordEdit(ot.New(2, "a").Retain(1).Delete(1), 2)
	assert.False(t, s.CanRedo())
	assert.True(t, s.CanUndo())
}

func TestStack_PushUndo_PreservesRedo(t *testing.T) {
	s := NewStack()

	s.PushRedo(Entry{Inverse: ot.New(3, "a").Delete(1), RevisionAtCreation: 3})

	// Applying a redo pushes its inverse back as an undo entry without
	// touching the rest of the redo stack.
	s.PushUndo(Entry{Inverse: ot.New(4, "a").Insert("x"), RevisionAtCreation: 4})
	assert.True(t, s.CanRedo())
	assert.True(t, s.CanUndo())
}

func TestStack_PopOrder_LIFO(t *testing.T) {
	s := NewStack()
	s.RecordEdit(ot.New(1, "a").Delete(1), 1)
	s.RecordEdit(ot.New(2, "a").Retain(1).Delete(1), 2)

	e, ok := s.PopUndo()
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.RevisionAtCreation)

	e, ok = s.PopUndo()
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.RevisionAtCreation)

	_, ok = s.PopUndo()
	assert.False(t, ok)
}

func TestStack_DepthBound_DropsOldest(t *testing.T) {
	s := NewStackWithDepth(3)
	for i := 1; i <= 5; i++ {
		s.RecordEdit(ot.New(uint64(i), "a").Delete(1), uint64(i))
	}

	undo, _ := s.Depths()
	assert.Equal(t, 3, undo)

	e, ok := s.PopUndo()
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.RevisionAtCreation, "newest entry survives")

	s.PopUndo()
	e, ok = s.PopUndo()
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.RevisionAtCreation, "entries 1 and 2 fell off")
}

func TestStack_Clear(t *testing.T) {
	s := NewStack()
	s.RecordEdit(ot.New(1, "a").Delete(1), 1)
	s.PushRedo(Entry{Inverse: ot.New(1, "a").Insert("x"), RevisionAtCreation: 1})

	s.Clear()
	assert.False(t, s.CanUndo())
	assert.False(t, s.CanRedo())
}

func TestRebase_ThroughConcurrentEdits(t *testing.T) {
	// Document "abc" at revision 1. The user's edit inserted "b" at index 1
	// (so its inverse deletes it). Another client then prepended "XX"; the
	// rebased inverse must still delete the "b", now at index 3.
	inverse := ot.New(1, "a").Retain(1).Delete(1).Retain(1)
	e := Entry{Inverse: inverse, RevisionAtCreation: 1}

	missed := []ot.Operation{ot.New(1, "b").Insert("XX").Retain(3)}
	rebased, err := Rebase(e, missed)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), rebased.BaseRevision)
	got, err := rebased.Apply("XXabc")
	require.NoError(t, err)
	assert.Equal(t, "XXac", got, "undo removes the user's own character, not the neighbour's")
}

func TestRebase_NoMissedOps(t *testing.T) {
	inverse := ot.New(4, "a").Delete(1).Retain(2)
	e := Entry{Inverse: inverse, RevisionAtCreation: 4}

	rebased, err := Rebase(e, nil)
	require.NoError(t, err)
	assert.Equal(t, inverse.Components(), rebased.Components())
	assert.Equal(t, uint64(4), rebased.BaseRevision)
}
