package document

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit-dev/coedit/internal/ot"
)

func TestDocument_Apply_IncrementsRevision(t *testing.T) {
	doc := New(0, "")

	next, err := doc.Apply(ot.New(0, "a").Insert("hello"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), next.Revision())
	assert.Equal(t, "hello", next.Content())
	assert.Equal(t, uint64(0), doc.Revision(), "apply must not mutate the receiver")
	assert.Equal(t, "", doc.Content())
}

func TestDocument_Apply_RevisionMismatch(t *testing.T) {
	doc := New(5, "hello")

	_, err := doc.Apply(ot.New(3, "a").Insert("X").Retain(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRevisionMismatch))
}

func TestDocument_Apply_MalformedOperation(t *testing.T) {
	doc := New(0, "hello")

	// Covers 3 codepoints of a 5-codepoint document.
	_, err := doc.Apply(ot.New(0, "a").Retain(3))
	require.Error(t, err)
	assert.True(t, ot.IsMalformed(err))
}

func TestDocument_Apply_MatchesStringApply(t *testing.T) {
	ops := []ot.Operation{
		ot.New(0, "a").Insert("hello world"),
		ot.New(1, "a").Retain(5).Delete(6).Insert(", rope!"),
		ot.New(2, "a").Delete(1).Insert("H").Retain(11),
	}

	doc := New(0, "")
	content := ""
	for _, op := range ops {
		var err error
		doc, err = doc.Apply(op)
		require.NoError(t, err)
		content, err = op.Apply(content)
		require.NoError(t, err)
		assert.Equal(t, content, doc.Content())
	}
	assert.Equal(t, uint64(3), doc.Revision())
}

func TestDocument_Apply_RevisionMonotonicity(t *testing.T) {
	doc := New(0, "")
	for i := 0; i < 50; i++ {
		next, err := doc.Apply(ot.New(doc.Revision(), "a").Retain(doc.Len()).Insert("x"))
		require.NoError(t, err)
		require.Equal(t, doc.Revision()+1, next.Revision(), "revision advances by exactly 1")
		doc = next
	}
	assert.Equal(t, uint64(50), doc.Revision())
	assert.Equal(t, 50, doc.Len())
}

func TestDocument_SnapshotsIndependent(t *testing.T) {
	d0 := New(0, "base")
	d1, err := d0.Apply(ot.New(0, "a").Retain(4).Insert(" one"))
	require.NoError(t, err)
	d2, err := d1.Apply(ot.New(1, "a").Delete(4).Retain(4))
	require.NoError(t, err)

	assert.Equal(t, "base", d0.Content())
	assert.Equal(t, "base one", d1.Content())
	assert.Equal(t, " one", d2.Content())
}

func TestDocument_Slice(t *testing.T) {
	doc := New(0, "hello world")

	assert.Equal(t, "world", doc.Slice(6, 11))
}
