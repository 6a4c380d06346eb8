package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit-dev/coedit/internal/ot"
)

// openTestStore opens a store backed by a temp-dir database file and closes
// it on cleanup.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "coedit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := openTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coedit.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var version int
	require.NoError(t, s2.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestAppendOperation_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	op := ot.New(0, "alice").Insert("hello")
	require.NoError(t, s.AppendOperation(ctx, "doc-1", 1, op))

	// A retried append at the same revision is silently ignored, even with
	// different contents.
	other := ot.New(0, "mallory").Insert("bye")
	require.NoError(t, s.AppendOperation(ctx, "doc-1", 1, other))

	ops, err := s.OperationsAfter(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "alice", ops[0].ClientID, "first write wins")
	assert.Equal(t, op.Components(), ops[0].Op.Components())
}

func TestOperationsAfter_RoundTripsComponents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	op := ot.New(4, "alice").Retain(2).Insert("héllo").Delete(3).Retain(1)
	require.NoError(t, s.AppendOperation(ctx, "doc-1", 5, op))

	ops, err := s.OperationsAfter(ctx, "doc-1", 4)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(5), ops[0].Revision)
	assert.Equal(t, uint64(4), ops[0].Op.BaseRevision)
	assert.Equal(t, op.Components(), ops[0].Op.Components())
}

func TestOperationsAfter_OrderAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 4; i++ {
		op := ot.New(i-1, "alice").Retain(int(i - 1)).Insert("x")
		require.NoError(t, s.AppendOperation(ctx, "doc-1", i, op))
	}

	ops, err := s.OperationsAfter(ctx, "doc-1", 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(3), ops[0].Revision)
	assert.Equal(t, uint64(4), ops[1].Revision)

	ops, err = s.OperationsAfter(ctx, "doc-1", 4)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestLoad_SnapshotPlusReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteSnapshot(ctx, "doc-1", 2, "ab"))
	require.NoError(t, s.AppendOperation(ctx, "doc-1", 3, ot.New(2, "alice").Retain(2).Insert("c")))
	require.NoError(t, s.AppendOperation(ctx, "doc-1", 4, ot.New(3, "bob").Retain(3).Insert("d")))

	doc, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), doc.Revision())
	assert.Equal(t, "abcd", doc.Content())
}

func TestLoad_EmptyDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDocument(ctx, "doc-1"))

	doc, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, doc.Revision())
	assert.Equal(t, "", doc.Content())
}

func TestLoad_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteSnapshot_StaleRevisionIgnored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteSnapshot(ctx, "doc-1", 10, "new"))
	require.NoError(t, s.WriteSnapshot(ctx, "doc-1", 5, "old"))

	doc, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), doc.Revision())
	assert.Equal(t, "new", doc.Content())
}

func TestPruneOperations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		op := ot.New(i-1, "alice").Retain(int(i - 1)).Insert("x")
		require.NoError(t, s.AppendOperation(ctx, "doc-1", i, op))
	}
	require.NoError(t, s.WriteSnapshot(ctx, "doc-1", 3, "xxx"))

	n, err := s.PruneOperations(ctx, "doc-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	doc, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), doc.Revision())
	assert.Equal(t, "xxxxx", doc.Content())
}

func TestDocuments_And_Stats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDocument(ctx, "b-doc"))
	require.NoError(t, s.AppendOperation(ctx, "a-doc", 1, ot.New(0, "alice").Insert("x")))
	require.NoError(t, s.WriteSnapshot(ctx, "a-doc", 1, "x"))

	ids, err := s.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-doc", "b-doc"}, ids)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "a-doc", stats[0].ID)
	assert.Equal(t, uint64(1), stats[0].SnapshotRevision)
	assert.Equal(t, uint64(1), stats[0].LoggedOperations)
	assert.Equal(t, uint64(1), stats[0].HeadRevision)
	assert.Equal(t, "b-doc", stats[1].ID)
	assert.Zero(t, stats[1].LoggedOperations)
}
