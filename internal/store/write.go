package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coedit-dev/coedit/internal/ot"
)

// CreateDocument registers a document if it does not exist.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) CreateDocument(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id)
		VALUES (?)
		ON CONFLICT(id) DO NOTHING
	`, docID)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// AppendOperation appends an accepted operation to the document's log.
// Uses ON CONFLICT(doc_id, revision) DO NOTHING for idempotency - a retried
// append after a crash or a persistence retry is silently ignored.
//
// rev is the revision the operation produced; the operation itself is based
// on rev-1. Components are stored in the compact JSON wire form.
func (s *Store) AppendOperation(ctx context.Context, docID string, rev uint64, op ot.Operation) error {
	components, err := json.Marshal(op.Components())
	if err != nil {
		return fmt.Errorf("append operation: marshal components: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append operation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// The document row must exist for the foreign key; first write wins.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id)
		VALUES (?)
		ON CONFLICT(id) DO NOTHING
	`, docID)
	if err != nil {
		return fmt.Errorf("append operation: ensure document: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations (doc_id, revision, client_id, components)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id, revision) DO NOTHING
	`, docID, rev, op.ClientID, string(components))
	if err != nil {
		return fmt.Errorf("append operation: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append operation: commit: %w", err)
	}
	return nil
}

// WriteSnapshot records the document content at rev. Later snapshots
// replace earlier ones; a stale snapshot (lower revision than the stored
// one) is silently ignored so racing writers cannot move recovery backward.
func (s *Store) WriteSnapshot(ctx context.Context, docID string, rev uint64, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, snapshot_revision, snapshot_content)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			snapshot_revision = excluded.snapshot_revision,
			snapshot_content = excluded.snapshot_content,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE excluded.snapshot_revision > documents.snapshot_revision
	`, docID, rev, content)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// PruneOperations deletes log entries at or below rev for the document.
// Safe to call with any revision; only call with revisions at or below a
// written snapshot or recovery loses history.
func (s *Store) PruneOperations(ctx context.Context, docID string, rev uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM operations
		WHERE doc_id = ? AND revision <= ?
	`, docID, rev)
	if err != nil {
		return 0, fmt.Errorf("prune operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune operations: rows affected: %w", err)
	}
	return n, nil
}
