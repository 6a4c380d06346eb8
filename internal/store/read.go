package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coedit-dev/coedit/internal/document"
	"github.com/coedit-dev/coedit/internal/ot"
)

// ErrNotFound indicates the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// StoredOperation is one row of a document's operation log.
type StoredOperation struct {
	Revision uint64
	ClientID string
	Op       ot.Operation
}

// Load reconstructs a document: the latest snapshot plus a replay of every
// operation accepted after it. Returns ErrNotFound for unknown documents.
func (s *Store) Load(ctx context.Context, docID string) (*document.Document, error) {
	var snapRev uint64
	var snapContent string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_revision, snapshot_content
		FROM documents
		WHERE id = ?
	`, docID).Scan(&snapRev, &snapContent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %q: %w", docID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", docID, err)
	}

	doc := document.New(snapRev, snapContent)

	tail, err := s.OperationsAfter(ctx, docID, snapRev)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", docID, err)
	}
	for _, stored := range tail {
		doc, err = doc.Apply(stored.Op)
		if err != nil {
			return nil, fmt.Errorf("load %q: replay revision %d: %w", docID, stored.Revision, err)
		}
	}
	return doc, nil
}

// OperationsAfter returns the logged operations with revision > rev, in
// revision order.
func (s *Store) OperationsAfter(ctx context.Context, docID string, rev uint64) ([]StoredOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision, client_id, components
		FROM operations
		WHERE doc_id = ? AND revision > ?
		ORDER BY revision ASC
	`, docID, rev)
	if err != nil {
		return nil, fmt.Errorf("operations after %d: %w", rev, err)
	}
	defer rows.Close()

	var out []StoredOperation
	for rows.Next() {
		var stored StoredOperation
		var componentsJSON string
		if err := rows.Scan(&stored.Revision, &stored.ClientID, &componentsJSON); err != nil {
			return nil, fmt.Errorf("operations after %d: scan: %w", rev, err)
		}

		var components []ot.Component
		if err := json.Unmarshal([]byte(componentsJSON), &components); err != nil {
			return nil, fmt.Errorf("operations after %d: revision %d: %w", rev, stored.Revision, err)
		}
		stored.Op = ot.FromComponents(stored.Revision-1, stored.ClientID, components)
		out = append(out, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operations after %d: %w", rev, err)
	}
	return out, nil
}

// Documents returns the IDs of all stored documents, ordered by ID.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM documents ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list documents: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return ids, nil
}

// DocumentStats summarises one stored document for inspection tooling.
type DocumentStats struct {
	ID               string
	SnapshotRevision uint64
	LoggedOperations uint64
	HeadRevision     uint64
}

// Stats returns per-document log statistics, ordered by document ID.
func (s *Store) Stats(ctx context.Context) ([]DocumentStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id,
		       d.snapshot_revision,
		       COUNT(o.revision),
		       COALESCE(MAX(o.revision), d.snapshot_revision)
		FROM documents d
		LEFT JOIN operations o ON o.doc_id = d.id
		GROUP BY d.id
		ORDER BY d.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("document stats: %w", err)
	}
	defer rows.Close()

	var out []DocumentStats
	for rows.Next() {
		var st DocumentStats
		if err := rows.Scan(&st.ID, &st.SnapshotRevision, &st.LoggedOperations, &st.HeadRevision); err != nil {
			return nil, fmt.Errorf("document stats: scan: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("document stats: %w", err)
	}
	return out, nil
}
