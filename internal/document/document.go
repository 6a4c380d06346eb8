// Package document owns the canonical content and revision counter for a
// single logical document.
//
// A Document is an immutable snapshot: Apply returns a new Document at the
// next revision, backed by a rope that shares structure with its
// predecessor. Revision r uniquely identifies a content snapshot, and the
// operation accepted at revision r deterministically produces revision r+1.
//
// Only the synchronization coordinator mutates a document's lineage; every
// other component sees snapshots.
package document

import (
	"errors"
	"fmt"

	"github.com/coedit-dev/coedit/internal/ot"
	"github.com/coedit-dev/coedit/internal/rope"
)

// ErrRevisionMismatch signals an operation applied at the wrong revision.
// The coordinator is the only writer and transforms before applying, so in
// practice this is an internal invariant breach, not a client-facing error.
var ErrRevisionMismatch = errors.New("revision mismatch")

// Document is a content snapshot at a specific revision.
type Document struct {
	content  *rope.Rope
	revision uint64
}

// New returns a document at the given revision with the given content.
// Revision 0 with empty content is a fresh document.
func New(revision uint64, content string) *Document {
	return &Document{content: rope.New(content), revision: revision}
}

// Revision returns the revision this snapshot represents.
func (d *Document) Revision() uint64 {
	return d.revision
}

// Len returns the content length in codepoints.
func (d *Document) Len() int {
	return d.content.Len()
}

// Content materializes the full document text.
func (d *Document) Content() string {
	return d.content.String()
}

// Slice returns the codepoints in [i, j).
func (d *Document) Slice(i, j int) string {
	return d.content.Slice(i, j)
}

// Apply produces the snapshot at revision+1 by running op over the content.
//
// op.BaseRevision must equal the document's revision; ErrRevisionMismatch
// otherwise. Returns ot.ErrMalformedOperation if op does not exactly cover
// the content. The receiver is never modified.
func (d *Document) Apply(op ot.Operation) (*Document, error) {
	if op.BaseRevision != d.revision {
		return nil, fmt.Errorf("%w: operation based on revision %d, document at %d",
			ErrRevisionMismatch, op.BaseRevision, d.revision)
	}
	if op.BaseLen() != d.content.Len() {
		return nil, ot.Malformedf("operation covers %d codepoints, document has %d",
			op.BaseLen(), d.content.Len())
	}

	content := d.content
	cursor := 0
	for _, c := range op.Components() {
		switch c.Kind {
		case ot.KindRetain:
			cursor += c.N
		case ot.KindInsert:
			content = content.Insert(cursor, c.Text)
			cursor += c.Len()
		case ot.KindDelete:
			content = content.Delete(cursor, c.N)
		}
	}

	return &Document{content: content, revision: d.revision + 1}, nil
}
