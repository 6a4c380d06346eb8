package ot

import (
	"fmt"
	"strings"
)

// Operation is an immutable edit against a document at a known revision.
//
// BaseRevision is the revision the author last observed. ClientID is the
// authoring client's identity, used as the deterministic tie-break for
// same-position inserts. Components are kept in normal form: no zero-length
// runs, and adjacent components of the same kind merged.
//
// Builder methods (Retain, Insert, Delete) return new values; an Operation
// is never mutated after construction.
type Operation struct {
	BaseRevision uint64
	ClientID     string
	components   []Component
}

// New returns an empty operation authored by clientID against baseRevision.
func New(baseRevision uint64, clientID string) Operation {
	return Operation{BaseRevision: baseRevision, ClientID: clientID}
}

// FromComponents builds an operation from a component sequence, normalizing
// as it goes. The input slice is not retained.
func FromComponents(baseRevision uint64, clientID string, components []Component) Operation {
	op := New(baseRevision, clientID)
	for _, c := range components {
		op = op.append(c)
	}
	return op
}

// Components returns a copy of the component sequence.
func (op Operation) Components() []Component {
	out := make([]Component, len(op.components))
	copy(out, op.components)
	return out
}

// Retain appends a retain run, returning a new operation.
func (op Operation) Retain(n int) Operation {
	return op.append(Retain(n))
}

// Insert appends an insertion, returning a new operation.
func (op Operation) Insert(text string) Operation {
	return op.append(Insert(text))
}

// Delete appends a delete run, returning a new operation.
func (op Operation) Delete(n int) Operation {
	return op.append(Delete(n))
}

// append adds a component, merging with the last one when kinds match.
// The backing slice is always reallocated so shared values never alias.
func (op Operation) append(c Component) Operation {
	if c.IsNoop() {
		return op
	}
	merged := make([]Component, len(op.components), len(op.components)+1)
	copy(merged, op.components)
	if n := len(merged); n > 0 && merged[n-1].Kind == c.Kind {
		last := merged[n-1]
		if c.Kind == KindInsert {
			last.Text += c.Text
		} else {
			last.N += c.N
		}
		merged[n-1] = last
	} else {
		merged = append(merged, c)
	}
	op.components = merged
	return op
}

// BaseLen returns the length of the document this operation applies to.
func (op Operation) BaseLen() int {
	n := 0
	for _, c := range op.components {
		if c.Kind == KindRetain || c.Kind == KindDelete {
			n += c.N
		}
	}
	return n
}

// TargetLen returns the length of the document after applying the operation.
func (op Operation) TargetLen() int {
	n := 0
	for _, c := range op.components {
		if c.Kind == KindRetain || c.Kind == KindInsert {
			n += c.Len()
		}
	}
	return n
}

// IsNoop reports whether applying the operation changes nothing.
func (op Operation) IsNoop() bool {
	for _, c := range op.components {
		if c.Kind != KindRetain {
			return false
		}
	}
	return true
}

func (op Operation) String() string {
	parts := make([]string, len(op.components))
	for i, c := range op.components {
		parts[i] = c.String()
	}
	return fmt.Sprintf("op(base=%d client=%s [%s])", op.BaseRevision, op.ClientID, strings.Join(parts, " "))
}

// Apply runs the operation over content, producing the edited text.
// Returns ErrMalformedOperation if the operation does not exactly cover
// the content.
func (op Operation) Apply(content string) (string, error) {
	runes := []rune(content)
	if op.BaseLen() != len(runes) {
		return "", Malformedf("apply: operation covers %d codepoints, document has %d", op.BaseLen(), len(runes))
	}
	var b strings.Builder
	cursor := 0
	for _, c := range op.components {
		switch c.Kind {
		case KindRetain:
			b.WriteString(string(runes[cursor : cursor+c.N]))
			cursor += c.N
		case KindInsert:
			b.WriteString(c.Text)
		case KindDelete:
			cursor += c.N
		}
	}
	return b.String(), nil
}

// Invert returns the operation that undoes op when applied to the result of
// op. content must be the document op was authored against: deleted text is
// recovered from it.
func (op Operation) Invert(content string) (Operation, error) {
	runes := []rune(content)
	if op.BaseLen() != len(runes) {
		return Operation{}, Malformedf("invert: operation covers %d codepoints, document has %d", op.BaseLen(), len(runes))
	}
	inv := New(op.BaseRevision, op.ClientID)
	cursor := 0
	for _, c := range op.components {
		switch c.Kind {
		case KindRetain:
			inv = inv.Retain(c.N)
			cursor += c.N
		case KindInsert:
			inv = inv.Delete(c.Len())
		case KindDelete:
			inv = inv.Insert(string(runes[cursor : cursor+c.N]))
			cursor += c.N
		}
	}
	return inv, nil
}
