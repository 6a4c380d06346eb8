package ot

// stream walks a component sequence, allowing partial consumption of runs.
type stream struct {
	comps  []Component
	idx    int
	cur    Component
	loaded bool
}

func newStream(comps []Component) *stream {
	return &stream{comps: comps}
}

// peek returns the remaining part of the current component.
func (s *stream) peek() (Component, bool) {
	if !s.loaded {
		if s.idx >= len(s.comps) {
			return Component{}, false
		}
		s.cur = s.comps[s.idx]
		s.idx++
		s.loaded = true
	}
	return s.cur, true
}

// advance drops the current component entirely.
func (s *stream) advance() {
	s.loaded = false
}

// consume uses up n codepoints of the current component.
func (s *stream) consume(n int) {
	if n >= s.cur.Len() {
		s.loaded = false
		return
	}
	_, s.cur = s.cur.takeFront(n)
}

// Transform derives the bottom two sides of the OT diamond. Given a and b
// authored against the same base document, it returns (a', b') such that
// applying a then b' yields the same document as applying b then a'.
//
// Inserts are preserved verbatim and cause an equal retain on the other
// side. Overlapping deletes collapse: content already removed by one side is
// simply skipped by the other. When both sides insert at the same position,
// the operation with the ascending-smaller ClientID lands first; this total
// order is what makes serial pairwise transformation of three or more
// concurrent operations converge.
//
// Two truly concurrent operations never share a ClientID: a client has at
// most one operation in flight, so only the serialization loop's fixed
// argument order ever pairs an operation with one of its own author's (a
// catch-up against that author's earlier accepted edits). On an equal-
// ClientID same-position insert the tie therefore resolves to a: the first
// argument's insert lands first, deterministically for a fixed argument
// order. Transform(a, b) and Transform(b, a) are not interchangeable for
// such a pair; callers must not swap arguments between replicas.
//
// Returns ErrMalformedOperation if a and b do not cover documents of the
// same length. The coordinator only transforms against its own accepted
// history, so that condition is an invariant breach, not a protocol error.
func Transform(a, b Operation) (aPrime, bPrime Operation, err error) {
	if a.BaseLen() != b.BaseLen() {
		return Operation{}, Operation{}, Malformedf(
			"transform: base lengths differ (%d vs %d)", a.BaseLen(), b.BaseLen())
	}

	ap := New(a.BaseRevision, a.ClientID)
	bp := New(b.BaseRevision, b.ClientID)
	sa := newStream(a.components)
	sb := newStream(b.components)

	for {
		ca, okA := sa.peek()
		cb, okB := sb.peek()
		if !okA && !okB {
			break
		}

		// Inserts consume no base content and are handled before runs.
		// On an insert/insert conflict the smaller ClientID goes first.
		aInserts := okA && ca.Kind == KindInsert
		bInserts := okB && cb.Kind == KindInsert
		if aInserts && (!bInserts || a.ClientID <= b.ClientID) {
			ap = ap.append(ca)
			bp = bp.Retain(ca.Len())
			sa.advance()
			continue
		}
		if bInserts {
			ap = ap.Retain(cb.Len())
			bp = bp.append(cb)
			sb.advance()
			continue
		}

		if !okA || !okB {
			return Operation{}, Operation{}, Malformedf(
				"transform: operation ended before covering its base")
		}

		n := min(ca.Len(), cb.Len())
		switch {
		case ca.Kind == KindRetain && cb.Kind == KindRetain:
			ap = ap.Retain(n)
			bp = bp.Retain(n)
		case ca.Kind == KindDelete && cb.Kind == KindDelete:
			// Both sides removed the same run; nothing left to transform.
		case ca.Kind == KindDelete && cb.Kind == KindRetain:
			ap = ap.Delete(n)
		case ca.Kind == KindRetain && cb.Kind == KindDelete:
			bp = bp.Delete(n)
		}
		sa.consume(n)
		sb.consume(n)
	}

	return ap, bp, nil
}

// TransformAgainst rewrites op so it applies after every operation in
// history, in order. history must be the contiguous run of accepted
// operations starting at op.BaseRevision; the returned operation's
// BaseRevision is advanced past them.
func TransformAgainst(op Operation, history []Operation) (Operation, error) {
	out := op
	for _, h := range history {
		var err error
		out, _, err = Transform(out, h)
		if err != nil {
			return Operation{}, err
		}
		out.BaseRevision++
	}
	return out, nil
}

// Compose merges two sequential operations from the same author into one:
// applying Compose(a, b) is equivalent to applying a then b. Used to
// collapse a session outbox before retransmission.
//
// Returns ErrMalformedOperation unless a's target length matches b's base
// length.
func Compose(a, b Operation) (Operation, error) {
	if a.TargetLen() != b.BaseLen() {
		return Operation{}, Malformedf(
			"compose: target length %d does not match base length %d", a.TargetLen(), b.BaseLen())
	}

	out := New(a.BaseRevision, a.ClientID)
	sa := newStream(a.components)
	sb := newStream(b.components)

	for {
		ca, okA := sa.peek()
		cb, okB := sb.peek()

		// a's deletes act on content b never saw; b's inserts are final.
		if okA && ca.Kind == KindDelete {
			out = out.append(ca)
			sa.advance()
			continue
		}
		if okB && cb.Kind == KindInsert {
			out = out.append(cb)
			sb.advance()
			continue
		}

		if !okA && !okB {
			break
		}
		if !okA || !okB {
			return Operation{}, Malformedf("compose: operation ended before covering its base")
		}

		n := min(ca.Len(), cb.Len())
		switch {
		case ca.Kind == KindRetain && cb.Kind == KindRetain:
			out = out.Retain(n)
		case ca.Kind == KindRetain && cb.Kind == KindDelete:
			out = out.Delete(n)
		case ca.Kind == KindInsert && cb.Kind == KindRetain:
			head, _ := ca.takeFront(n)
			out = out.append(head)
		case ca.Kind == KindInsert && cb.Kind == KindDelete:
			// Inserted then deleted within the pair; it never existed.
		}
		sa.consume(n)
		sb.consume(n)
	}

	return out, nil
}
