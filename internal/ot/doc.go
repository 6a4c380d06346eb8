// Package ot implements the operational transformation core for
// collaborative text editing.
//
// An Operation is an immutable sequence of Retain/Insert/Delete components
// in normal form: adjacent components of the same kind are merged, and the
// Retain+Delete lengths exactly cover the document the operation was
// authored against. Transformation never mutates its inputs - it produces
// new Operation values.
//
// ARCHITECTURE:
//
// Transform derives the bottom two sides of the OT diamond (TP1): given two
// operations authored against the same base, it rewrites each so it can be
// applied after the other, and both application orders converge on the same
// document. Inserts are always preserved verbatim; concurrent deletes of the
// same range collapse; inserts landing at the same position are ordered by
// ascending client ID so that any number of replicas reconcile to one
// canonical document (TP2).
//
// All lengths are measured in Unicode codepoints, never bytes. Inserted text
// is NFC-normalized at construction so replicas agree on lengths.
package ot
