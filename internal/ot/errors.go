package ot

import (
	"errors"
	"fmt"
)

// ErrMalformedOperation signals a contract violation: an operation that does
// not cover its base document, or a transform/compose of operations with
// mismatched lengths. It always indicates a programming error upstream, never
// a condition to recover from silently.
var ErrMalformedOperation = errors.New("malformed operation")

// Malformedf wraps ErrMalformedOperation with context.
func Malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedOperation, fmt.Sprintf(format, args...))
}

// IsMalformed reports whether err is (or wraps) ErrMalformedOperation.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedOperation)
}
