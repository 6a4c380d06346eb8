package coordinator

import (
	"errors"
	"fmt"
)

// Code categorizes synchronization failures.
type Code string

const (
	// CodeMalformedOperation: an operation violated the transform engine's
	// contract. Internal invariant breach - fatal to the session.
	CodeMalformedOperation Code = "MALFORMED_OPERATION"

	// CodeRevisionMismatch: an operation reached the document model at the
	// wrong revision. Only possible through a coordinator bug; logged loudly.
	CodeRevisionMismatch Code = "REVISION_MISMATCH"

	// CodeFutureRevision: a client submitted against a revision the server
	// has not reached (e.g. double submission). Recoverable via resync.
	CodeFutureRevision Code = "FUTURE_REVISION"

	// CodePermissionDenied: the external permission collaborator rejected
	// the edit. Recoverable - the operation is dropped and the client told.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeRevisionTooOld: the requested backfill predates the retention
	// window. Recoverable via full snapshot resync.
	CodeRevisionTooOld Code = "REVISION_TOO_OLD"

	// CodePersistenceWriteFailure: the durability collaborator failed.
	// Retried with backoff; never rolls back in-memory accepted state.
	CodePersistenceWriteFailure Code = "PERSISTENCE_WRITE_FAILURE"
)

// SyncError is a coded synchronization failure with enough context to log
// and to map onto a wire error message.
type SyncError struct {
	Code       Code
	Message    string
	DocumentID string
	ClientID   string
	Revision   uint64
}

func (e *SyncError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("%s: %s (doc=%s rev=%d)", e.Code, e.Message, e.DocumentID, e.Revision)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the error code, or "" if err is not a SyncError.
func CodeOf(err error) Code {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsFutureRevision reports whether err is a future-revision protocol error.
func IsFutureRevision(err error) bool { return CodeOf(err) == CodeFutureRevision }

// IsPermissionDenied reports whether err is a policy rejection.
func IsPermissionDenied(err error) bool { return CodeOf(err) == CodePermissionDenied }

// IsRevisionTooOld reports whether err means the retention window was missed.
func IsRevisionTooOld(err error) bool { return CodeOf(err) == CodeRevisionTooOld }

// IsMalformedOperation reports whether err is a transform contract breach.
func IsMalformedOperation(err error) bool { return CodeOf(err) == CodeMalformedOperation }

func futureRevisionError(docID string, base, current uint64) *SyncError {
	return &SyncError{
		Code:       CodeFutureRevision,
		Message:    fmt.Sprintf("operation based on revision %d, document at %d", base, current),
		DocumentID: docID,
		Revision:   current,
	}
}

func permissionDeniedError(docID, clientID string) *SyncError {
	return &SyncError{
		Code:       CodePermissionDenied,
		Message:    fmt.Sprintf("client %s may not edit", clientID),
		DocumentID: docID,
		ClientID:   clientID,
	}
}

func revisionTooOldError(docID string, requested, oldest uint64) *SyncError {
	return &SyncError{
		Code:       CodeRevisionTooOld,
		Message:    fmt.Sprintf("revision %d predates retained history (oldest %d)", requested, oldest),
		DocumentID: docID,
		Revision:   requested,
	}
}

func malformedError(docID string, cause error) *SyncError {
	return &SyncError{
		Code:       CodeMalformedOperation,
		Message:    cause.Error(),
		DocumentID: docID,
	}
}
