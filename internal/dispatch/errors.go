package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEligibleModel is returned by Send when the allow-list is empty.
	// No outbound request is made and the conversation is untouched.
	ErrNoEligibleModel = errors.New("no eligible model selected")

	// ErrQuotaExceeded is returned by Send when the owner's message budget
	// is exhausted.
	ErrQuotaExceeded = errors.New("message quota exceeded")

	// ErrEmptyMessage is returned by Send for a request with neither text nor
	// an attachment.
	ErrEmptyMessage = errors.New("message is empty")
)

// OutboundRequestFailed describes one target whose request failed. It is
// reported through the Observer and in Dispatch results, never from Send.
type OutboundRequestFailed struct {
	ModelName  string
	SubModelID string
	Err        error
}

func (e *OutboundRequestFailed) Error() string {
	return fmt.Sprintf("outbound request to %s (%s) failed: %v", e.ModelName, e.SubModelID, e.Err)
}

func (e *OutboundRequestFailed) Unwrap() error {
	return e.Err
}

// PersistenceWriteFailed wraps a failed merge-write. The in-memory
// conversation stays authoritative; the error is logged and observed only.
type PersistenceWriteFailed struct {
	SessionID string
	Err       error
}

func (e *PersistenceWriteFailed) Error() string {
	return fmt.Sprintf("failed to persist session %s: %v", e.SessionID, e.Err)
}

func (e *PersistenceWriteFailed) Unwrap() error {
	return e.Err
}
