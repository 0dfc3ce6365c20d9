package session

import (
	"errors"
	"fmt"
)

type (
	// CorruptError reports a stored document that cannot be decrypted or
	// parsed. Corrupt documents are never repaired or discarded
	// automatically.
	CorruptError struct {
		ID    string
		Cause error
	}

	// DuplicateError reports an attempt to create a session whose id exists.
	DuplicateError struct {
		ID string
	}

	// TransitionError reports an illegal lifecycle transition.
	TransitionError struct {
		ID   string
		From Status
		To   Status
	}
)

var (
	// ErrNotFound indicates a session does not exist in the store.
	ErrNotFound = errors.New("session not found")
	// ErrLocked indicates another writer holds the session lease.
	ErrLocked = errors.New("session locked by another writer")
	// ErrClosed indicates the store was shut down.
	ErrClosed = errors.New("session store closed")
)

func (e *CorruptError) Error() string {
	return fmt.Sprintf("session %q is corrupt: %v", e.ID, e.Cause)
}

func (e *CorruptError) Unwrap() error { return e.Cause }

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("session %q already exists", e.ID)
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %q cannot transition from %s to %s", e.ID, e.From, e.To)
}

// IsCorrupt reports whether err is or wraps a *CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
