package nearlock

import "errors"

var (
	// ErrEntryRemoved is returned by entry operations after the entry was
	// removed from its store. Transient: callers re-fetch and retry.
	ErrEntryRemoved = errors.New("entry removed")

	// ErrLockNotFound is returned when an operation references a lock
	// version with no candidate on the entry.
	ErrLockNotFound = errors.New("lock candidate not found")
)
