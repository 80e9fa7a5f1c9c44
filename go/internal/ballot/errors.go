package ballot

import "errors"

var (
	// ErrAlreadyLocked is returned when a locked ballot is submitted again.
	ErrAlreadyLocked = errors.New("ballot is already locked")
	// ErrInvalidResolution is returned for an unlock resolution other than
	// approved or rejected.
	ErrInvalidResolution = errors.New("unlock resolution must be approved or rejected")
	// ErrNothingQueued is returned when flushing a ballot with no queued submission.
	ErrNothingQueued = errors.New("no queued submission")
	// ErrUnreadable is returned when a stored ballot cannot be decoded. The
	// entry is left untouched; Reset discards it.
	ErrUnreadable = errors.New("stored ballot is unreadable")
)
