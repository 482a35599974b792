package election

import "errors"

var (
	// ErrStopped is returned by operations on an engine that was stopped.
	ErrStopped = errors.New("election engine stopped")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("election engine already started")

	// ErrInvalidMessage wraps every protocol violation.
	ErrInvalidMessage = errors.New("invalid election message")

	// ErrNoIdentity is returned when an engine is created without a PeerID.
	ErrNoIdentity = errors.New("missing self identity")

	// ErrNoTransport is returned when an engine is created without a
	// broadcaster.
	ErrNoTransport = errors.New("missing broadcast transport")

	errMailboxFull = errors.New("election mailbox full")
)
