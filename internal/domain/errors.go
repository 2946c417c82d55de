package domain

import "errors"

var (
	// ErrDuplicateSession means a session for the call already exists.
	// Callers treat it as "already started" and fetch the existing state.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrNotFound is returned for unknown calls, businesses or transactions.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState rejects writes to a session in a terminal state.
	ErrInvalidState = errors.New("invalid state")

	// ErrIllegalTransition rejects a state change the state machine forbids.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrGenerationFailure means the language model could not produce a reply,
	// even after the degraded retry.
	ErrGenerationFailure = errors.New("generation failure")

	// ErrExtractionFailure means the extraction annotator failed.
	ErrExtractionFailure = errors.New("extraction failure")
)
