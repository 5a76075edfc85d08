package protocol

import "errors"

var (
	// ErrIncomplete means the connection's buffer does not yet hold a full
	// request; the reactor should read more and call Parse again.
	ErrIncomplete = errors.New("incomplete request")
	// ErrInvalid means the bytes parsed so far cannot form a valid
	// request; the caller should emit 400 and close.
	ErrInvalid = errors.New("invalid request")
)
