package message

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandle is returned for zero, stale, released or foreign
	// handles. It is always a caller bug and is never retried.
	ErrInvalidHandle = errors.New("invalid message handle")
	// ErrAlreadyReplied is returned by a second reply to the same message.
	// Nothing is sent.
	ErrAlreadyReplied = errors.New("message already replied")
	// ErrAlreadyInitialized is returned by a second façade Init.
	ErrAlreadyInitialized = errors.New("façade already initialized")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")
)

// TransportError reports a failed reply write. The caller decides whether to
// abort the session.
type TransportError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
