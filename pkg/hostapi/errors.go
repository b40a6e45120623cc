package hostapi

import (
	"errors"
	"fmt"

	"jonwillia.ms/sshmsg/pkg/message"
)

// Host error keys.
const (
	KeyWrongTypeArg = "wrong-type-arg"
	KeyWrongNumArgs = "wrong-number-of-args"
	KeyUnbound      = "unbound-variable"
	KeySSH          = "ssh-error"
)

// Error is a host-level exception: a key, the procedure that raised it, a
// message and the offending arguments.
type Error struct {
	Key     string
	Proc    string
	Message string
	Args    []Value
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Proc, e.Key, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func wrongTypeArg(proc string, arg Value) *Error {
	return &Error{
		Key:     KeyWrongTypeArg,
		Proc:    proc,
		Message: fmt.Sprintf("Wrong type argument in position 1: %v", arg),
		Args:    []Value{arg},
		Err:     message.ErrInvalidHandle,
	}
}

// hostError translates a façade error. Invalid handles are caller bugs and
// surface as wrong-type-arg; everything else is an ssh-error.
func hostError(proc string, arg Value, err error) *Error {
	if errors.Is(err, message.ErrInvalidHandle) {
		e := wrongTypeArg(proc, arg)
		e.Message = fmt.Sprintf("Wrong type argument in position 1 (expecting live message): %v", arg)
		return e
	}
	return &Error{
		Key:     KeySSH,
		Proc:    proc,
		Message: err.Error(),
		Args:    []Value{arg},
		Err:     err,
	}
}
