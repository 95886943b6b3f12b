package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMember = errors.New("unknown member")
	ErrBadArgument   = errors.New("bad argument")
	ErrAccessDenied  = errors.New("access denied")
	ErrClosed        = errors.New("dispatcher closed")
	ErrHostPanic     = errors.New("host member panicked")
	ErrRegistered    = errors.New("type already registered")
)

// CallError reports the forwarding call that failed.
type CallError struct {
	Kind   CallKind
	Type   string
	Member string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s %s.%s: %v", e.Kind, e.Type, e.Member, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
