// Package fault classifies supervision failures so callers can choose a
// recovery policy by kind instead of by matching error strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the failure category.
type Kind string

const (
	// KindConfig covers missing or malformed configuration. The offending
	// line or file is skipped and loading continues.
	KindConfig Kind = "config"
	// KindConnection covers auth failures, unreachable hosts and timeouts.
	// The peer stays unreachable for the rest of the run.
	KindConnection Kind = "connection"
	// KindCheck covers a process or URL check that itself errored.
	KindCheck Kind = "check"
	// KindRestartExhausted means a unit's failure count passed its limit.
	KindRestartExhausted Kind = "restart_exhausted"
	// KindFanout covers one peer's remote invocation failing.
	KindFanout Kind = "fanout"
)

// Error carries a Kind, the operation that failed and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so errors.Is(err,
// &fault.Error{Kind: fault.KindCheck}) works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Config(op string, err error) *Error           { return New(KindConfig, op, err) }
func Connection(op string, err error) *Error       { return New(KindConnection, op, err) }
func Check(op string, err error) *Error            { return New(KindCheck, op, err) }
func RestartExhausted(op string, err error) *Error { return New(KindRestartExhausted, op, err) }
func Fanout(op string, err error) *Error           { return New(KindFanout, op, err) }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
