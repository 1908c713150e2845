// Package errs classifies embedding pipeline failures.
//
// Every failure that can stop a call is tagged with one Kind. Callers match on
// the kind sentinels with errors.Is, and the CLI maps the kind to an exit code.
package errs

import (
	"errors"
	"fmt"
)

// Kind names one failure class of the pipeline.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindValidation    Kind = "validation"
	KindTokenization  Kind = "tokenization"
	KindDevice        Kind = "device"
	KindOutOfMemory   Kind = "out_of_memory"
	KindComputation   Kind = "computation"
	KindSerialization Kind = "serialization"
)

// Kind sentinels. Wrapped errors satisfy errors.Is against the sentinel of
// their kind.
var (
	ErrValidation    = errors.New("validation error")
	ErrTokenization  = errors.New("tokenization error")
	ErrDevice        = errors.New("device error")
	ErrOutOfMemory   = errors.New("out of memory")
	ErrComputation   = errors.New("computation error")
	ErrSerialization = errors.New("serialization error")
)

var sentinels = map[Kind]error{
	KindValidation:    ErrValidation,
	KindTokenization:  ErrTokenization,
	KindDevice:        ErrDevice,
	KindOutOfMemory:   ErrOutOfMemory,
	KindComputation:   ErrComputation,
	KindSerialization: ErrSerialization,
}

var exitCodes = map[Kind]int{
	KindValidation:    2,
	KindTokenization:  3,
	KindDevice:        4,
	KindOutOfMemory:   5,
	KindComputation:   6,
	KindSerialization: 7,
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind   // failure class
	Op   string // component operation, e.g. "engine.forward"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := sentinels[e.Kind]
	if msg == nil {
		msg = errors.New(string(e.Kind))
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New returns a classified error for op with a formatted cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under kind. It returns nil when err is nil and keeps an
// existing classification intact.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindUnknown
}

// ExitCode maps err to a process exit status: 0 for nil, a per-kind code for
// classified failures and 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[KindOf(err)]; ok {
		return code
	}
	return 1
}
