// Package errs defines the error taxonomy shared by the connection engine.
//
// Every failure surfaced through a completion callback is an *Error carrying
// a Kind and the Stage it happened in. Kinds implement error themselves so
// callers can match with errors.Is(err, errs.BufferOverflow).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Transport covers connect, read, write and cancel failures of a channel.
	Transport Kind = iota + 1
	// BufferOverflow means incoming or outgoing data exceeded a fixed buffer.
	BufferOverflow
	// MalformedMessage means framing could not be parsed, or the stream ended
	// before the headers were complete.
	MalformedMessage
	// ProtocolViolation means the caller broke the operation contract, for
	// example overlapping reads or asking for a response before it exists.
	ProtocolViolation
)

func (k Kind) Error() string {
	switch k {
	case Transport:
		return "transport error"
	case BufferOverflow:
		return "buffer overflow"
	case MalformedMessage:
		return "malformed message"
	case ProtocolViolation:
		return "protocol violation"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Stage names the step of a request or connection lifecycle that failed.
type Stage int

const (
	StageNone Stage = iota
	StageConnect
	StageWrite
	StageRead
	StageDispatch
)

func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "connect"
	case StageWrite:
		return "write"
	case StageRead:
		return "read"
	case StageDispatch:
		return "dispatch"
	default:
		return "none"
	}
}

// ErrCanceled is wrapped by Transport errors produced when a channel or the
// component owning it is closed while an operation is pending.
var ErrCanceled = errors.New("operation canceled")

// Error is the concrete error delivered to completion callbacks.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Stage != StageNone {
		msg = e.Stage.String() + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// New returns an *Error of the given kind and stage wrapping err.
func New(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Canceled returns the Transport error reported for operations cut short by Close.
func Canceled(stage Stage) *Error {
	return &Error{Kind: Transport, Stage: stage, Err: ErrCanceled}
}

// WithStage returns err re-tagged with stage when it is an *Error without a
// stage of its own. Other errors are wrapped as Transport failures.
func WithStage(err error, stage Stage) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Stage != StageNone {
			return err
		}
		return &Error{Kind: e.Kind, Stage: stage, Err: e.Err}
	}
	return &Error{Kind: Transport, Stage: stage, Err: err}
}

// KindOf returns the Kind carried by err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// StageOf returns the Stage carried by err, or StageNone.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return StageNone
}
