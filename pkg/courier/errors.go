package courier

import (
	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/h1"
)

// Error is the error reported by the engine. Kind says what went wrong and
// Stage where.
type Error = errs.Error

// Kind classifies engine errors; each Kind is itself an error usable with
// errors.Is.
type Kind = errs.Kind

// Stage names the step of an exchange that failed.
type Stage = errs.Stage

const (
	Transport         = errs.Transport
	BufferOverflow    = errs.BufferOverflow
	MalformedMessage  = errs.MalformedMessage
	ProtocolViolation = errs.ProtocolViolation
)

const (
	StageNone     = errs.StageNone
	StageConnect  = errs.StageConnect
	StageWrite    = errs.StageWrite
	StageRead     = errs.StageRead
	StageDispatch = errs.StageDispatch
)

var (
	// ErrCanceled marks operations cut short by Close or Cancel.
	ErrCanceled = errs.ErrCanceled
	// ErrHeadersTooLarge marks a start line and headers that overflow the
	// read buffer.
	ErrHeadersTooLarge = h1.ErrHeadersTooLarge
	// ErrBodyTooLarge marks a body that overflows the read buffer.
	ErrBodyTooLarge = h1.ErrBodyTooLarge
)

// Message is a parsed or outgoing HTTP/1.x request or response.
type Message = h1.Message

// Header is an ordered, case-insensitive header list.
type Header = h1.Header
