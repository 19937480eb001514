package h1

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"github.com/albertbausili/courier/internal/buffer"
	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/socket"
)

// State is the progress of a Reader through one message.
type State int

const (
	StateAwaitingStartLine State = iota
	StateAwaitingHeaders
	StateAwaitingBody
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingStartLine:
		return "awaiting-start-line"
	case StateAwaitingHeaders:
		return "awaiting-headers"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Causes wrapped by BufferOverflow errors from the Reader.
var (
	ErrHeadersTooLarge = errors.New("message headers exceed buffer")
	ErrBodyTooLarge    = errors.New("message body exceeds buffer")
)

// Poster queues work on the event loop.
type Poster interface {
	Post(fn func())
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// BufferSize is the capacity of the read buffer; it bounds the size of
	// start line, headers and body together.
	BufferSize int
	Logger     hclog.Logger
}

// Reader reads one message at a time from a channel into a single buffer
// that is reused for every message on the connection. All methods must be
// called on the event loop.
type Reader struct {
	ch     socket.Channel
	loop   Poster
	kind   Kind
	buf    *buffer.MessageBuffer
	logger hclog.Logger

	parser   Parser
	state    State
	err      error
	msg      Message
	cb       func(error)
	reading  bool
	received bool

	reqMethod string
	mode      bodyMode
	remaining int64
	bodyStart int
	consumed  int
}

// NewReader creates a reader for messages of kind arriving on ch.
func NewReader(ch socket.Channel, kind Kind, loop Poster, cfg ReaderConfig) *Reader {
	size := cfg.BufferSize
	if size <= 0 {
		size = buffer.DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reader{
		ch:     ch,
		loop:   loop,
		kind:   kind,
		buf:    buffer.New(size),
		logger: logger.Named("reader"),
	}
}

// SetRequestMethod tells a response reader which request it answers, so
// that responses to HEAD are read without a body.
func (r *Reader) SetRequestMethod(method string) { r.reqMethod = method }

// State returns the current state.
func (r *Reader) State() State { return r.state }

// Err returns the error that moved the reader to StateError.
func (r *Reader) Err() error { return r.err }

// Buffer returns the read buffer.
func (r *Reader) Buffer() *buffer.MessageBuffer { return r.buf }

// Message returns the parsed message once the reader is complete. The
// message is reused by the next Reset.
func (r *Reader) Message() (*Message, error) {
	if r.state != StateComplete {
		return nil, errs.Newf(errs.ProtocolViolation, errs.StageRead, "message requested in state %s", r.state)
	}
	return &r.msg, nil
}

// Reset prepares the reader for the next message on the same connection.
// Bytes past the end of the completed message stay in the buffer.
func (r *Reader) Reset() {
	if r.state == StateComplete {
		r.buf.Discard(r.consumed)
	} else {
		r.buf.Reset()
	}
	r.msg.Reset()
	r.parser.Reset(nil, 0)
	r.state = StateAwaitingStartLine
	r.err = nil
	r.cb = nil
	r.received = r.buf.Len() > 0
	r.mode, r.remaining, r.bodyStart, r.consumed = bodyNone, 0, 0, 0
}

// ReadMessage reads until a full message is framed, then calls cb once on
// the loop with nil or the failure.
func (r *Reader) ReadMessage(cb func(error)) {
	if r.reading {
		r.loop.Post(func() { cb(errs.Newf(errs.ProtocolViolation, errs.StageRead, "read already in progress")) })
		return
	}
	if r.state == StateComplete || r.state == StateError {
		r.loop.Post(func() {
			cb(errs.Newf(errs.ProtocolViolation, errs.StageRead, "reader in state %s must be reset", r.state))
		})
		return
	}
	r.reading = true
	r.cb = cb

	// Leftover bytes from a previous message may already hold this one.
	if r.buf.Len() > 0 {
		done, err := r.advance()
		if err != nil || done {
			r.loop.Post(func() { r.finish(err) })
			return
		}
	}
	r.readMore()
}

func (r *Reader) readMore() {
	if r.buf.Available() == 0 {
		r.finish(r.overflow(nil))
		return
	}
	r.ch.AsyncRead(r.buf, r.onRead)
}

func (r *Reader) onRead(n int, err error) {
	if !r.reading {
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		r.logger.Trace("end of message", "state", r.state)
		r.finish(r.endOfMessage())
		return
	case errs.KindOf(err) == errs.BufferOverflow:
		r.finish(r.overflow(err))
		return
	case err != nil:
		r.finish(err)
		return
	}

	r.received = true
	r.logger.Trace("read", "bytes", n, "buffered", r.buf.Len())
	done, perr := r.advance()
	switch {
	case perr != nil:
		r.finish(perr)
	case done:
		r.finish(nil)
	default:
		r.readMore()
	}
}

// advance parses as far as the buffered bytes allow.
func (r *Reader) advance() (bool, error) {
	r.parser.Reset(r.buf.Bytes(), r.parser.Pos())
	for {
		switch r.state {
		case StateAwaitingStartLine:
			line, ok := r.parser.NextLine()
			if !ok {
				return false, nil
			}
			if len(line) == 0 {
				// Empty lines before the start line are ignored.
				continue
			}
			var err error
			if r.kind == KindRequest {
				err = parseRequestLine(line, &r.msg)
			} else {
				err = parseStatusLine(line, &r.msg)
			}
			if err != nil {
				return false, err
			}
			r.state = StateAwaitingHeaders

		case StateAwaitingHeaders:
			line, ok := r.parser.NextLine()
			if !ok {
				return false, nil
			}
			if len(line) > 0 {
				if err := parseHeaderLine(line, &r.msg.Header); err != nil {
					return false, err
				}
				continue
			}
			mode, n, err := framing(&r.msg, r.reqMethod)
			if err != nil {
				return false, err
			}
			r.mode, r.remaining = mode, n
			r.bodyStart = r.parser.Pos()
			r.state = StateAwaitingBody
			r.logger.Trace("headers complete", "fields", r.msg.Header.Len(), "body", r.mode)
			if mode == bodyLength && int64(r.bodyStart)+n > int64(r.buf.Cap()) {
				return false, errs.New(errs.BufferOverflow, errs.StageRead,
					fmt.Errorf("%w: Content-Length %d with %d bytes of buffer left", ErrBodyTooLarge, n, r.buf.Cap()-r.bodyStart))
			}

		case StateAwaitingBody:
			switch r.mode {
			case bodyNone:
				return r.complete(r.parser.Pos()), nil
			case bodyLength:
				body, ok := r.parser.Take(int(r.remaining))
				if !ok {
					return false, nil
				}
				r.msg.Body = append(r.msg.Body[:0], body...)
				return r.complete(r.parser.Pos()), nil
			case bodyChunked:
				for {
					data, last, ok, err := r.parser.ParseChunk()
					if err != nil {
						return false, err
					}
					if !ok {
						return false, nil
					}
					if last {
						return r.complete(r.parser.Pos()), nil
					}
					r.msg.Body = append(r.msg.Body, data...)
				}
			case bodyUntilEOF:
				return false, nil
			}

		default:
			return r.state == StateComplete, r.err
		}
	}
}

func (r *Reader) complete(end int) bool {
	r.consumed = end
	r.state = StateComplete
	return true
}

// endOfMessage handles the peer signalling that no more bytes will come.
func (r *Reader) endOfMessage() error {
	switch r.state {
	case StateAwaitingStartLine:
		if !r.received {
			return errs.New(errs.MalformedMessage, errs.StageRead, io.EOF)
		}
		return errs.New(errs.MalformedMessage, errs.StageRead, io.ErrUnexpectedEOF)
	case StateAwaitingHeaders:
		return errs.New(errs.MalformedMessage, errs.StageRead, io.ErrUnexpectedEOF)
	case StateAwaitingBody:
		if r.mode == bodyUntilEOF {
			r.msg.Body = append(r.msg.Body[:0], r.buf.Bytes()[r.bodyStart:]...)
			r.complete(r.buf.Len())
			return nil
		}
		return errs.New(errs.MalformedMessage, errs.StageRead, io.ErrUnexpectedEOF)
	default:
		return nil
	}
}

// overflow builds the BufferOverflow error for the current state. cause is
// the channel's own overflow error, if any.
func (r *Reader) overflow(cause error) error {
	which := ErrHeadersTooLarge
	if r.state == StateAwaitingBody {
		which = ErrBodyTooLarge
	}
	r.logger.Warn("buffer overflow", "state", r.state, "capacity", r.buf.Cap())
	if cause != nil {
		return errs.New(errs.BufferOverflow, errs.StageRead, fmt.Errorf("%w: %w", which, cause))
	}
	return errs.New(errs.BufferOverflow, errs.StageRead, fmt.Errorf("%w: %d byte buffer is full", which, r.buf.Cap()))
}

func (r *Reader) finish(err error) {
	cb := r.cb
	r.cb = nil
	r.reading = false
	if err != nil {
		r.state = StateError
		r.err = err
		r.logger.Debug("read failed", "error", err)
	} else {
		r.logger.Trace("message complete", "kind", r.kind, "body", len(r.msg.Body), "leftover", r.buf.Len()-r.consumed)
	}
	if cb != nil {
		cb(err)
	}
}

func (m bodyMode) String() string {
	switch m {
	case bodyLength:
		return "content-length"
	case bodyChunked:
		return "chunked"
	case bodyUntilEOF:
		return "until-eof"
	default:
		return "none"
	}
}
