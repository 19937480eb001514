package h1

import (
	"github.com/hashicorp/go-hclog"

	"github.com/albertbausili/courier/internal/buffer"
	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/socket"
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	// BufferSize is the capacity of the serialization buffer; larger
	// messages fail with BufferOverflow.
	BufferSize int
	Logger     hclog.Logger
}

// Writer serializes messages into its own buffer and sends each with a
// single write. It never retries. All methods must be called on the loop.
type Writer struct {
	ch      socket.Channel
	loop    Poster
	buf     *buffer.MessageBuffer
	logger  hclog.Logger
	writing bool
}

// NewWriter creates a writer sending on ch.
func NewWriter(ch socket.Channel, loop Poster, cfg WriterConfig) *Writer {
	size := cfg.BufferSize
	if size <= 0 {
		size = buffer.DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Writer{
		ch:     ch,
		loop:   loop,
		buf:    buffer.New(size),
		logger: logger.Named("writer"),
	}
}

// WriteMessage serializes m and sends it. cb runs once on the loop. m may
// be reused as soon as WriteMessage returns.
func (w *Writer) WriteMessage(m *Message, cb func(error)) {
	if w.writing {
		w.loop.Post(func() { cb(errs.Newf(errs.ProtocolViolation, errs.StageWrite, "write already in progress")) })
		return
	}

	w.buf.Reset()
	if err := m.WriteTo(w.buf); err != nil {
		w.logger.Warn("message does not fit write buffer", "capacity", w.buf.Cap(), "body", len(m.Body))
		werr := errs.WithStage(err, errs.StageWrite)
		w.loop.Post(func() { cb(werr) })
		return
	}

	w.writing = true
	w.logger.Trace("writing message", "kind", m.Kind, "bytes", w.buf.Len())
	w.ch.AsyncWrite(w.buf.Bytes(), func(err error) {
		w.writing = false
		if err != nil {
			w.logger.Debug("write failed", "error", err)
		}
		cb(err)
	})
}

// Writing reports whether a write is in flight.
func (w *Writer) Writing() bool { return w.writing }
