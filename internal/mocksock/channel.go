// Package mocksock is a deterministic in-memory transport. A Channel replays
// the chunks of a test case, one per read, after a simulated latency, then
// reports end-of-message. Writes are captured for inspection.
package mocksock

import (
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/albertbausili/courier/internal/buffer"
	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/socket"
)

// NativeHandle is the descriptor every mock channel reports.
const NativeHandle = 9876

// DefaultLatency is the delay before a chunk read completes.
const DefaultLatency = 5 * time.Millisecond

var _ socket.Channel = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

// WithLatency sets the simulated read latency.
func WithLatency(d time.Duration) Option {
	return func(c *Channel) { c.latency = d }
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// Channel is a socket.Channel backed by a test case. AsyncRead, AsyncWrite
// and Close must be called on the loop goroutine; Written and Reads may be
// called from anywhere.
type Channel struct {
	loop    *eventloop.Loop
	cursor  *Cursor
	latency time.Duration
	timer   *eventloop.SingleTimer
	logger  hclog.Logger

	closed  bool
	readCB  socket.ReadCallback
	writeCB socket.WriteCallback

	mu       sync.Mutex
	written  []byte
	writeErr error
	reads    int
}

// New creates a channel replaying case caseID of src.
func New(loop *eventloop.Loop, src *Source, caseID int, opts ...Option) (*Channel, error) {
	cur, err := src.Cursor(caseID)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		loop:    loop,
		cursor:  cur,
		latency: DefaultLatency,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = hclog.NewNullLogger()
	}
	c.logger = c.logger.Named("mocksock").With("case", cur.Name())
	c.timer = eventloop.NewSingleTimer(loop, c.latency)
	return c, nil
}

// AsyncRead implements socket.Channel.
func (c *Channel) AsyncRead(buf *buffer.MessageBuffer, cb socket.ReadCallback) {
	switch {
	case c.closed:
		c.loop.Post(func() { cb(0, errs.Canceled(errs.StageRead)) })
		return
	case c.readCB != nil:
		c.loop.Post(func() {
			cb(0, errs.Newf(errs.ProtocolViolation, errs.StageRead, "read already in progress"))
		})
		return
	}

	chunk, ok := c.cursor.Peek()
	if !ok {
		c.logger.Trace("test case finished")
		c.countRead()
		c.loop.Post(func() { cb(0, io.EOF) })
		return
	}

	// One byte stays reserved past the chunk, as a terminator would need.
	if len(chunk)+1 > buf.Available() {
		c.logger.Error("buffer too small", "chunk", len(chunk), "available", buf.Available())
		c.loop.Post(func() {
			cb(0, errs.Newf(errs.BufferOverflow, errs.StageRead,
				"chunk of %d bytes does not fit in %d free bytes", len(chunk), buf.Available()))
		})
		return
	}
	c.cursor.Next()

	n := copy(buf.Writable(), chunk)
	if err := buf.Commit(n); err != nil {
		c.loop.Post(func() { cb(0, errs.WithStage(err, errs.StageRead)) })
		return
	}
	c.logger.Trace("new buffer", "data", strconv.Quote(chunk), "len", n)

	c.readCB = cb
	c.timer.Start(func() {
		cb := c.readCB
		c.readCB = nil
		if cb == nil {
			return
		}
		c.countRead()
		cb(n, nil)
	})
}

// AsyncWrite implements socket.Channel.
func (c *Channel) AsyncWrite(p []byte, cb socket.WriteCallback) {
	switch {
	case c.closed:
		c.loop.Post(func() { cb(errs.Canceled(errs.StageWrite)) })
		return
	case c.writeCB != nil:
		c.loop.Post(func() {
			cb(errs.Newf(errs.ProtocolViolation, errs.StageWrite, "write already in progress"))
		})
		return
	}

	c.mu.Lock()
	werr := c.writeErr
	if werr == nil {
		c.written = append(c.written, p...)
	}
	c.mu.Unlock()

	c.writeCB = cb
	c.loop.Post(func() {
		cb := c.writeCB
		c.writeCB = nil
		if cb == nil {
			return
		}
		if werr != nil {
			cb(errs.New(errs.Transport, errs.StageWrite, werr))
			return
		}
		cb(nil)
	})
}

// NativeHandle implements socket.Channel.
func (c *Channel) NativeHandle() int64 { return NativeHandle }

// IsOpen implements socket.Channel.
func (c *Channel) IsOpen() bool { return !c.closed }

// Close implements socket.Channel.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.timer.Cancel()
	if cb := c.readCB; cb != nil {
		c.readCB = nil
		c.loop.Post(func() { cb(0, errs.Canceled(errs.StageRead)) })
	}
	if cb := c.writeCB; cb != nil {
		c.writeCB = nil
		c.loop.Post(func() { cb(errs.Canceled(errs.StageWrite)) })
	}
	c.logger.Debug("closed")
	return nil
}

// FailWrites makes every later write fail with a Transport error wrapping
// err. A nil err restores normal writes.
func (c *Channel) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Written returns a copy of every byte written so far.
func (c *Channel) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// Reads returns the number of completed reads, end-of-message included.
func (c *Channel) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *Channel) countRead() {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
}

// ErrWriteFailed is a convenience cause for FailWrites.
var ErrWriteFailed = errors.New("mock write failed")
