// Package socket defines the byte-stream channel contract the engine is
// built on, and its real implementations over net.Conn and gnet.Conn.
package socket

import (
	"context"
	"sync"

	"github.com/albertbausili/courier/internal/buffer"
	"github.com/albertbausili/courier/internal/errs"
)

// ReadCallback receives the result of AsyncRead: (n>0, nil) when n bytes
// were committed to the buffer, (0, io.EOF) at end-of-message, or (0, err).
type ReadCallback func(n int, err error)

// WriteCallback receives the result of AsyncWrite: nil once every byte was
// sent, or the failure.
type WriteCallback func(err error)

// Channel is one live byte-stream endpoint. At most one read and one write
// may be outstanding at a time; a second one is reported as a
// ProtocolViolation through its callback. Callbacks always run on the
// event loop the channel was created with, exactly once per call.
type Channel interface {
	// AsyncRead reads into the writable region of buf. buf must not be
	// touched by the caller until cb fires.
	AsyncRead(buf *buffer.MessageBuffer, cb ReadCallback)
	// AsyncWrite sends all of p. p must not be modified until cb fires.
	AsyncWrite(p []byte, cb WriteCallback)
	// NativeHandle returns the OS descriptor for diagnostics, or -1.
	NativeHandle() int64
	// IsOpen reports whether Close has not been called.
	IsOpen() bool
	// Close releases the endpoint. Pending callbacks fire with a canceled
	// Transport error. Calling Close twice is a no-op.
	Close() error
}

// Connector asynchronously acquires a channel to host:service. cb runs on
// the event loop exactly once.
type Connector interface {
	Connect(ctx context.Context, host, service string, cb func(Channel, error))
}

// poster is the part of eventloop.Loop the channels need.
type poster interface {
	Post(fn func())
}

// opGuard tracks the in-flight operations of a channel so that overlap is
// detected and Close can cancel whatever is pending. Each pending callback
// is claimed exactly once, by whoever gets to it first.
type opGuard struct {
	mu     sync.Mutex
	closed bool
	rcb    ReadCallback
	rbuf   *buffer.MessageBuffer
	wcb    WriteCallback
}

// beginRead registers a read or returns the error to report instead.
func (g *opGuard) beginRead(buf *buffer.MessageBuffer, cb ReadCallback) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errs.Canceled(errs.StageRead)
	}
	if g.rcb != nil {
		return errs.Newf(errs.ProtocolViolation, errs.StageRead, "read already in progress")
	}
	g.rcb, g.rbuf = cb, buf
	return nil
}

// claimRead takes ownership of the pending read, if any.
func (g *opGuard) claimRead() (ReadCallback, *buffer.MessageBuffer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, buf := g.rcb, g.rbuf
	g.rcb, g.rbuf = nil, nil
	return cb, buf
}

// beginWrite registers a write or returns the error to report instead.
func (g *opGuard) beginWrite(cb WriteCallback) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errs.Canceled(errs.StageWrite)
	}
	if g.wcb != nil {
		return errs.Newf(errs.ProtocolViolation, errs.StageWrite, "write already in progress")
	}
	g.wcb = cb
	return nil
}

// claimWrite takes ownership of the pending write, if any.
func (g *opGuard) claimWrite() WriteCallback {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb := g.wcb
	g.wcb = nil
	return cb
}

// close marks the guard closed and returns the callbacks to cancel. ok is
// false when the guard was already closed.
func (g *opGuard) close() (rcb ReadCallback, wcb WriteCallback, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, false
	}
	g.closed = true
	rcb, wcb = g.rcb, g.wcb
	g.rcb, g.rbuf, g.wcb = nil, nil, nil
	return rcb, wcb, true
}

func (g *opGuard) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// cancelPending posts canceled completions for the callbacks returned by close.
func cancelPending(p poster, rcb ReadCallback, wcb WriteCallback) {
	if rcb != nil {
		p.Post(func() { rcb(0, errs.Canceled(errs.StageRead)) })
	}
	if wcb != nil {
		p.Post(func() { wcb(errs.Canceled(errs.StageWrite)) })
	}
}
