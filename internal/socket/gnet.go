package socket

import (
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/gnet/v2"

	"github.com/albertbausili/courier/internal/buffer"
	"github.com/albertbausili/courier/internal/errs"
)

// GnetChannel adapts a gnet connection to the Channel contract. gnet owns
// the socket and its inbound buffer; OnTraffic and OnClose must be called
// by the gnet event handler for this connection. Inbound bytes stay in
// gnet's buffer until a read is armed, and arming a read wakes the
// connection so buffered bytes are delivered.
type GnetChannel struct {
	conn   gnet.Conn
	loop   poster
	logger hclog.Logger
	guard  opGuard

	mu         sync.Mutex
	peerClosed bool
	peerErr    error
}

// NewGnetChannel wraps c.
func NewGnetChannel(c gnet.Conn, loop poster, logger hclog.Logger) *GnetChannel {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	remote := "unknown"
	if addr := c.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &GnetChannel{
		conn:   c,
		loop:   loop,
		logger: logger.Named("gnetchan").With("remote", remote),
	}
}

// AsyncRead implements Channel.
func (g *GnetChannel) AsyncRead(buf *buffer.MessageBuffer, cb ReadCallback) {
	if buf.Available() == 0 {
		g.loop.Post(func() {
			cb(0, errs.Newf(errs.BufferOverflow, errs.StageRead, "no room left in %d byte buffer", buf.Cap()))
		})
		return
	}
	if err := g.guard.beginRead(buf, cb); err != nil {
		g.loop.Post(func() { cb(0, err) })
		return
	}

	g.mu.Lock()
	closed, perr := g.peerClosed, g.peerErr
	g.mu.Unlock()
	if closed {
		g.failRead(perr)
		return
	}

	// Wake runs OnTraffic on the gnet loop, which delivers anything already
	// buffered; otherwise the read completes on the next inbound traffic.
	if err := g.conn.Wake(nil); err != nil {
		g.failRead(err)
	}
}

// OnTraffic moves inbound bytes into the pending read's buffer. It runs on
// the gnet event loop that owns the connection.
func (g *GnetChannel) OnTraffic() gnet.Action {
	if g.conn.InboundBuffered() == 0 {
		return gnet.None
	}
	cb, buf := g.guard.claimRead()
	if cb == nil {
		// Nobody is reading; leave the bytes in gnet's inbound buffer.
		return gnet.None
	}

	n, err := g.conn.Read(buf.Writable())
	if n == 0 {
		g.loop.Post(func() { cb(0, errs.New(errs.Transport, errs.StageRead, err)) })
		return gnet.None
	}
	if cerr := buf.Commit(n); cerr != nil {
		g.loop.Post(func() { cb(0, errs.WithStage(cerr, errs.StageRead)) })
		return gnet.None
	}
	g.logger.Trace("read", "bytes", n)
	g.loop.Post(func() { cb(n, nil) })
	return gnet.None
}

// OnClose records that the peer or the engine closed the connection and
// completes pending operations.
func (g *GnetChannel) OnClose(err error) {
	g.mu.Lock()
	g.peerClosed, g.peerErr = true, err
	g.mu.Unlock()

	g.failRead(err)
	if cb := g.guard.claimWrite(); cb != nil {
		werr := err
		if werr == nil {
			werr = net.ErrClosed
		}
		g.loop.Post(func() { cb(errs.New(errs.Transport, errs.StageWrite, werr)) })
	}
}

// failRead completes a pending read with end-of-message, or with err when
// the connection went away abnormally.
func (g *GnetChannel) failRead(err error) {
	cb, _ := g.guard.claimRead()
	if cb == nil {
		return
	}
	if err == nil {
		g.logger.Trace("end of message")
		g.loop.Post(func() { cb(0, io.EOF) })
		return
	}
	g.loop.Post(func() { cb(0, errs.New(errs.Transport, errs.StageRead, err)) })
}

// AsyncWrite implements Channel.
func (g *GnetChannel) AsyncWrite(p []byte, cb WriteCallback) {
	if err := g.guard.beginWrite(cb); err != nil {
		g.loop.Post(func() { cb(err) })
		return
	}
	err := g.conn.AsyncWrite(p, func(_ gnet.Conn, err error) error {
		g.finishWrite(len(p), err)
		return nil
	})
	if err != nil {
		g.finishWrite(0, err)
	}
}

func (g *GnetChannel) finishWrite(n int, err error) {
	cb := g.guard.claimWrite()
	if cb == nil {
		return
	}
	if err != nil {
		g.loop.Post(func() { cb(errs.New(errs.Transport, errs.StageWrite, err)) })
		return
	}
	g.logger.Trace("wrote", "bytes", n)
	g.loop.Post(func() { cb(nil) })
}

// NativeHandle implements Channel.
func (g *GnetChannel) NativeHandle() int64 { return int64(g.conn.Fd()) }

// IsOpen implements Channel.
func (g *GnetChannel) IsOpen() bool { return !g.guard.isClosed() }

// Close implements Channel.
func (g *GnetChannel) Close() error {
	rcb, wcb, ok := g.guard.close()
	if !ok {
		return nil
	}
	cancelPending(g.loop, rcb, wcb)
	g.logger.Debug("closed")
	return g.conn.Close()
}
