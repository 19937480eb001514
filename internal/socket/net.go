package socket

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/ants/v2"

	"github.com/albertbausili/courier/internal/buffer"
	"github.com/albertbausili/courier/internal/errs"
)

// NetChannel adapts a blocking net.Conn to the Channel contract. Each
// operation runs on the I/O pool and posts its completion to the loop.
type NetChannel struct {
	conn   net.Conn
	loop   poster
	pool   *ants.Pool
	logger hclog.Logger
	guard  opGuard
}

// NewNetChannel wraps conn. A nil pool runs operations on fresh goroutines.
func NewNetChannel(conn net.Conn, loop poster, pool *ants.Pool, logger hclog.Logger) *NetChannel {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &NetChannel{
		conn:   conn,
		loop:   loop,
		pool:   pool,
		logger: logger.Named("netchan").With("remote", conn.RemoteAddr().String()),
	}
}

// AsyncRead implements Channel.
func (c *NetChannel) AsyncRead(buf *buffer.MessageBuffer, cb ReadCallback) {
	free := buf.Writable()
	if len(free) == 0 {
		c.loop.Post(func() {
			cb(0, errs.Newf(errs.BufferOverflow, errs.StageRead, "no room left in %d byte buffer", buf.Cap()))
		})
		return
	}
	if err := c.guard.beginRead(buf, cb); err != nil {
		c.loop.Post(func() { cb(0, err) })
		return
	}

	c.submit(func() {
		n, err := c.conn.Read(free)
		c.loop.Post(func() { c.finishRead(n, err) })
	}, errs.StageRead)
}

func (c *NetChannel) finishRead(n int, err error) {
	cb, buf := c.guard.claimRead()
	if cb == nil {
		// Canceled by Close; the cancellation was already delivered.
		return
	}
	switch {
	case n > 0:
		if cerr := buf.Commit(n); cerr != nil {
			cb(0, errs.WithStage(cerr, errs.StageRead))
			return
		}
		c.logger.Trace("read", "bytes", n)
		cb(n, nil)
	case err == nil:
		cb(0, errs.Newf(errs.Transport, errs.StageRead, "zero-byte read"))
	case errors.Is(err, io.EOF):
		c.logger.Trace("end of message")
		cb(0, io.EOF)
	default:
		cb(0, errs.New(errs.Transport, errs.StageRead, err))
	}
}

// AsyncWrite implements Channel.
func (c *NetChannel) AsyncWrite(p []byte, cb WriteCallback) {
	if err := c.guard.beginWrite(cb); err != nil {
		c.loop.Post(func() { cb(err) })
		return
	}

	c.submit(func() {
		err := writeFull(c.conn, p)
		c.loop.Post(func() {
			cb := c.guard.claimWrite()
			if cb == nil {
				return
			}
			if err != nil {
				cb(errs.New(errs.Transport, errs.StageWrite, err))
				return
			}
			c.logger.Trace("wrote", "bytes", len(p))
			cb(nil)
		})
	}, errs.StageWrite)
}

// writeFull retries short writes until p is drained.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func (c *NetChannel) submit(task func(), stage errs.Stage) {
	if c.pool == nil {
		go task()
		return
	}
	if err := c.pool.Submit(task); err != nil {
		c.logger.Warn("io pool rejected task", "stage", stage.String(), "error", err)
		c.loop.Post(func() {
			switch stage {
			case errs.StageRead:
				if cb, _ := c.guard.claimRead(); cb != nil {
					cb(0, errs.New(errs.Transport, stage, err))
				}
			default:
				if cb := c.guard.claimWrite(); cb != nil {
					cb(errs.New(errs.Transport, stage, err))
				}
			}
		})
	}
}

// NativeHandle implements Channel.
func (c *NetChannel) NativeHandle() int64 {
	sc, ok := c.conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := int64(-1)
	_ = raw.Control(func(h uintptr) { fd = int64(h) })
	return fd
}

// IsOpen implements Channel.
func (c *NetChannel) IsOpen() bool { return !c.guard.isClosed() }

// Close implements Channel.
func (c *NetChannel) Close() error {
	rcb, wcb, ok := c.guard.close()
	if !ok {
		return nil
	}
	cancelPending(c.loop, rcb, wcb)
	c.logger.Debug("closed")
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *NetChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
