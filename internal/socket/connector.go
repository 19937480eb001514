package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/ants/v2"

	"github.com/albertbausili/courier/internal/errs"
)

// Connect failure causes, wrapped inside the Transport error handed to the
// connect callback.
var (
	ErrLookup  = errors.New("name resolution failed")
	ErrRefused = errors.New("connection refused")
	ErrTimeout = errors.New("connect timed out")
)

// NetConnector dials TCP connections on the I/O pool and hands them out as
// NetChannels bound to the loop.
type NetConnector struct {
	loop    poster
	pool    *ants.Pool
	logger  hclog.Logger
	timeout time.Duration
	noDelay bool
}

// NetConnectorConfig configures a NetConnector.
type NetConnectorConfig struct {
	// Timeout bounds a single dial. Zero means no limit beyond the context.
	Timeout time.Duration
	// NoDelay disables Nagle's algorithm on established connections.
	NoDelay bool
	Logger  hclog.Logger
}

// NewNetConnector creates a connector. A nil pool dials on fresh goroutines.
func NewNetConnector(loop poster, pool *ants.Pool, cfg NetConnectorConfig) *NetConnector {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &NetConnector{
		loop:    loop,
		pool:    pool,
		logger:  logger.Named("connector"),
		timeout: cfg.Timeout,
		noDelay: cfg.NoDelay,
	}
}

// Connect implements Connector.
func (c *NetConnector) Connect(ctx context.Context, host, service string, cb func(Channel, error)) {
	addr := net.JoinHostPort(host, service)
	task := func() {
		conn, err := c.dial(ctx, addr)
		c.loop.Post(func() {
			if err != nil {
				c.logger.Debug("connect failed", "addr", addr, "error", err)
				cb(nil, err)
				return
			}
			c.logger.Trace("connected", "addr", addr)
			cb(NewNetChannel(conn, c.loop, c.pool, c.logger), nil)
		})
	}
	if c.pool == nil {
		go task()
		return
	}
	if err := c.pool.Submit(task); err != nil {
		c.loop.Post(func() { cb(nil, errs.New(errs.Transport, errs.StageConnect, err)) })
	}
}

func (c *NetConnector) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok && c.noDelay {
		if err := tcp.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, errs.New(errs.Transport, errs.StageConnect, err)
		}
	}
	return conn, nil
}

// classifyDialError maps a dial failure to a connect-stage Transport error
// whose cause names what went wrong.
func classifyDialError(err error) error {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return errs.New(errs.Transport, errs.StageConnect, fmt.Errorf("%w: %w", ErrLookup, err))
	case errors.Is(err, syscall.ECONNREFUSED):
		return errs.New(errs.Transport, errs.StageConnect, fmt.Errorf("%w: %w", ErrRefused, err))
	case errors.Is(err, context.Canceled):
		return errs.New(errs.Transport, errs.StageConnect, fmt.Errorf("%w: %w", errs.ErrCanceled, err))
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		return errs.New(errs.Transport, errs.StageConnect, fmt.Errorf("%w: %w", ErrTimeout, err))
	default:
		return errs.New(errs.Transport, errs.StageConnect, err)
	}
}
