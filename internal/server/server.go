package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/gnet/v2"

	"github.com/albertbausili/courier/internal/date"
	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/socket"
)

// Config defines the listener and per-connection options of a Server.
type Config struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	MaxConnections uint32
	// BootTimeout bounds how long Start waits for the listener.
	BootTimeout time.Duration
	Handler     HandlerConfig
	Logger      hclog.Logger
}

// Server accepts TCP connections with gnet and serves each one with a
// ConnectionHandler running on the loop.
type Server struct {
	gnet.BuiltinEventEngine

	cfg      Config
	loop     *eventloop.Loop
	strategy RequestHandler
	manager  *ConnectionManager
	logger   hclog.Logger

	nextID      atomic.Uint64
	activeConns atomic.Uint32

	engine   gnet.Engine
	booted   chan struct{}
	runErr   chan error
	started  atomic.Bool
	stopDate func()
}

// NewServer creates a server dispatching requests to strategy. The loop
// must be running before connections arrive.
func NewServer(loop *eventloop.Loop, strategy RequestHandler, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Handler.Logger == nil {
		cfg.Handler.Logger = cfg.Logger
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 5 * time.Second
	}
	logger := cfg.Logger.Named("server")
	return &Server{
		cfg:      cfg,
		loop:     loop,
		strategy: strategy,
		manager:  NewConnectionManager(logger),
		logger:   logger,
		booted:   make(chan struct{}),
		runErr:   make(chan error, 1),
	}
}

// Manager returns the registry of served connections.
func (s *Server) Manager() *ConnectionManager { return s.manager }

// ServeChannel starts serving an already accepted channel. It must be
// called on the loop.
func (s *Server) ServeChannel(ch socket.Channel) *ConnectionHandler {
	h := NewConnectionHandler(s.nextID.Add(1), s.loop, ch, s.manager, s.strategy, s.cfg.Handler)
	h.Serve()
	return h
}

// Start runs the gnet engine and returns once it is listening.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(time.Minute),
		gnet.WithLogger(gnetLogger{s.logger.Named("gnet")}),
		gnet.WithLockOSThread(false),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}

	s.stopDate = date.StartTicker()
	s.logger.Info("starting", "addr", s.cfg.Addr, "multicore", s.cfg.Multicore)
	go func() {
		s.runErr <- gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
	}()

	select {
	case <-s.booted:
		return nil
	case err := <-s.runErr:
		s.stopDate()
		if err == nil {
			err = errors.New("engine exited before boot")
		}
		return fmt.Errorf("failed to start listener on %s: %w", s.cfg.Addr, err)
	case <-time.After(s.cfg.BootTimeout):
		return fmt.Errorf("listener on %s did not start within %s", s.cfg.Addr, s.cfg.BootTimeout)
	}
}

// Stop closes every connection, then stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown", "active", s.manager.Len())

	var result *multierror.Error
	if s.loop.Running() {
		var closeErr error
		if err := s.loop.Sync(ctx, func() { closeErr = s.manager.CloseAll() }); err != nil {
			result = multierror.Append(result, err)
		}
		if closeErr != nil {
			result = multierror.Append(result, closeErr)
		}
	} else if err := s.manager.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}

	select {
	case <-s.booted:
		if err := s.engine.Stop(ctx); err != nil {
			s.logger.Error("error stopping gnet engine", "error", err)
			result = multierror.Append(result, err)
		}
	default:
	}
	if s.stopDate != nil {
		s.stopDate()
	}

	s.logger.Info("shutdown complete")
	return result.ErrorOrNil()
}

// OnBoot is called when the engine is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Info("listening", "addr", s.cfg.Addr)
	close(s.booted)
	return gnet.None
}

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if limit := s.cfg.MaxConnections; limit > 0 {
		if current := s.activeConns.Load(); current >= limit {
			s.logger.Warn("connection rejected: too many connections",
				"remote", c.RemoteAddr().String(), "active", current, "limit", limit)
			connectionsRejected.Inc()

			response := "HTTP/1.1 503 Service Unavailable\r\n" +
				"Content-Type: text/plain\r\n" +
				"Content-Length: 19\r\n" +
				"Connection: close\r\n" +
				"\r\n" +
				"Service Unavailable"
			_ = c.AsyncWrite([]byte(response), func(c gnet.Conn, _ error) error {
				return c.Close()
			})
			return nil, gnet.None
		}
	}
	s.activeConns.Add(1)

	ch := socket.NewGnetChannel(c, s.loop, s.logger)
	c.SetContext(ch)
	s.loop.Post(func() { s.ServeChannel(ch) })
	return nil, gnet.None
}

// OnTraffic hands inbound bytes to the connection's channel.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	ch, ok := c.Context().(*socket.GnetChannel)
	if !ok {
		// Rejected connections have no channel; drop what they send.
		_, _ = c.Discard(c.InboundBuffered())
		return gnet.None
	}
	return ch.OnTraffic()
}

// OnClose is called when a connection is closed.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	ch, ok := c.Context().(*socket.GnetChannel)
	if !ok {
		return gnet.None
	}
	s.activeConns.Add(^uint32(0))
	if err != nil {
		s.logger.Debug("connection closed with error", "remote", c.RemoteAddr().String(), "error", err)
	}
	ch.OnClose(err)
	return gnet.None
}

// gnetLogger routes gnet's logging into hclog.
type gnetLogger struct {
	l hclog.Logger
}

func (g gnetLogger) Debugf(format string, args ...any) { g.l.Trace(fmt.Sprintf(format, args...)) }
func (g gnetLogger) Infof(format string, args ...any)  { g.l.Debug(fmt.Sprintf(format, args...)) }
func (g gnetLogger) Warnf(format string, args ...any)  { g.l.Warn(fmt.Sprintf(format, args...)) }
func (g gnetLogger) Errorf(format string, args ...any) { g.l.Error(fmt.Sprintf(format, args...)) }
func (g gnetLogger) Fatalf(format string, args ...any) { g.l.Error(fmt.Sprintf(format, args...)) }
