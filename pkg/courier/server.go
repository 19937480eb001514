package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"

	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/server"
)

// Server is an HTTP/1.x server. Connections are accepted by gnet, their
// state machines run on one event loop, and handlers run on a worker pool.
type Server struct {
	config  Config
	handler Handler
	onError ErrorHandler
	logger  hclog.Logger

	mu      sync.Mutex
	started bool
	loop    *eventloop.Loop
	pool    *ants.Pool
	engine  *server.Server
	stopped chan struct{}
}

// New creates a new Server with the provided configuration. It panics if
// the configuration is invalid.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Server{
		config:  config,
		onError: DefaultErrorHandler,
		logger:  config.Logger,
		stopped: make(chan struct{}),
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ErrorHandler sets how errors returned by the handler are rendered.
func (s *Server) ErrorHandler(eh ErrorHandler) *Server {
	s.onError = eh
	return s
}

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.config }

// ListenAndServe sets the handler, starts the server and blocks until Stop.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	if err := s.Start(); err != nil {
		return err
	}
	<-s.stopped
	return nil
}

// Start begins accepting connections and returns once the listener is up.
func (s *Server) Start() error {
	if s.handler == nil {
		return errors.New("handler not set")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	select {
	case <-s.stopped:
		return errors.New("server stopped")
	default:
	}

	pool, err := ants.NewPool(s.config.Workers,
		ants.WithNonblocking(true),
		ants.WithLogger(s.logger.Named("pool").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	loop := eventloop.New(s.logger)
	go func() {
		if err := loop.Run(context.Background()); err != nil {
			s.logger.Error("event loop exited", "error", err)
		}
	}()

	engine := server.NewServer(loop, &adapter{handler: s.handler, onError: s.onError}, server.Config{
		Addr:           s.config.Addr,
		Multicore:      s.config.Multicore,
		NumEventLoop:   s.config.NumEventLoop,
		ReusePort:      s.config.ReusePort,
		MaxConnections: s.config.MaxConnections,
		Handler: server.HandlerConfig{
			ReadBufferSize:   s.config.ReadBufferSize,
			WriteBufferSize:  s.config.WriteBufferSize,
			ReadTimeout:      s.config.ReadTimeout,
			MaxRequests:      s.config.MaxRequestsPerConn,
			DisableKeepAlive: s.config.DisableKeepAlive,
			Dispatcher:       pool,
		},
		Logger: s.logger,
	})
	if err := engine.Start(); err != nil {
		loop.Stop()
		<-loop.Done()
		pool.Release()
		return err
	}

	s.loop, s.pool, s.engine = loop, pool, engine
	s.started = true
	return nil
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return 0
	}
	return s.engine.Manager().Len()
}

// Stop closes every connection, stops the listener and releases the
// workers. Without a deadline on ctx, Config.ShutdownTimeout applies.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	var result *multierror.Error
	if err := s.engine.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	s.loop.Stop()
	select {
	case <-s.loop.Done():
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("event loop did not drain: %w", ctx.Err()))
	}
	s.pool.Release()
	close(s.stopped)
	return result.ErrorOrNil()
}
