// Package server drives HTTP/1.x connections on the server side: one
// ConnectionHandler per accepted channel, a ConnectionManager tracking them,
// and a gnet-based Server accepting connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/albertbausili/courier/internal/date"
	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/h1"
	"github.com/albertbausili/courier/internal/socket"
)

// HandlerState is the lifecycle position of a ConnectionHandler.
type HandlerState int

const (
	StateIdle HandlerState = iota
	StateReading
	StateDispatching
	StateWriting
	StateReadyForNext
	StateClosing
	StateClosed
)

func (s HandlerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateDispatching:
		return "dispatching"
	case StateWriting:
		return "writing"
	case StateReadyForNext:
		return "ready-for-next"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HandlerConfig configures a ConnectionHandler.
type HandlerConfig struct {
	// ReadBufferSize bounds one request, headers and body together.
	ReadBufferSize int
	// WriteBufferSize bounds one serialized response.
	WriteBufferSize int
	// ReadTimeout closes a connection that waits longer than this for a
	// complete request. Zero disables it.
	ReadTimeout time.Duration
	// MaxRequests caps the requests served on one connection. Zero means
	// no limit.
	MaxRequests int
	// DisableKeepAlive closes every connection after one response.
	DisableKeepAlive bool
	// Dispatcher runs the strategy. Nil runs it on a new goroutine.
	Dispatcher Dispatcher
	// OnClose runs once on the loop after the handler is torn down.
	OnClose func(*ConnectionHandler)
	Logger  hclog.Logger
}

// ConnectionHandler serves HTTP/1.x requests arriving on one channel. Every
// method except ID must be called on the loop.
type ConnectionHandler struct {
	id       uint64
	loop     *eventloop.Loop
	ch       socket.Channel
	manager  *ConnectionManager
	strategy RequestHandler
	cfg      HandlerConfig
	logger   hclog.Logger

	reader *h1.Reader
	writer *h1.Writer
	timer  *eventloop.SingleTimer

	ctx    context.Context
	cancel context.CancelFunc

	state  HandlerState
	served int
	// replyingError is set once an error response is queued.
	replyingError bool
}

// NewConnectionHandler creates a handler for ch. It does nothing until Serve.
func NewConnectionHandler(id uint64, loop *eventloop.Loop, ch socket.Channel, manager *ConnectionManager, strategy RequestHandler, cfg HandlerConfig) *ConnectionHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("conn").With("conn", id, "fd", ch.NativeHandle())
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), connIDKey{}, id))

	h := &ConnectionHandler{
		id:       id,
		loop:     loop,
		ch:       ch,
		manager:  manager,
		strategy: strategy,
		cfg:      cfg,
		logger:   logger,
		reader:   h1.NewReader(ch, h1.KindRequest, loop, h1.ReaderConfig{BufferSize: cfg.ReadBufferSize, Logger: logger}),
		writer:   h1.NewWriter(ch, loop, h1.WriterConfig{BufferSize: cfg.WriteBufferSize, Logger: logger}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.ReadTimeout > 0 {
		h.timer = eventloop.NewSingleTimer(loop, cfg.ReadTimeout)
	}
	return h
}

// ID returns the connection id.
func (h *ConnectionHandler) ID() uint64 { return h.id }

// State returns the lifecycle state.
func (h *ConnectionHandler) State() HandlerState { return h.state }

// Served returns how many responses were written.
func (h *ConnectionHandler) Served() int { return h.served }

// NativeHandle returns the channel's descriptor.
func (h *ConnectionHandler) NativeHandle() int64 { return h.ch.NativeHandle() }

// Serve registers the handler and starts reading the first request.
func (h *ConnectionHandler) Serve() {
	if h.state != StateIdle {
		h.logger.Warn("serve called twice", "state", h.state)
		return
	}
	if h.manager != nil {
		h.manager.Register(h)
	}
	connectionsActive.Inc()
	connectionsTotal.Inc()
	h.logger.Debug("serving")
	h.readRequest()
}

// Close tears the connection down. Pending channel operations are canceled
// and their late callbacks ignored. Calling Close again is a no-op.
func (h *ConnectionHandler) Close() error {
	if h.state == StateClosed {
		return nil
	}
	serving := h.state != StateIdle
	h.state = StateClosing
	if h.timer != nil {
		h.timer.Cancel()
	}
	h.cancel()
	err := h.ch.Close()
	if h.manager != nil {
		h.manager.Deregister(h.id)
	}
	if serving {
		connectionsActive.Dec()
	}
	h.state = StateClosed
	h.logger.Debug("closed", "served", h.served)
	if h.cfg.OnClose != nil {
		h.cfg.OnClose(h)
	}
	return err
}

func (h *ConnectionHandler) readRequest() {
	h.state = StateReading
	if h.timer != nil {
		h.timer.Start(h.onReadTimeout)
	}
	h.reader.ReadMessage(h.onRequest)
}

// serveAnother reads the next request on a kept-alive connection, reusing
// the read buffer.
func (h *ConnectionHandler) serveAnother() {
	h.state = StateReadyForNext
	h.reader.Reset()
	h.readRequest()
}

func (h *ConnectionHandler) onReadTimeout() {
	if h.state != StateReading {
		return
	}
	h.logger.Debug("read timed out", "timeout", h.cfg.ReadTimeout)
	_ = h.Close()
}

func (h *ConnectionHandler) onRequest(err error) {
	if h.state != StateReading {
		return
	}
	if h.timer != nil {
		h.timer.Cancel()
	}
	if err != nil {
		h.handleReadError(err)
		return
	}

	req, err := h.reader.Message()
	if err != nil {
		h.handleReadError(err)
		return
	}
	h.logger.Trace("request", "method", req.Method, "target", req.Target, "proto", req.Proto)
	h.dispatch(req)
}

func (h *ConnectionHandler) handleReadError(err error) {
	readErrors.WithLabelValues(kindLabel(err)).Inc()
	switch {
	case errors.Is(err, io.EOF):
		h.logger.Trace("peer closed before a request")
		_ = h.Close()
	case errors.Is(err, errs.MalformedMessage):
		h.logger.Debug("malformed request", "error", err)
		h.sendError(http.StatusBadRequest)
	case errors.Is(err, h1.ErrBodyTooLarge):
		h.logger.Warn("request body too large", "error", err)
		h.sendError(http.StatusRequestEntityTooLarge)
	case errors.Is(err, errs.BufferOverflow):
		h.logger.Warn("request headers too large", "error", err)
		h.sendError(http.StatusRequestHeaderFieldsTooLarge)
	default:
		h.logger.Debug("read failed", "error", err)
		_ = h.Close()
	}
}

func (h *ConnectionHandler) dispatch(req *h1.Message) {
	h.state = StateDispatching

	ctx := h.ctx
	task := func() {
		start := time.Now()
		resp, keep, err := h.process(ctx, req)
		dispatchDuration.Observe(time.Since(start).Seconds())
		h.loop.Post(func() { h.onDispatched(req, resp, keep, err) })
	}

	if h.cfg.Dispatcher == nil {
		go task()
		return
	}
	if err := h.cfg.Dispatcher.Submit(task); err != nil {
		h.onDispatched(req, nil, false, errs.New(errs.Transport, errs.StageDispatch, err))
	}
}

// process calls the strategy, turning a panic into an error.
func (h *ConnectionHandler) process(ctx context.Context, req *h1.Message) (resp *h1.Message, keep bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler panicked: %v", r)
		}
	}()
	return h.strategy.Process(ctx, req)
}

func (h *ConnectionHandler) onDispatched(req *h1.Message, resp *h1.Message, keep bool, err error) {
	if h.state != StateDispatching {
		return
	}
	if err == nil && resp == nil {
		err = errors.New("request handler returned no response")
	}
	if err != nil {
		h.logger.Error("request handler failed", "method", req.Method, "target", req.Target, "error", err)
		h.sendError(http.StatusInternalServerError)
		return
	}

	keep = keep && req.KeepAlive() && !h.cfg.DisableKeepAlive
	if h.cfg.MaxRequests > 0 && h.served+1 >= h.cfg.MaxRequests {
		keep = false
	}
	keep = h.complete(resp, req, keep)
	h.write(resp, keep)
}

// complete fills in the headers the strategy left out and returns whether
// the connection stays open.
func (h *ConnectionHandler) complete(resp, req *h1.Message, keep bool) bool {
	resp.Kind = h1.KindResponse
	if resp.Proto == "" {
		resp.Proto = h1.HTTP11
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Reason == "" {
		resp.Reason = http.StatusText(resp.StatusCode)
	}
	if !bodyAllowed(resp.StatusCode, req.Method) {
		// The peer frames these without a body; anything sent would be
		// read as the start of the next response.
		resp.Body = nil
		resp.Header.Del("Transfer-Encoding")
		if resp.StatusCode < 200 || resp.StatusCode == http.StatusNoContent {
			resp.Header.Del("Content-Length")
		}
	} else if !resp.Header.Has("Content-Length") && !resp.Header.Has("Transfer-Encoding") {
		resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	if !resp.Header.Has("Date") {
		resp.Header.Set("Date", date.Current())
	}
	if resp.Header.Has("Connection") {
		keep = keep && resp.KeepAlive()
	}
	if keep {
		resp.Header.Set("Connection", "keep-alive")
	} else {
		resp.Header.Set("Connection", "close")
	}
	return keep
}

func (h *ConnectionHandler) write(resp *h1.Message, keep bool) {
	h.state = StateWriting
	code := resp.StatusCode
	h.writer.WriteMessage(resp, func(err error) {
		if h.state != StateWriting {
			return
		}
		if err != nil {
			h.logger.Debug("response write failed", "error", err)
			// Overflow is detected before anything reaches the wire, so
			// a short error response can still go out.
			if errors.Is(err, errs.BufferOverflow) && !h.replyingError {
				h.sendError(http.StatusInternalServerError)
				return
			}
			_ = h.Close()
			return
		}
		h.served++
		requestsServed.WithLabelValues(statusClass(code)).Inc()
		if !keep {
			_ = h.Close()
			return
		}
		h.serveAnother()
	})
}

// sendError answers with a plain-text status and closes afterwards.
func (h *ConnectionHandler) sendError(code int) {
	h.replyingError = true
	body := http.StatusText(code)
	resp := h1.NewResponse(code)
	resp.Reason = body
	resp.Header.Add("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Add("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Add("Date", date.Current())
	resp.Header.Add("Connection", "close")
	resp.Body = []byte(body)
	h.write(resp, false)
}

func bodyAllowed(code int, method string) bool {
	if method == http.MethodHead {
		return false
	}
	return code >= 200 && code != http.StatusNoContent && code != http.StatusNotModified
}

func kindLabel(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, errs.MalformedMessage):
		return "malformed"
	case errors.Is(err, errs.BufferOverflow):
		return "overflow"
	case errors.Is(err, errs.ProtocolViolation):
		return "protocol"
	default:
		return "transport"
	}
}
