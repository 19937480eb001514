// Package client drives one HTTP/1.x request over a channel: connect, write
// the request, read the response, then report exactly once.
package client

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/h1"
	"github.com/albertbausili/courier/internal/socket"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "courier"

// State is the lifecycle position of a Request.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateWritingRequest
	StateReadingResponse
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateWritingRequest:
		return "writing-request"
	case StateReadingResponse:
		return "reading-response"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Callback receives the outcome of Go: the response, or an *errs.Error
// naming the stage that failed.
type Callback func(resp *h1.Message, err error)

// Config configures a Request.
type Config struct {
	// Connector acquires the channel. It may be nil when UseChannel is
	// called before Go.
	Connector socket.Connector
	// KeepAlive leaves the connection open after the response so it can be
	// handed to another request with Detach.
	KeepAlive       bool
	UserAgent       string
	ReadBufferSize  int
	WriteBufferSize int
	// Tracer creates the client span; defaults to the global provider.
	Tracer trace.Tracer
	Logger hclog.Logger
}

type queryParam struct {
	key, value string
}

// Request is a one-shot client exchange. Every method except Do must be
// called on the loop the Request was created with.
type Request struct {
	loop   *eventloop.Loop
	cfg    Config
	logger hclog.Logger
	tracer trace.Tracer

	method string
	host   string
	port   string
	path   string
	query  []queryParam
	header h1.Header
	body   []byte

	state   State
	started bool
	cb      Callback
	err     error
	resp    *h1.Message

	ch      socket.Channel
	reused  bool
	reader  *h1.Reader
	writer  *h1.Writer
	cancel  context.CancelFunc
	span    trace.Span
	startAt time.Time
}

// New creates an idle GET request with no target.
func New(loop *eventloop.Loop, cfg Config) *Request {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/albertbausili/courier/client")
	}
	return &Request{
		loop:   loop,
		cfg:    cfg,
		logger: cfg.Logger.Named("request"),
		tracer: tracer,
		method: "GET",
		path:   "/",
	}
}

// SetURL sets the target from an absolute http URL. The port defaults to 80
// and the path to "/". Query parameters keep their order.
func (r *Request) SetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errs.New(errs.ProtocolViolation, errs.StageNone, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		return errs.Newf(errs.ProtocolViolation, errs.StageNone, "https is not supported: %s", raw)
	default:
		return errs.Newf(errs.ProtocolViolation, errs.StageNone, "unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errs.Newf(errs.ProtocolViolation, errs.StageNone, "missing host in %q", raw)
	}

	r.host = u.Hostname()
	r.port = u.Port()
	if r.port == "" {
		r.port = "80"
	}
	r.path = u.EscapedPath()
	if r.path == "" {
		r.path = "/"
	}
	r.query = r.query[:0]
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return errs.New(errs.ProtocolViolation, errs.StageNone, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return errs.New(errs.ProtocolViolation, errs.StageNone, err)
		}
		r.query = append(r.query, queryParam{key, value})
	}
	return nil
}

// SetMethod sets the request method.
func (r *Request) SetMethod(method string) { r.method = method }

// Header returns the request headers. Defaults are added by Go only where
// the caller has not set them.
func (r *Request) Header() *h1.Header { return &r.header }

// SetBody sets the request body.
func (r *Request) SetBody(body []byte) { r.body = body }

// AddQuery appends a query parameter after those from the URL.
func (r *Request) AddQuery(key, value string) {
	r.query = append(r.query, queryParam{key, value})
}

// Target returns the request-target: path plus encoded query.
func (r *Request) Target() string {
	if len(r.query) == 0 {
		return r.path
	}
	var b strings.Builder
	b.WriteString(r.path)
	for i, q := range r.query {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(q.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(q.value))
	}
	return b.String()
}

// Addr returns host:port of the target.
func (r *Request) Addr() string { return net.JoinHostPort(r.host, r.port) }

// State returns the current state.
func (r *Request) State() State { return r.state }

// Err returns the failure once the request is Failed.
func (r *Request) Err() error { return r.err }

// UseChannel makes Go send on ch instead of connecting. The request owns ch
// from now on.
func (r *Request) UseChannel(ch socket.Channel) {
	r.ch = ch
	r.reused = ch != nil
}

// Reused reports whether the request was sent on a channel given to
// UseChannel.
func (r *Request) Reused() bool { return r.reused }

// Go runs the exchange. cb is called exactly once on the loop. A second
// call gets a ProtocolViolation through its own callback.
func (r *Request) Go(cb Callback) {
	r.start(context.Background(), cb)
}

func (r *Request) start(parent context.Context, cb Callback) {
	if r.started {
		state := r.state
		r.loop.Post(func() {
			cb(nil, errs.Newf(errs.ProtocolViolation, errs.StageNone, "request already started (state %s)", state))
		})
		return
	}
	r.started = true
	r.cb = cb
	r.startAt = time.Now()

	ctx, span := r.tracer.Start(parent, r.method+" "+r.path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", r.method),
			attribute.String("http.target", r.Target()),
			attribute.String("net.peer.name", r.host),
			attribute.String("net.peer.port", r.port),
		),
	)
	r.span = span
	propagation.TraceContext{}.Inject(ctx, h1.HeaderCarrier{Header: &r.header})

	if r.host == "" && r.ch == nil {
		r.fail(errs.Newf(errs.ProtocolViolation, errs.StageConnect, "no target set"), true)
		return
	}
	if r.ch != nil {
		r.logger.Trace("sending on reused channel", "addr", r.Addr())
		r.send()
		return
	}
	if r.cfg.Connector == nil {
		r.fail(errs.Newf(errs.ProtocolViolation, errs.StageConnect, "no connector configured"), true)
		return
	}

	r.state = StateConnecting
	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.logger.Debug("connecting", "addr", r.Addr())
	r.cfg.Connector.Connect(cctx, r.host, r.port, r.onConnect)
}

func (r *Request) onConnect(ch socket.Channel, err error) {
	if r.state != StateConnecting {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		r.fail(errs.WithStage(err, errs.StageConnect), false)
		return
	}
	r.ch = ch
	r.send()
}

func (r *Request) send() {
	r.writer = h1.NewWriter(r.ch, r.loop, h1.WriterConfig{BufferSize: r.cfg.WriteBufferSize, Logger: r.logger})
	r.reader = h1.NewReader(r.ch, h1.KindResponse, r.loop, h1.ReaderConfig{BufferSize: r.cfg.ReadBufferSize, Logger: r.logger})

	msg := h1.NewRequest(r.method, r.Target())
	msg.Header = r.header.Clone()
	msg.Body = r.body
	if !msg.Header.Has("Host") {
		host := r.host
		if r.port != "80" {
			host = r.Addr()
		}
		msg.Header.Set("Host", host)
	}
	if len(r.body) > 0 && !msg.Header.Has("Content-Length") {
		msg.Header.Set("Content-Length", strconv.Itoa(len(r.body)))
	}
	if !msg.Header.Has("User-Agent") {
		msg.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	if !r.cfg.KeepAlive && !msg.Header.Has("Connection") {
		msg.Header.Set("Connection", "close")
	}

	r.state = StateWritingRequest
	r.writer.WriteMessage(msg, r.onWritten)
}

func (r *Request) onWritten(err error) {
	if r.state != StateWritingRequest {
		return
	}
	if err != nil {
		r.fail(errs.WithStage(err, errs.StageWrite), false)
		return
	}
	r.state = StateReadingResponse
	r.reader.SetRequestMethod(r.method)
	r.reader.ReadMessage(r.onResponse)
}

func (r *Request) onResponse(err error) {
	if r.state != StateReadingResponse {
		return
	}
	if err != nil {
		r.fail(errs.WithStage(err, errs.StageRead), false)
		return
	}
	msg, err := r.reader.Message()
	if err != nil {
		r.fail(errs.WithStage(err, errs.StageRead), false)
		return
	}
	r.resp = msg.Clone()
	r.state = StateDone
	if !r.cfg.KeepAlive || !r.resp.KeepAlive() {
		_ = r.ch.Close()
	}
	r.logger.Debug("response received", "status", r.resp.StatusCode, "body", len(r.resp.Body))
	r.finish(nil)
}

// fail moves to Failed, releases the channel and reports err. When deferred
// is set the callback is posted instead of run inline, so Go never calls
// back before returning.
func (r *Request) fail(err error, deferred bool) {
	r.state = StateFailed
	r.err = err
	if r.cancel != nil {
		r.cancel()
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	r.logger.Debug("request failed", "error", err)
	if deferred {
		r.loop.Post(func() { r.finish(err) })
		return
	}
	r.finish(err)
}

func (r *Request) finish(err error) {
	cb := r.cb
	r.cb = nil
	if cb == nil {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}

	outcome := "ok"
	if err != nil {
		outcome = errs.StageOf(err).String()
	}
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDuration.Observe(time.Since(r.startAt).Seconds())

	if r.span != nil {
		switch {
		case err != nil:
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, err.Error())
		case r.resp.StatusCode >= 400:
			r.span.SetAttributes(attribute.Int("http.status_code", r.resp.StatusCode))
			r.span.SetStatus(codes.Error, "HTTP error")
		default:
			r.span.SetAttributes(attribute.Int("http.status_code", r.resp.StatusCode))
			r.span.SetStatus(codes.Ok, "")
		}
		r.span.End()
	}

	if err != nil {
		cb(nil, err)
		return
	}
	cb(r.resp, nil)
}

// Response returns the response once Done; before that it is a
// ProtocolViolation.
func (r *Request) Response() (*h1.Message, error) {
	if r.state != StateDone {
		return nil, errs.Newf(errs.ProtocolViolation, errs.StageNone, "no response in state %s", r.state)
	}
	return r.resp, nil
}

// Cancel aborts an in-flight request; its callback fires with a canceled
// Transport error for the current stage. It does nothing otherwise.
func (r *Request) Cancel() {
	var stage errs.Stage
	switch r.state {
	case StateConnecting:
		stage = errs.StageConnect
	case StateWritingRequest:
		stage = errs.StageWrite
	case StateReadingResponse:
		stage = errs.StageRead
	default:
		return
	}
	r.logger.Debug("canceling", "state", r.state)
	r.fail(errs.Canceled(stage), false)
}

// Detach hands back the still-open channel of a Done keep-alive exchange,
// or nil. The request no longer owns it afterwards.
func (r *Request) Detach() socket.Channel {
	if r.state != StateDone || r.ch == nil || !r.ch.IsOpen() {
		return nil
	}
	ch := r.ch
	r.ch = nil
	return ch
}

// Close cancels an in-flight exchange and releases the channel.
func (r *Request) Close() error {
	r.Cancel()
	if r.ch == nil {
		return nil
	}
	ch := r.ch
	r.ch = nil
	return ch.Close()
}

// Do runs the request from outside the loop and waits for the outcome. If
// ctx ends first the request is canceled and Do still waits for its
// callback, so the request is never left running.
func (r *Request) Do(ctx context.Context) (*h1.Message, error) {
	type result struct {
		resp *h1.Message
		err  error
	}
	done := make(chan result, 1)
	r.loop.Post(func() {
		r.start(ctx, func(resp *h1.Message, err error) {
			done <- result{resp, err}
		})
	})

	select {
	case res := <-done:
		return res.resp, res.err
	case <-r.loop.Done():
		return nil, errs.Newf(errs.Transport, errs.StageNone, "event loop stopped")
	case <-ctx.Done():
		r.loop.Post(r.Cancel)
	}
	select {
	case res := <-done:
		return res.resp, res.err
	case <-r.loop.Done():
		return nil, errs.Canceled(errs.StageNone)
	}
}
