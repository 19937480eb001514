package client

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/goleak"

	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/h1"
	"github.com/albertbausili/courier/internal/mocksock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(nil)
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
	require.Eventually(t, l.Running, time.Second, time.Millisecond)
	return l
}

type outcome struct {
	resp  *h1.Message
	err   error
	calls int
}

// run starts r with Go and waits for the callback, then lingers briefly so
// that a second invocation would be counted.
func run(t *testing.T, l *eventloop.Loop, r *Request) *outcome {
	t.Helper()
	out := &outcome{}
	done := make(chan struct{})
	require.NoError(t, l.Sync(context.Background(), func() {
		r.Go(func(resp *h1.Message, err error) {
			out.calls++
			out.resp, out.err = resp, err
			if out.calls == 1 {
				close(done)
			}
		})
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Sync(context.Background(), func() {}))
	return out
}

func newRequest(t *testing.T, l *eventloop.Loop, conn *mocksock.Connector, cfg Config, url string) *Request {
	t.Helper()
	cfg.Connector = conn
	r := New(l, cfg)
	require.NoError(t, r.SetURL(url))
	return r
}

func fastConnector(l *eventloop.Loop, id int) *mocksock.Connector {
	return mocksock.NewConnector(l, mocksock.DefaultSource(), id, mocksock.WithLatency(time.Millisecond))
}

func TestRequest_Success(t *testing.T) {
	l := startLoop(t)
	conn := fastConnector(l, mocksock.CaseSplitResponse)
	r := newRequest(t, l, conn, Config{}, "http://example.com/items?a=1")
	r.AddQuery("q", "two words")

	out := run(t, l, r)
	require.NoError(t, out.err)
	assert.Equal(t, 1, out.calls)
	assert.Equal(t, 200, out.resp.StatusCode)
	assert.Equal(t, "hello world", string(out.resp.Body))
	assert.Equal(t, []string{"example.com:80"}, conn.Targets())

	channels := conn.Channels()
	require.Len(t, channels, 1)
	written := string(channels[0].Written())
	assert.Contains(t, written, "GET /items?a=1&q=two+words HTTP/1.1\r\n")
	assert.Contains(t, written, "Host: example.com\r\n")
	assert.Contains(t, written, "User-Agent: courier\r\n")
	assert.Contains(t, written, "Connection: close\r\n")
	assert.NotContains(t, written, "Content-Length")

	require.NoError(t, l.Sync(context.Background(), func() {
		assert.Equal(t, StateDone, r.State())
		assert.False(t, channels[0].IsOpen())
		resp, err := r.Response()
		require.NoError(t, err)
		assert.Same(t, out.resp, resp)
		assert.Nil(t, r.Detach())
	}))
}

func TestRequest_PostBodyAndPort(t *testing.T) {
	l := startLoop(t)
	conn := fastConnector(l, mocksock.CaseChunkedResponse)
	r := newRequest(t, l, conn, Config{UserAgent: "probe/1"}, "http://example.com:8080")
	r.SetMethod("POST")
	r.SetBody([]byte("payload"))
	r.Header().Set("X-Trace", "abc")

	out := run(t, l, r)
	require.NoError(t, out.err)
	assert.Equal(t, "hello world", string(out.resp.Body))
	assert.Equal(t, []string{"example.com:8080"}, conn.Targets())

	written := string(conn.Channels()[0].Written())
	assert.Contains(t, written, "POST / HTTP/1.1\r\n")
	assert.Contains(t, written, "Host: example.com:8080\r\n")
	assert.Contains(t, written, "X-Trace: abc\r\n")
	assert.Contains(t, written, "Content-Length: 7\r\n")
	assert.Contains(t, written, "User-Agent: probe/1\r\n")
	assert.Contains(t, written, "\r\n\r\npayload")
}

func TestRequest_FailureStages(t *testing.T) {
	refused := errors.New("connection refused")

	tests := []struct {
		name      string
		caseID    int
		cfg       Config
		setup     func(*mocksock.Connector)
		useFailed bool
		kind      errs.Kind
		stage     errs.Stage
		cause     error
	}{
		{
			name:   "connect refused",
			caseID: mocksock.CaseSplitResponse,
			setup:  func(c *mocksock.Connector) { c.FailConnects(refused) },
			kind:   errs.Transport,
			stage:  errs.StageConnect,
			cause:  refused,
		},
		{
			name:      "write fails",
			caseID:    mocksock.CaseSplitResponse,
			useFailed: true,
			kind:      errs.Transport,
			stage:     errs.StageWrite,
			cause:     mocksock.ErrWriteFailed,
		},
		{
			name:   "request does not fit write buffer",
			caseID: mocksock.CaseSplitResponse,
			cfg:    Config{WriteBufferSize: 16},
			kind:   errs.BufferOverflow,
			stage:  errs.StageWrite,
		},
		{
			name:   "no response bytes",
			caseID: mocksock.CaseEmpty,
			kind:   errs.MalformedMessage,
			stage:  errs.StageRead,
			cause:  io.EOF,
		},
		{
			name:   "oversized response",
			caseID: mocksock.CaseOversized,
			kind:   errs.BufferOverflow,
			stage:  errs.StageRead,
			cause:  h1.ErrHeadersTooLarge,
		},
		{
			name:   "malformed response",
			caseID: mocksock.CaseMalformed,
			kind:   errs.MalformedMessage,
			stage:  errs.StageRead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := startLoop(t)
			conn := fastConnector(l, tt.caseID)
			if tt.setup != nil {
				tt.setup(conn)
			}
			r := newRequest(t, l, conn, tt.cfg, "http://example.com/")
			if tt.useFailed {
				ch, err := mocksock.New(l, mocksock.DefaultSource(), tt.caseID)
				require.NoError(t, err)
				ch.FailWrites(mocksock.ErrWriteFailed)
				r.UseChannel(ch)
			}

			out := run(t, l, r)
			require.Error(t, out.err)
			assert.Equal(t, 1, out.calls)
			assert.Nil(t, out.resp)
			assert.ErrorIs(t, out.err, tt.kind)
			assert.Equal(t, tt.stage, errs.StageOf(out.err))
			if tt.cause != nil {
				assert.ErrorIs(t, out.err, tt.cause)
			}

			require.NoError(t, l.Sync(context.Background(), func() {
				assert.Equal(t, StateFailed, r.State())
				assert.Equal(t, out.err, r.Err())
				_, err := r.Response()
				assert.ErrorIs(t, err, errs.ProtocolViolation)
				for _, ch := range conn.Channels() {
					assert.False(t, ch.IsOpen())
				}
			}))
		})
	}
}

func TestRequest_SecondGoIsViolation(t *testing.T) {
	l := startLoop(t)
	r := newRequest(t, l, fastConnector(l, mocksock.CaseSplitResponse), Config{}, "http://example.com/")
	first := run(t, l, r)
	require.NoError(t, first.err)

	second := run(t, l, r)
	assert.Equal(t, 1, second.calls)
	assert.ErrorIs(t, second.err, errs.ProtocolViolation)
	assert.Equal(t, 1, first.calls)

	require.NoError(t, l.Sync(context.Background(), func() {
		assert.Equal(t, StateDone, r.State())
	}))
}

func TestRequest_ResponseBeforeDone(t *testing.T) {
	l := startLoop(t)
	conn := mocksock.NewConnector(l, mocksock.DefaultSource(), mocksock.CaseSplitResponse, mocksock.WithLatency(time.Second))
	r := newRequest(t, l, conn, Config{}, "http://example.com/")

	require.NoError(t, l.Sync(context.Background(), func() {
		_, err := r.Response()
		assert.ErrorIs(t, err, errs.ProtocolViolation)
		r.Go(func(*h1.Message, error) {})
		_, err = r.Response()
		assert.ErrorIs(t, err, errs.ProtocolViolation)
		assert.Equal(t, StateConnecting, r.State())
		require.NoError(t, r.Close())
	}))
}

func TestRequest_NoTarget(t *testing.T) {
	l := startLoop(t)
	r := New(l, Config{Connector: fastConnector(l, mocksock.CaseSplitResponse)})
	out := run(t, l, r)
	assert.ErrorIs(t, out.err, errs.ProtocolViolation)
	assert.Equal(t, errs.StageConnect, errs.StageOf(out.err))
}

func TestRequest_CancelWhileConnecting(t *testing.T) {
	l := startLoop(t)
	conn := fastConnector(l, mocksock.CaseSplitResponse)
	r := newRequest(t, l, conn, Config{}, "http://example.com/")

	calls := 0
	var got error
	require.NoError(t, l.Sync(context.Background(), func() {
		r.Go(func(_ *h1.Message, err error) {
			calls++
			got = err
		})
		r.Cancel()
	}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Sync(context.Background(), func() {}))

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, got, errs.ErrCanceled)
	assert.Equal(t, errs.StageConnect, errs.StageOf(got))
	// The channel that arrived after the cancel is released.
	for _, ch := range conn.Channels() {
		assert.False(t, ch.IsOpen())
	}
}

func TestRequest_Do(t *testing.T) {
	l := startLoop(t)
	r := newRequest(t, l, fastConnector(l, mocksock.CaseSplitResponse), Config{}, "http://example.com/")

	resp, err := r.Do(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(resp.Body))
}

func TestRequest_DoContextCanceled(t *testing.T) {
	l := startLoop(t)
	conn := mocksock.NewConnector(l, mocksock.DefaultSource(), mocksock.CaseSplitResponse, mocksock.WithLatency(time.Second))
	r := newRequest(t, l, conn, Config{}, "http://example.com/")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	resp, err := r.Do(ctx)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, errs.ErrCanceled)
	assert.Equal(t, errs.StageRead, errs.StageOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRequest_KeepAliveDetach(t *testing.T) {
	l := startLoop(t)
	conn := fastConnector(l, mocksock.CaseSplitResponse)
	r := newRequest(t, l, conn, Config{KeepAlive: true}, "http://example.com/")

	out := run(t, l, r)
	require.NoError(t, out.err)
	ch := conn.Channels()[0]
	assert.NotContains(t, string(ch.Written()), "Connection:")

	require.NoError(t, l.Sync(context.Background(), func() {
		detached := r.Detach()
		require.NotNil(t, detached)
		assert.True(t, detached.IsOpen())
		assert.Nil(t, r.Detach())

		// Closing the request no longer touches the detached channel.
		require.NoError(t, r.Close())
		assert.True(t, detached.IsOpen())
		require.NoError(t, detached.Close())
	}))
}

func TestRequest_UseChannelSkipsConnect(t *testing.T) {
	l := startLoop(t)
	conn := fastConnector(l, mocksock.CaseSplitResponse)
	r := newRequest(t, l, conn, Config{}, "http://example.com/")
	ch, err := mocksock.New(l, mocksock.DefaultSource(), mocksock.CaseSplitResponse, mocksock.WithLatency(time.Millisecond))
	require.NoError(t, err)
	r.UseChannel(ch)

	out := run(t, l, r)
	require.NoError(t, out.err)
	assert.True(t, r.Reused())
	assert.Empty(t, conn.Targets())
	assert.Contains(t, string(ch.Written()), "GET / HTTP/1.1\r\n")
}

func TestRequest_Tracing(t *testing.T) {
	l := startLoop(t)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	conn := fastConnector(l, mocksock.CaseSplitResponse)
	r := newRequest(t, l, conn, Config{Tracer: provider.Tracer("test")}, "http://example.com/traced")

	out := run(t, l, r)
	require.NoError(t, out.err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /traced", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Contains(t, string(conn.Channels()[0].Written()), "traceparent: 00-"+spans[0].SpanContext().TraceID().String())
}

func TestRequest_SetURL(t *testing.T) {
	l := startLoop(t)
	r := New(l, Config{})

	assert.ErrorIs(t, r.SetURL("https://example.com/"), errs.ProtocolViolation)
	assert.ErrorIs(t, r.SetURL("ftp://example.com/"), errs.ProtocolViolation)
	assert.ErrorIs(t, r.SetURL("http:///nohost"), errs.ProtocolViolation)
	assert.ErrorIs(t, r.SetURL("http://example.com/%zz?"), errs.ProtocolViolation)

	require.NoError(t, r.SetURL("http://example.com"))
	assert.Equal(t, "example.com:80", r.Addr())
	assert.Equal(t, "/", r.Target())

	require.NoError(t, r.SetURL("http://example.com:81/a%20b?z=1&a=x%2By&flag"))
	assert.Equal(t, "example.com:81", r.Addr())
	assert.Equal(t, "/a%20b?z=1&a=x%2By&flag=", r.Target())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "reading-response", StateReadingResponse.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
