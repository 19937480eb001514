package h1

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/albertbausili/courier/internal/buffer"
	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/eventloop"
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

func mockReader(t *testing.T, l *eventloop.Loop, src *mocksock.Source, id int, kind Kind, size int) (*Reader, *mocksock.Channel) {
	t.Helper()
	ch, err := mocksock.New(l, src, id, mocksock.WithLatency(time.Millisecond))
	require.NoError(t, err)
	return NewReader(ch, kind, l, ReaderConfig{BufferSize: size}), ch
}

func readOne(t *testing.T, l *eventloop.Loop, r *Reader) error {
	t.Helper()
	done := make(chan error, 1)
	l.Post(func() { r.ReadMessage(func(err error) { done <- err }) })
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("read did not complete")
		return nil
	}
}

func chunks(parts ...string) *mocksock.Source {
	return mocksock.NewSource(mocksock.Case{Name: "inline", Chunks: parts})
}

func TestReader_SimpleGet(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, mocksock.DefaultSource(), mocksock.CaseSimpleGet, KindRequest, 0)

	require.NoError(t, readOne(t, l, r))
	assert.Equal(t, StateComplete, r.State())

	m, err := r.Message()
	require.NoError(t, err)
	assert.Equal(t, "GET", m.Method)
	assert.Equal(t, "/path", m.Target)
	assert.Equal(t, HTTP11, m.Proto)
	assert.Equal(t, "example.com", m.Header.Get("host"))
	assert.Empty(t, m.Body)
}

func TestReader_NoChunksIsMalformed(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, mocksock.DefaultSource(), mocksock.CaseEmpty, KindRequest, 0)

	err := readOne(t, l, r)
	assert.ErrorIs(t, err, errs.MalformedMessage)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateError, r.State())
	assert.Equal(t, err, r.Err())

	_, merr := r.Message()
	assert.ErrorIs(t, merr, errs.ProtocolViolation)
}

func TestReader_OversizedChunkOverflows(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, mocksock.DefaultSource(), mocksock.CaseOversized, KindRequest, buffer.DefaultCapacity)

	err := readOne(t, l, r)
	assert.ErrorIs(t, err, errs.BufferOverflow)
	assert.ErrorIs(t, err, ErrHeadersTooLarge)
	assert.Equal(t, errs.StageRead, errs.StageOf(err))
	assert.Equal(t, 0, r.Buffer().Len())
}

func TestReader_TruncatedHeaders(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, mocksock.DefaultSource(), mocksock.CaseTruncatedHeaders, KindRequest, 0)

	err := readOne(t, l, r)
	assert.ErrorIs(t, err, errs.MalformedMessage)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_Malformed(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, mocksock.DefaultSource(), mocksock.CaseMalformed, KindRequest, 0)

	err := readOne(t, l, r)
	assert.ErrorIs(t, err, errs.MalformedMessage)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestReader_WholeRequestInOneChunk(t *testing.T) {
	l := startLoop(t)
	r, ch := mockReader(t, l, chunks("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), 0, KindRequest, 0)

	require.NoError(t, readOne(t, l, r))
	m, err := r.Message()
	require.NoError(t, err)
	assert.Equal(t, "GET", m.Method)
	assert.Equal(t, "/", m.Target)
	require.Equal(t, 1, m.Header.Len())
	assert.Equal(t, Field{Name: "Host", Value: "x"}, m.Header.Fields()[0])
	assert.Empty(t, m.Body)
	assert.Equal(t, 1, ch.Reads())
}

func TestReader_RequestBodyAcrossChunks(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, mocksock.DefaultSource(), mocksock.CasePostBody, KindRequest, 0)

	require.NoError(t, readOne(t, l, r))
	m, err := r.Message()
	require.NoError(t, err)
	assert.Equal(t, "POST", m.Method)
	assert.Equal(t, "payload", string(m.Body))
}

func TestReader_Responses(t *testing.T) {
	tests := []struct {
		name   string
		src    *mocksock.Source
		id     int
		method string
		code   int
		body   string
	}{
		{"content-length split", mocksock.DefaultSource(), mocksock.CaseSplitResponse, "GET", 200, "hello world"},
		{"chunked", mocksock.DefaultSource(), mocksock.CaseChunkedResponse, "GET", 200, "hello world"},
		{"until eof", chunks("HTTP/1.0 200 OK\r\n\r\nall ", "of it"), 0, "GET", 200, "all of it"},
		{"head", chunks("HTTP/1.1 200 OK\r\nContent-Length: 50\r\n\r\n"), 0, "HEAD", 200, ""},
		{"no content", chunks("HTTP/1.1 204 No Content\r\n\r\n"), 0, "DELETE", 204, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := startLoop(t)
			r, _ := mockReader(t, l, tt.src, tt.id, KindResponse, 0)
			r.SetRequestMethod(tt.method)

			require.NoError(t, readOne(t, l, r))
			m, err := r.Message()
			require.NoError(t, err)
			assert.Equal(t, KindResponse, m.Kind)
			assert.Equal(t, tt.code, m.StatusCode)
			assert.Equal(t, tt.body, string(m.Body))
		})
	}
}

func TestReader_BodyTruncated(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, chunks("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort"), 0, KindResponse, 0)

	err := readOne(t, l, r)
	assert.ErrorIs(t, err, errs.MalformedMessage)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_DeclaredBodyTooLarge(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, chunks("POST / HTTP/1.1\r\nContent-Length: 4096\r\n\r\n"), 0, KindRequest, 256)

	err := readOne(t, l, r)
	assert.ErrorIs(t, err, errs.BufferOverflow)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestReader_HeadersFillBuffer(t *testing.T) {
	l := startLoop(t)
	header := "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 40) + "\r\n"
	r, _ := mockReader(t, l, chunks(header[:30], header[30:]), 0, KindRequest, 64)

	err := readOne(t, l, r)
	assert.ErrorIs(t, err, errs.BufferOverflow)
	assert.ErrorIs(t, err, ErrHeadersTooLarge)
}

func TestReader_PipelinedKeepAliveReusesBuffer(t *testing.T) {
	l := startLoop(t)
	r, ch := mockReader(t, l, mocksock.DefaultSource(), mocksock.CasePipelined, KindRequest, 0)
	storage := &r.Buffer().Writable()[0]

	require.NoError(t, readOne(t, l, r))
	m, err := r.Message()
	require.NoError(t, err)
	assert.Equal(t, "/a", m.Target)

	require.NoError(t, l.Sync(context.Background(), r.Reset))
	assert.Equal(t, StateAwaitingStartLine, r.State())
	assert.NoError(t, r.Err())
	_, err = r.Message()
	assert.ErrorIs(t, err, errs.ProtocolViolation)

	// The second request is already buffered, so no further read is issued.
	reads := ch.Reads()
	require.NoError(t, readOne(t, l, r))
	m, err = r.Message()
	require.NoError(t, err)
	assert.Equal(t, "/b", m.Target)
	assert.Equal(t, reads, ch.Reads())
	assert.Same(t, storage, &r.Buffer().Bytes()[0])

	// Nothing is left after the second request, so the peer's end of
	// message now reads as a clean close.
	require.NoError(t, l.Sync(context.Background(), r.Reset))
	err = readOne(t, l, r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_ResetAfterErrorStartsClean(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, mocksock.DefaultSource(), mocksock.CaseMalformed, KindRequest, 0)

	require.Error(t, readOne(t, l, r))
	require.NoError(t, l.Sync(context.Background(), r.Reset))
	assert.Equal(t, StateAwaitingStartLine, r.State())
	assert.Equal(t, 0, r.Buffer().Len())
	assert.NoError(t, r.Err())
}

func TestReader_ReadMessageMisuse(t *testing.T) {
	l := startLoop(t)
	r, _ := mockReader(t, l, mocksock.DefaultSource(), mocksock.CaseSimpleGet, KindRequest, 0)

	first := make(chan error, 1)
	second := make(chan error, 1)
	l.Post(func() {
		r.ReadMessage(func(err error) { first <- err })
		r.ReadMessage(func(err error) { second <- err })
	})
	assert.ErrorIs(t, <-second, errs.ProtocolViolation)
	require.NoError(t, <-first)

	// A completed reader must be reset first.
	assert.ErrorIs(t, readOne(t, l, r), errs.ProtocolViolation)
	assert.Equal(t, StateComplete, r.State())
}

func TestWriter_RoundTrip(t *testing.T) {
	post := NewRequest("POST", "/upload?x=1")
	post.Header.Add("Host", "example.com")
	post.Header.Add("content-length", "5")
	post.Header.Add("X-Dup", "1")
	post.Header.Add("x-dup", "2")
	post.Body = []byte("hello")

	get := NewRequest("GET", "/")
	get.Proto = HTTP10
	get.Header.Add("Host", "h")

	ok := NewResponse(200)
	ok.Reason = "OK"
	ok.Header.Add("Content-Length", "2")
	ok.Body = []byte("hi")

	noReason := NewResponse(204)

	tests := []struct {
		name string
		m    *Message
	}{
		{"request with body", post},
		{"http10 request", get},
		{"response", ok},
		{"empty reason", noReason},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := startLoop(t)
			out, err := mocksock.New(l, mocksock.DefaultSource(), mocksock.CaseEmpty)
			require.NoError(t, err)
			w := NewWriter(out, l, WriterConfig{BufferSize: 1024})

			done := make(chan error, 1)
			l.Post(func() { w.WriteMessage(tt.m, func(err error) { done <- err }) })
			require.NoError(t, <-done)

			r, _ := mockReader(t, l, chunks(string(out.Written())), 0, tt.m.Kind, 0)
			require.NoError(t, readOne(t, l, r))
			got, err := r.Message()
			require.NoError(t, err)

			assert.Equal(t, tt.m.Kind, got.Kind)
			assert.Equal(t, tt.m.Method, got.Method)
			assert.Equal(t, tt.m.Target, got.Target)
			assert.Equal(t, tt.m.Proto, got.Proto)
			assert.Equal(t, tt.m.StatusCode, got.StatusCode)
			assert.Equal(t, tt.m.Reason, got.Reason)
			assert.Equal(t, tt.m.Header.Fields(), got.Header.Fields())
			assert.Equal(t, string(tt.m.Body), string(got.Body))
		})
	}
}

func TestWriter_OverflowAndOverlap(t *testing.T) {
	l := startLoop(t)
	out, err := mocksock.New(l, mocksock.DefaultSource(), mocksock.CaseEmpty)
	require.NoError(t, err)
	w := NewWriter(out, l, WriterConfig{BufferSize: 32})

	big := NewResponse(200)
	big.Body = make([]byte, 64)
	done := make(chan error, 2)
	l.Post(func() { w.WriteMessage(big, func(err error) { done <- err }) })
	err = <-done
	assert.ErrorIs(t, err, errs.BufferOverflow)
	assert.Equal(t, errs.StageWrite, errs.StageOf(err))
	assert.Empty(t, out.Written())

	small := NewResponse(200)
	l.Post(func() {
		w.WriteMessage(small, func(err error) { done <- err })
		w.WriteMessage(small, func(err error) { done <- err })
	})
	first, second := <-done, <-done
	assert.NoError(t, first)
	assert.ErrorIs(t, second, errs.ProtocolViolation)
	assert.Equal(t, "HTTP/1.1 200 \r\n\r\n", string(out.Written()))
}

func TestWriter_TransportFailure(t *testing.T) {
	l := startLoop(t)
	out, err := mocksock.New(l, mocksock.DefaultSource(), mocksock.CaseEmpty)
	require.NoError(t, err)
	out.FailWrites(mocksock.ErrWriteFailed)
	w := NewWriter(out, l, WriterConfig{})

	done := make(chan error, 1)
	l.Post(func() { w.WriteMessage(NewResponse(500), func(err error) { done <- err }) })
	err = <-done
	assert.ErrorIs(t, err, errs.Transport)
	assert.ErrorIs(t, err, mocksock.ErrWriteFailed)
	assert.False(t, w.Writing())
}
