// Package h1 implements HTTP/1.x message framing over a socket.Channel: an
// incremental Reader that fills one reusable buffer and a Writer that
// serializes a Message into a fixed buffer and sends it in one write.
package h1

import (
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/courier/internal/buffer"
)

// Kind says which start line a message carries.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Protocol versions understood by the reader.
const (
	HTTP10 = "HTTP/1.0"
	HTTP11 = "HTTP/1.1"
)

// Message is a request or response envelope.
type Message struct {
	Kind Kind

	// Request start line.
	Method string
	Target string

	// Response start line.
	StatusCode int
	Reason     string

	Proto  string
	Header Header
	Body   []byte
}

// NewRequest returns a request envelope for method and target.
func NewRequest(method, target string) *Message {
	return &Message{Kind: KindRequest, Method: method, Target: target, Proto: HTTP11}
}

// NewResponse returns a response envelope with the given status.
func NewResponse(code int) *Message {
	return &Message{Kind: KindResponse, StatusCode: code, Proto: HTTP11}
}

// Reset clears m for reuse, keeping header and body storage.
func (m *Message) Reset() {
	m.Kind = 0
	m.Method = ""
	m.Target = ""
	m.StatusCode = 0
	m.Reason = ""
	m.Proto = ""
	m.Header.Reset()
	m.Body = m.Body[:0]
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Header = m.Header.Clone()
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// KeepAlive reports whether the message's protocol and Connection header
// allow the connection to carry another message.
func (m *Message) KeepAlive() bool {
	conn := m.Header.Values("Connection")
	switch m.Proto {
	case HTTP11:
		return !httpguts.HeaderValuesContainsToken(conn, "close")
	case HTTP10:
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	default:
		return false
	}
}

// WriteTo serializes m into buf exactly as given: start line, headers in
// insertion order, blank line, body. No header is added or changed. It
// fails with a BufferOverflow error when buf cannot hold the message.
func (m *Message) WriteTo(buf *buffer.MessageBuffer) error {
	proto := m.Proto
	if proto == "" {
		proto = HTTP11
	}

	line := make([]byte, 0, 64)
	if m.Kind == KindResponse {
		line = append(line, proto...)
		line = append(line, ' ')
		line = strconv.AppendInt(line, int64(m.StatusCode), 10)
		line = append(line, ' ')
		line = append(line, m.Reason...)
	} else {
		line = append(line, m.Method...)
		line = append(line, ' ')
		line = append(line, m.Target...)
		line = append(line, ' ')
		line = append(line, proto...)
	}
	line = append(line, "\r\n"...)
	if _, err := buf.Write(line); err != nil {
		return err
	}

	for _, f := range m.Header.fields {
		line = line[:0]
		line = append(line, f.Name...)
		line = append(line, ": "...)
		line = append(line, f.Value...)
		line = append(line, "\r\n"...)
		if _, err := buf.Write(line); err != nil {
			return err
		}
	}
	if _, err := buf.WriteString("\r\n"); err != nil {
		return err
	}
	if len(m.Body) > 0 {
		if _, err := buf.Write(m.Body); err != nil {
			return err
		}
	}
	return nil
}
