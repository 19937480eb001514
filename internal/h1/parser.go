package h1

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/courier/internal/errs"
)

var crlf = []byte("\r\n")

// bodyMode says how the end of a message body is found.
type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilEOF
)

// Parser walks CRLF-terminated lines of a buffer that may grow between
// calls. Every method that needs more data leaves the position unchanged.
type Parser struct {
	buf []byte
	pos int
}

// Reset points the parser at buf, resuming at pos.
func (p *Parser) Reset(buf []byte, pos int) {
	p.buf = buf
	p.pos = pos
}

// Pos returns the offset of the first unparsed byte.
func (p *Parser) Pos() int { return p.pos }

// Remaining returns the number of unparsed bytes in the buffer.
func (p *Parser) Remaining() int { return len(p.buf) - p.pos }

// NextLine returns the next line without its CRLF, or ok=false if the line
// is not complete yet.
func (p *Parser) NextLine() (line []byte, ok bool) {
	end := bytes.Index(p.buf[p.pos:], crlf)
	if end == -1 {
		return nil, false
	}
	line = p.buf[p.pos : p.pos+end]
	p.pos += end + 2
	return line, true
}

// Take consumes n bytes and returns them, or ok=false if fewer are buffered.
func (p *Parser) Take(n int) ([]byte, bool) {
	if p.Remaining() < n {
		return nil, false
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b, true
}

// ParseChunk decodes one chunk of a chunked body. It returns the chunk data
// as a view into the buffer and whether it was the last chunk. Trailer
// fields after the last chunk are skipped. ok=false means more bytes are
// needed.
func (p *Parser) ParseChunk() (data []byte, last, ok bool, err error) {
	start := p.pos
	sizeLine, ok := p.NextLine()
	if !ok {
		return nil, false, false, nil
	}
	if semi := bytes.IndexByte(sizeLine, ';'); semi != -1 {
		sizeLine = sizeLine[:semi]
	}
	size, perr := strconv.ParseUint(string(bytes.TrimRight(sizeLine, " \t")), 16, 31)
	if perr != nil {
		return nil, false, false, malformed("invalid chunk size %q", sizeLine)
	}

	if size == 0 {
		for {
			trailer, ok := p.NextLine()
			if !ok {
				p.pos = start
				return nil, false, false, nil
			}
			if len(trailer) == 0 {
				return nil, true, true, nil
			}
		}
	}

	if p.Remaining() < int(size)+2 {
		p.pos = start
		return nil, false, false, nil
	}
	data = p.buf[p.pos : p.pos+int(size)]
	p.pos += int(size)
	if !bytes.HasPrefix(p.buf[p.pos:], crlf) {
		return nil, false, false, malformed("chunk data not terminated by CRLF")
	}
	p.pos += 2
	return data, false, true, nil
}

// parseRequestLine parses METHOD SP TARGET SP VERSION into m.
func parseRequestLine(line []byte, m *Message) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return malformed("invalid request line %q", line)
	}
	method, target, proto := string(parts[0]), string(parts[1]), string(parts[2])
	if !httpguts.ValidHeaderFieldName(method) {
		return malformed("invalid method %q", method)
	}
	if target == "" || !validTarget(target) {
		return malformed("invalid request target %q", target)
	}
	if err := checkProto(proto); err != nil {
		return err
	}
	m.Kind = KindRequest
	m.Method, m.Target, m.Proto = method, target, proto
	return nil
}

// parseStatusLine parses VERSION SP CODE [SP REASON] into m.
func parseStatusLine(line []byte, m *Message) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return malformed("invalid status line %q", line)
	}
	proto := string(parts[0])
	if err := checkProto(proto); err != nil {
		return err
	}
	if len(parts[1]) != 3 {
		return malformed("invalid status code %q", parts[1])
	}
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil || code < 100 {
		return malformed("invalid status code %q", parts[1])
	}
	m.Kind = KindResponse
	m.Proto, m.StatusCode = proto, code
	if len(parts) == 3 {
		m.Reason = string(parts[2])
	}
	return nil
}

// parseHeaderLine parses NAME ":" OWS VALUE OWS and appends it to h.
func parseHeaderLine(line []byte, h *Header) error {
	if line[0] == ' ' || line[0] == '\t' {
		return malformed("obsolete header line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return malformed("invalid header line %q", line)
	}
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return malformed("invalid header name %q", name)
	}
	value := string(bytes.Trim(line[colon+1:], " \t"))
	if !httpguts.ValidHeaderFieldValue(value) {
		return malformed("invalid value for header %q", name)
	}
	h.Add(name, value)
	return nil
}

// framing decides how the body of m is delimited. requestMethod is the
// method of the request a response answers, or "".
func framing(m *Message, requestMethod string) (bodyMode, int64, error) {
	if m.Kind == KindResponse {
		if requestMethod == "HEAD" || m.StatusCode < 200 || m.StatusCode == 204 || m.StatusCode == 304 {
			return bodyNone, 0, nil
		}
	}

	te := m.Header.Values("Transfer-Encoding")
	cls := m.Header.Values("Content-Length")
	if len(te) > 0 {
		if len(cls) > 0 {
			return 0, 0, malformed("both Transfer-Encoding and Content-Length present")
		}
		if lastCoding(te) == "chunked" {
			return bodyChunked, 0, nil
		}
		if m.Kind == KindRequest {
			return 0, 0, malformed("unsupported transfer coding %q", te[len(te)-1])
		}
		return bodyUntilEOF, 0, nil
	}

	if len(cls) > 0 {
		n, err := contentLength(cls)
		if err != nil {
			return 0, 0, err
		}
		if n == 0 {
			return bodyNone, 0, nil
		}
		return bodyLength, n, nil
	}

	if m.Kind == KindRequest {
		return bodyNone, 0, nil
	}
	return bodyUntilEOF, 0, nil
}

// contentLength parses every Content-Length value; duplicates must agree.
func contentLength(values []string) (int64, error) {
	n := int64(-1)
	for _, v := range values {
		for _, part := range bytes.Split([]byte(v), []byte(",")) {
			s := string(bytes.Trim(part, " \t"))
			if s == "" || s[0] == '+' || s[0] == '-' {
				return 0, malformed("invalid Content-Length %q", v)
			}
			cl, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return 0, malformed("invalid Content-Length %q", v)
			}
			if n != -1 && cl != n {
				return 0, malformed("conflicting Content-Length values")
			}
			n = cl
		}
	}
	return n, nil
}

// lastCoding returns the final transfer coding, lowercased.
func lastCoding(values []string) string {
	v := []byte(values[len(values)-1])
	if comma := bytes.LastIndexByte(v, ','); comma != -1 {
		v = v[comma+1:]
	}
	return string(bytes.ToLower(bytes.Trim(v, " \t")))
}

func checkProto(proto string) error {
	if proto != HTTP11 && proto != HTTP10 {
		return malformed("unsupported HTTP version %q", proto)
	}
	return nil
}

func validTarget(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] == 0x7f {
			return false
		}
	}
	return true
}

func malformed(format string, args ...any) error {
	return errs.New(errs.MalformedMessage, errs.StageRead, fmt.Errorf(format, args...))
}
