package mocksock

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Case is a named sequence of chunks delivered one per read.
type Case struct {
	Name   string   `yaml:"name"`
	Chunks []string `yaml:"chunks"`
}

// Source holds test cases addressed by their index.
type Source struct {
	cases []Case
}

// NewSource builds a source from cases; case ids follow argument order.
func NewSource(cases ...Case) *Source {
	return &Source{cases: append([]Case(nil), cases...)}
}

// Built-in case ids of DefaultSource.
const (
	CaseSimpleGet = iota
	CaseEmpty
	CaseOversized
	CaseSplitResponse
	CaseChunkedResponse
	CasePipelined
	CaseMalformed
	CasePostBody
	CaseTruncatedHeaders
)

// OversizedChunkLen is the size of the single chunk in CaseOversized. It is
// larger than any buffer the engine allocates by default.
const OversizedChunkLen = 128 << 10

// DefaultSource returns the built-in cases.
func DefaultSource() *Source {
	return NewSource(
		Case{Name: "simple-get", Chunks: []string{
			"GET /path HTTP/1.1\r\nHost: example.com\r\n",
			"\r\n",
		}},
		Case{Name: "empty"},
		Case{Name: "oversized", Chunks: []string{strings.Repeat("x", OversizedChunkLen)}},
		Case{Name: "split-response", Chunks: []string{
			"HTTP/1.1 200 OK\r\nContent-Le",
			"ngth: 11\r\nContent-Type: text/plain\r\n\r\nhello",
			" world",
		}},
		Case{Name: "chunked-response", Chunks: []string{
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n",
			"5\r\nhello\r\n",
			"6\r\n world\r\n0\r\n\r\n",
		}},
		Case{Name: "pipelined", Chunks: []string{
			"GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n",
		}},
		Case{Name: "malformed", Chunks: []string{
			"GARBAGE\r\n\r\n",
		}},
		Case{Name: "post-body", Chunks: []string{
			"POST /submit HTTP/1.1\r\nHost: x\r\nContent-Length: 7\r\n\r\n",
			"payl",
			"oad",
		}},
		Case{Name: "truncated-headers", Chunks: []string{
			"GET / HTTP/1.1\r\nHost: x\r\n",
		}},
	)
}

// LoadSource decodes a YAML list of cases.
func LoadSource(r io.Reader) (*Source, error) {
	var doc struct {
		Cases []Case `yaml:"cases"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode test cases: %w", err)
	}
	if len(doc.Cases) == 0 {
		return nil, fmt.Errorf("no test cases defined")
	}
	return NewSource(doc.Cases...), nil
}

// LoadSourceFile is LoadSource on a file.
func LoadSourceFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSource(f)
}

// Len returns the number of cases.
func (s *Source) Len() int { return len(s.cases) }

// Case returns case id.
func (s *Source) Case(id int) (Case, error) {
	if id < 0 || id >= len(s.cases) {
		return Case{}, fmt.Errorf("test case %d out of range [0, %d)", id, len(s.cases))
	}
	return s.cases[id], nil
}

// Lookup finds a case id by name.
func (s *Source) Lookup(name string) (int, bool) {
	for i, c := range s.cases {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Cursor returns a fresh cursor over case id.
func (s *Source) Cursor(id int) (*Cursor, error) {
	c, err := s.Case(id)
	if err != nil {
		return nil, err
	}
	return &Cursor{c: c}, nil
}

// Cursor walks the chunks of one case.
type Cursor struct {
	c Case
	i int
}

// Next returns the next chunk, or false once the case is exhausted.
func (c *Cursor) Next() (string, bool) {
	if c.i >= len(c.c.Chunks) {
		return "", false
	}
	s := c.c.Chunks[c.i]
	c.i++
	return s, true
}

// Peek returns the next chunk without advancing.
func (c *Cursor) Peek() (string, bool) {
	if c.i >= len(c.c.Chunks) {
		return "", false
	}
	return c.c.Chunks[c.i], true
}

// Finished reports whether every chunk was delivered.
func (c *Cursor) Finished() bool { return c.i >= len(c.c.Chunks) }

// Name returns the case name.
func (c *Cursor) Name() string { return c.c.Name }
