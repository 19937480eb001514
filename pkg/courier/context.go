package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/albertbausili/courier/internal/h1"
)

// Context carries one request and builds its response. A Context is used by
// a single goroutine and must not be kept after the handler returns.
type Context struct {
	ctx    context.Context
	req    *h1.Message
	connID uint64

	path     string
	rawQuery string
	query    url.Values

	status     int
	respHeader h1.Header
	respBody   bytes.Buffer
	closeConn  bool
	values     map[string]any
}

func newContext(ctx context.Context, req *h1.Message, connID uint64) *Context {
	path, rawQuery, _ := strings.Cut(req.Target, "?")
	return &Context{
		ctx:      ctx,
		req:      req,
		connID:   connID,
		path:     path,
		rawQuery: rawQuery,
		status:   http.StatusOK,
	}
}

// Context returns the request's context. It is canceled when the
// connection closes.
func (c *Context) Context() context.Context { return c.ctx }

// Request returns the parsed request.
func (c *Context) Request() *Message { return c.req }

// ConnID returns the id of the connection the request arrived on.
func (c *Context) ConnID() uint64 { return c.connID }

// Method returns the request method.
func (c *Context) Method() string { return c.req.Method }

// Target returns the raw request-target.
func (c *Context) Target() string { return c.req.Target }

// Path returns the request-target without its query.
func (c *Context) Path() string { return c.path }

// Proto returns the request protocol version.
func (c *Context) Proto() string { return c.req.Proto }

// Header returns the request headers.
func (c *Context) Header() *Header { return &c.req.Header }

// Body returns the request body.
func (c *Context) Body() []byte { return c.req.Body }

// Query returns the first value of a query parameter.
func (c *Context) Query(key string) string {
	if c.query == nil {
		c.query, _ = url.ParseQuery(c.rawQuery)
	}
	return c.query.Get(key)
}

// QueryDefault returns a query parameter or def when it is absent.
func (c *Context) QueryDefault(key, def string) string {
	if v := c.Query(key); v != "" {
		return v
	}
	return def
}

// QueryInt returns a query parameter parsed as an int.
func (c *Context) QueryInt(key string) (int, error) {
	return strconv.Atoi(c.Query(key))
}

// SetStatus sets the response status code.
func (c *Context) SetStatus(code int) { c.status = code }

// Status returns the response status code.
func (c *Context) Status() int { return c.status }

// SetHeader sets a response header.
func (c *Context) SetHeader(key, value string) { c.respHeader.Set(key, value) }

// ResponseHeader returns the response headers.
func (c *Context) ResponseHeader() *Header { return &c.respHeader }

// Write appends to the response body.
func (c *Context) Write(p []byte) (int, error) { return c.respBody.Write(p) }

// WriteString appends to the response body.
func (c *Context) WriteString(s string) (int, error) { return c.respBody.WriteString(s) }

// ResponseBody returns the response body written so far.
func (c *Context) ResponseBody() []byte { return c.respBody.Bytes() }

// SetResponseBody replaces the response body.
func (c *Context) SetResponseBody(body []byte) {
	c.respBody.Reset()
	c.respBody.Write(body)
}

// CloseConnection asks for the connection to be closed after this response.
func (c *Context) CloseConnection() { c.closeConn = true }

// JSON sends a JSON response with the given status.
func (c *Context) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Data(status, "application/json", data)
}

// String sends a formatted plain-text response.
func (c *Context) String(status int, format string, values ...any) error {
	return c.Data(status, "text/plain; charset=utf-8", fmt.Appendf(nil, format, values...))
}

// Plain sends s as a plain-text response.
func (c *Context) Plain(status int, s string) error {
	return c.Data(status, "text/plain; charset=utf-8", []byte(s))
}

// HTML sends an HTML response.
func (c *Context) HTML(status int, html string) error {
	return c.Data(status, "text/html; charset=utf-8", []byte(html))
}

// Data sends data with the given content type, replacing any body written
// so far.
func (c *Context) Data(status int, contentType string, data []byte) error {
	c.status = status
	c.respHeader.Set("Content-Type", contentType)
	c.SetResponseBody(data)
	return nil
}

// NoContent sends a response without a body.
func (c *Context) NoContent(status int) error {
	c.status = status
	c.respBody.Reset()
	return nil
}

// Redirect sends a redirect to url.
func (c *Context) Redirect(status int, url string) error {
	c.status = status
	c.respHeader.Set("Location", url)
	c.respBody.Reset()
	return nil
}

// Set stores a value for later middleware and handlers.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Get returns a value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// response builds the message written back to the client.
func (c *Context) response() *h1.Message {
	resp := h1.NewResponse(c.status)
	resp.Header = c.respHeader
	if c.respBody.Len() > 0 {
		resp.Body = c.respBody.Bytes()
	}
	return resp
}

// reset clears the response so an error handler can start over.
func (c *Context) reset() {
	c.status = http.StatusOK
	c.respHeader.Reset()
	c.respBody.Reset()
}
