package courier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/albertbausili/courier/internal/h1"
	"github.com/albertbausili/courier/internal/server"
)

// Handler defines the interface for request handlers.
type Handler interface {
	Serve(ctx *Context) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(ctx *Context) error

// Serve calls f(ctx).
func (f HandlerFunc) Serve(ctx *Context) error {
	return f(ctx)
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// MiddlewareFunc is a function-based middleware that receives the context and next handler.
type MiddlewareFunc func(ctx *Context, next Handler) error

// ToMiddleware converts a MiddlewareFunc to a Middleware.
func (m MiddlewareFunc) ToMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			return m(ctx, next)
		})
	}
}

// Chain combines multiple middlewares into a single middleware. The first
// one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// HTTPError represents an HTTP error with status code, message, and optional details.
type HTTPError struct {
	Code    int
	Message string
	Details any
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds additional details to the HTTPError and returns the modified error.
func (e *HTTPError) WithDetails(details any) *HTTPError {
	e.Details = details
	return e
}

// ErrorHandler renders the response for an error returned by a handler.
type ErrorHandler func(ctx *Context, err error) error

// DefaultErrorHandler provides a default implementation for rendering error responses.
func DefaultErrorHandler(ctx *Context, err error) error {
	ctx.reset()
	code := http.StatusInternalServerError
	message := http.StatusText(code)
	var details any

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		code, message, details = httpErr.Code, httpErr.Message, httpErr.Details
	}

	if strings.Contains(ctx.Header().Get("Accept"), "application/json") {
		body := map[string]any{
			"error": message,
			"code":  code,
		}
		if details != nil {
			body["details"] = details
		}
		return ctx.JSON(code, body)
	}
	return ctx.Plain(code, message)
}

// adapter runs a Handler as the engine's request strategy.
type adapter struct {
	handler Handler
	onError ErrorHandler
}

func (a *adapter) Process(ctx context.Context, req *h1.Message) (*h1.Message, bool, error) {
	id, _ := server.ConnID(ctx)
	c := newContext(ctx, req, id)
	if err := a.handler.Serve(c); err != nil {
		if herr := a.onError(c, err); herr != nil {
			return nil, false, fmt.Errorf("error handler failed: %w", herr)
		}
	}
	return c.response(), !c.closeConn, nil
}
