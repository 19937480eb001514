package server

import (
	"context"

	"github.com/albertbausili/courier/internal/h1"
)

// RequestHandler turns a request into a response. keepAlive says whether
// the handler is willing to serve another request on the connection; the
// connection may still close if the request or configuration forbids it.
// Process runs off the event loop and must not keep req after returning.
type RequestHandler interface {
	Process(ctx context.Context, req *h1.Message) (resp *h1.Message, keepAlive bool, err error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req *h1.Message) (*h1.Message, bool, error)

// Process implements RequestHandler.
func (f RequestHandlerFunc) Process(ctx context.Context, req *h1.Message) (*h1.Message, bool, error) {
	return f(ctx, req)
}

// Dispatcher runs strategy calls off the loop. *ants.Pool satisfies it.
type Dispatcher interface {
	Submit(task func()) error
}

type connIDKey struct{}

// ConnID returns the id of the connection a request arrived on, taken from
// the context passed to Process.
func ConnID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(connIDKey{}).(uint64)
	return id, ok
}
