package mocksock

import (
	"context"
	"sync"

	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/socket"
)

var _ socket.Connector = (*Connector)(nil)

// Connector hands out mock channels replaying one case, or fails every
// connect when Err is set.
type Connector struct {
	loop   *eventloop.Loop
	src    *Source
	caseID int
	opts   []Option

	mu       sync.Mutex
	err      error
	channels []*Channel
	targets  []string
}

// NewConnector creates a connector replaying case caseID of src.
func NewConnector(loop *eventloop.Loop, src *Source, caseID int, opts ...Option) *Connector {
	return &Connector{loop: loop, src: src, caseID: caseID, opts: opts}
}

// FailConnects makes later connects fail with a connect-stage Transport
// error wrapping err.
func (c *Connector) FailConnects(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Connect implements socket.Connector.
func (c *Connector) Connect(ctx context.Context, host, service string, cb func(socket.Channel, error)) {
	c.mu.Lock()
	c.targets = append(c.targets, host+":"+service)
	cerr := c.err
	c.mu.Unlock()

	c.loop.Post(func() {
		if err := ctx.Err(); err != nil {
			cb(nil, errs.New(errs.Transport, errs.StageConnect, err))
			return
		}
		if cerr != nil {
			cb(nil, errs.New(errs.Transport, errs.StageConnect, cerr))
			return
		}
		ch, err := New(c.loop, c.src, c.caseID, c.opts...)
		if err != nil {
			cb(nil, errs.New(errs.Transport, errs.StageConnect, err))
			return
		}
		c.mu.Lock()
		c.channels = append(c.channels, ch)
		c.mu.Unlock()
		cb(ch, nil)
	})
}

// Channels returns every channel handed out so far.
func (c *Connector) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Targets returns the host:service of every connect attempt.
func (c *Connector) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.targets...)
}
