package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"

	"github.com/albertbausili/courier/internal/client"
	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/socket"
)

// Client sends HTTP/1.x requests. With KeepAlive it reuses a single
// connection across requests to the same address and retries once on a
// fresh connection when the reused one turns out to be dead. Requests are
// serialized.
type Client struct {
	config    ClientConfig
	logger    hclog.Logger
	loop      *eventloop.Loop
	pool      *ants.Pool
	connector socket.Connector

	// mu serializes requests. idle and idleAddr are only touched on the loop.
	mu       sync.Mutex
	idle     socket.Channel
	idleAddr string
	closed   bool
}

// NewClient creates a client and starts its event loop.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(config.Workers,
		ants.WithLogger(config.Logger.Named("pool").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create I/O pool: %w", err)
	}
	loop := eventloop.New(config.Logger)
	c := &Client{
		config: config,
		logger: config.Logger.Named("client"),
		loop:   loop,
		pool:   pool,
		connector: socket.NewNetConnector(loop, pool, socket.NetConnectorConfig{
			Timeout: config.ConnectTimeout,
			NoDelay: true,
			Logger:  config.Logger,
		}),
	}
	ready := make(chan struct{})
	loop.Post(func() { close(ready) })
	go func() { _ = loop.Run(context.Background()) }()
	<-ready
	return c, nil
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, url string) (*Message, error) {
	return c.Do(ctx, "GET", url, nil, nil)
}

// Post sends a POST request with the given body.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*Message, error) {
	var h Header
	h.Set("Content-Type", contentType)
	return c.Do(ctx, "POST", url, &h, body)
}

// Do sends a request and waits for the response. header may be nil.
func (c *Client) Do(ctx context.Context, method, url string, header *Header, body []byte) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errs.Canceled(errs.StageNone)
	}

	resp, reused, err := c.attempt(ctx, method, url, header, body, true)
	if err != nil && reused && staleConnection(err) && ctx.Err() == nil {
		c.logger.Debug("reused connection failed, retrying on a new one", "error", err)
		resp, _, err = c.attempt(ctx, method, url, header, body, false)
	}
	return resp, err
}

func (c *Client) attempt(ctx context.Context, method, url string, header *Header, body []byte, allowReuse bool) (*Message, bool, error) {
	r := client.New(c.loop, client.Config{
		Connector:       c.connector,
		KeepAlive:       c.config.KeepAlive,
		UserAgent:       c.config.UserAgent,
		ReadBufferSize:  c.config.ReadBufferSize,
		WriteBufferSize: c.config.WriteBufferSize,
		Logger:          c.config.Logger,
	})
	if err := r.SetURL(url); err != nil {
		return nil, false, err
	}
	r.SetMethod(method)
	r.SetBody(body)
	if header != nil {
		for _, f := range header.Fields() {
			r.Header().Add(f.Name, f.Value)
		}
	}

	var reused bool
	addr := r.Addr()
	err := c.loop.Sync(ctx, func() {
		idle, idleAddr := c.idle, c.idleAddr
		c.idle, c.idleAddr = nil, ""
		if idle == nil {
			return
		}
		if allowReuse && idle.IsOpen() && idleAddr == addr {
			r.UseChannel(idle)
			reused = true
			return
		}
		_ = idle.Close()
	})
	if err != nil {
		return nil, false, err
	}

	resp, err := r.Do(ctx)
	if err != nil {
		return nil, reused, err
	}
	if c.config.KeepAlive {
		_ = c.loop.Sync(context.Background(), func() {
			if ch := r.Detach(); ch != nil {
				c.idle, c.idleAddr = ch, addr
			}
		})
	}
	return resp, reused, nil
}

// staleConnection reports whether err is what a kept-alive connection the
// server already closed looks like.
func staleConnection(err error) bool {
	if errors.Is(err, errs.ErrCanceled) {
		return false
	}
	switch errs.StageOf(err) {
	case errs.StageWrite:
		return errors.Is(err, errs.Transport)
	case errs.StageRead:
		return errors.Is(err, io.EOF) || errors.Is(err, errs.Transport)
	default:
		return false
	}
}

// Close releases the idle connection, stops the loop and the I/O pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var result *multierror.Error
	err := c.loop.Sync(context.Background(), func() {
		if c.idle != nil {
			if cerr := c.idle.Close(); cerr != nil {
				result = multierror.Append(result, cerr)
			}
			c.idle = nil
		}
	})
	if err != nil {
		result = multierror.Append(result, err)
	}
	c.loop.Stop()
	<-c.loop.Done()
	c.pool.Release()
	return result.ErrorOrNil()
}
