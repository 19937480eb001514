package courier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbausili/courier/internal/h1"
)

// newTestContext builds a Context for a request with headers given as
// name/value pairs.
func newTestContext(method, target string, headers ...string) *Context {
	req := h1.NewRequest(method, target)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Add(headers[i], headers[i+1])
	}
	return newContext(context.Background(), req, 7)
}

func TestContext_RequestAccessors(t *testing.T) {
	ctx := newTestContext("GET", "/items?page=2&tag=a&tag=b&empty=", "Host", "example.com")

	assert.Equal(t, "GET", ctx.Method())
	assert.Equal(t, "/items", ctx.Path())
	assert.Equal(t, "/items?page=2&tag=a&tag=b&empty=", ctx.Target())
	assert.Equal(t, h1.HTTP11, ctx.Proto())
	assert.Equal(t, "example.com", ctx.Header().Get("host"))
	assert.Equal(t, uint64(7), ctx.ConnID())

	assert.Equal(t, "a", ctx.Query("tag"))
	assert.Equal(t, "", ctx.Query("missing"))
	assert.Equal(t, "fallback", ctx.QueryDefault("empty", "fallback"))
	n, err := ctx.QueryInt("page")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = ctx.QueryInt("tag")
	assert.Error(t, err)
}

func TestContext_ResponseBuilders(t *testing.T) {
	ctx := newTestContext("GET", "/")
	require.NoError(t, ctx.String(http.StatusCreated, "hello %s", "there"))
	resp := ctx.response()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "hello there", string(resp.Body))

	ctx = newTestContext("GET", "/")
	require.NoError(t, ctx.JSON(http.StatusOK, map[string]int{"n": 1}))
	assert.JSONEq(t, `{"n":1}`, string(ctx.ResponseBody()))
	assert.Equal(t, "application/json", ctx.ResponseHeader().Get("Content-Type"))

	ctx = newTestContext("GET", "/")
	_, _ = ctx.WriteString("partial")
	require.NoError(t, ctx.NoContent(http.StatusNoContent))
	assert.Nil(t, ctx.response().Body)

	ctx = newTestContext("GET", "/")
	require.NoError(t, ctx.Redirect(http.StatusFound, "/elsewhere"))
	assert.Equal(t, "/elsewhere", ctx.response().Header.Get("Location"))

	ctx = newTestContext("GET", "/")
	ctx.Set("k", 1)
	v, ok := ctx.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = ctx.Get("other")
	assert.False(t, ok)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx *Context) error {
				order = append(order, name+">")
				err := next.Serve(ctx)
				order = append(order, "<"+name)
				return err
			})
		}
	}
	inner := MiddlewareFunc(func(ctx *Context, next Handler) error {
		order = append(order, "func")
		return next.Serve(ctx)
	}).ToMiddleware()

	h := Chain(mw("a"), mw("b"), inner)(HandlerFunc(func(*Context) error {
		order = append(order, "handler")
		return nil
	}))
	require.NoError(t, h.Serve(newTestContext("GET", "/")))
	assert.Equal(t, []string{"a>", "b>", "func", "handler", "<b", "<a"}, order)
}

func TestAdapter_Process(t *testing.T) {
	tests := []struct {
		name     string
		handler  HandlerFunc
		accept   string
		wantCode int
		wantKeep bool
		wantBody string
	}{
		{
			name:     "ok",
			handler:  func(ctx *Context) error { return ctx.Plain(http.StatusOK, "fine") },
			wantCode: http.StatusOK,
			wantKeep: true,
			wantBody: "fine",
		},
		{
			name: "close requested",
			handler: func(ctx *Context) error {
				ctx.CloseConnection()
				return ctx.Plain(http.StatusOK, "bye")
			},
			wantCode: http.StatusOK,
			wantBody: "bye",
		},
		{
			name:     "http error",
			handler:  func(*Context) error { return NewHTTPError(http.StatusNotFound, "no such item") },
			wantCode: http.StatusNotFound,
			wantKeep: true,
			wantBody: "no such item",
		},
		{
			name:     "plain error hides details",
			handler:  func(*Context) error { return errors.New("db password is hunter2") },
			wantCode: http.StatusInternalServerError,
			wantKeep: true,
			wantBody: "Internal Server Error",
		},
		{
			name: "partial response discarded on error",
			handler: func(ctx *Context) error {
				ctx.SetHeader("X-Partial", "1")
				_, _ = ctx.WriteString("half")
				return NewHTTPError(http.StatusConflict, "conflict")
			},
			wantCode: http.StatusConflict,
			wantKeep: true,
			wantBody: "conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &adapter{handler: tt.handler, onError: DefaultErrorHandler}
			resp, keep, err := a.Process(context.Background(), h1.NewRequest("GET", "/"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantKeep, keep)
			assert.Equal(t, tt.wantBody, string(resp.Body))
			assert.False(t, resp.Header.Has("X-Partial"))
		})
	}
}

func TestDefaultErrorHandler_JSON(t *testing.T) {
	ctx := newTestContext("GET", "/", "Accept", "application/json")
	err := NewHTTPError(http.StatusBadRequest, "bad input").WithDetails("field x")
	require.NoError(t, DefaultErrorHandler(ctx, err))

	assert.Equal(t, http.StatusBadRequest, ctx.Status())
	var body map[string]any
	require.NoError(t, json.Unmarshal(ctx.ResponseBody(), &body))
	assert.Equal(t, "bad input", body["error"])
	assert.Equal(t, "field x", body["details"])
	assert.EqualValues(t, 400, body["code"])
}

func TestAdapter_ErrorHandlerFails(t *testing.T) {
	a := &adapter{
		handler: HandlerFunc(func(*Context) error { return errors.New("boom") }),
		onError: func(*Context, error) error { return errors.New("render failed") },
	}
	resp, _, err := a.Process(context.Background(), h1.NewRequest("GET", "/"))
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "render failed"))
}
