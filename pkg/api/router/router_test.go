package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func newCtx(method, uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	return ctx
}

func TestRouterBindsParams(t *testing.T) {
	r := New()
	var got string
	r.GET("/v1/users/{userID}/conversations/{conversationID}", func(ctx *fasthttp.RequestCtx) {
		got = PathParam(ctx, "userID") + "/" + PathParam(ctx, "conversationID")
	})

	ctx := newCtx("GET", "/v1/users/alice/conversations/c1")
	r.Handler(ctx)
	assert.Equal(t, "alice/c1", got)
	assert.Equal(t, "/v1/users/{userID}/conversations/{conversationID}", Route(ctx))
}

func TestRouterMisses(t *testing.T) {
	r := New()
	r.POST("/v1/conversations/{conversationID}/messages", func(ctx *fasthttp.RequestCtx) {})

	ctx := newCtx("GET", "/v1/conversations/c1/messages")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
	assert.Equal(t, "POST", string(ctx.Response.Header.Peek("Allow")))

	ctx = newCtx("POST", "/v1/conversations//messages")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, "unmatched", Route(ctx))

	ctx = newCtx("POST", "/v1/conversations/c1/messages/extra")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestWriteUnavailable(t *testing.T) {
	ctx := newCtx("GET", "/")
	WriteUnavailable(ctx, 2, "store down")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	assert.Equal(t, "2", string(ctx.Response.Header.Peek("Retry-After")))
	assert.JSONEq(t, `{"error":"store down"}`, string(ctx.Response.Body()))
}
