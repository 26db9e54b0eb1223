// Package api assembles the HTTP surface: routes, admission and metrics.
package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"convodb/pkg/api/auth"
	"convodb/pkg/api/handlers"
	"convodb/pkg/api/router"
	"convodb/pkg/logger"
	"convodb/pkg/metrics"
)

// RegisterRoutes wires every endpoint onto r.
func RegisterRoutes(r *router.Router, h *handlers.Handlers) {
	r.POST("/v1/conversations/{conversationID}/messages", h.SendMessage)
	r.GET("/v1/conversations/{conversationID}/messages", h.ReadMessages)
	r.GET("/v1/users/{userID}/conversations", h.ListConversations)
	r.GET("/v1/users/{userID}/conversations/{conversationID}", h.GetConversation)

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
}

// Handler returns the server's root handler. limiter may be nil.
func Handler(h *handlers.Handlers, limiter *auth.LimiterPool) fasthttp.RequestHandler {
	r := router.New()
	RegisterRoutes(r, h)
	var next fasthttp.RequestHandler = r.Handler
	if limiter != nil {
		next = limiter.Middleware(next)
	}
	return instrument(next)
}

func instrument(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		next(ctx)
		metrics.HTTPRequests.WithLabelValues(router.Route(ctx), strconv.Itoa(ctx.Response.StatusCode())).Inc()
	}
}
