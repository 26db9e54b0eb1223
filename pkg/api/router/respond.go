package router

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
)

// WriteJSON writes data with the given status.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, data any) {
	ctx.SetStatusCode(status)
	ctx.Response.Header.Set("Content-Type", "application/json")
	_ = json.NewEncoder(ctx).Encode(data)
}

// WriteJSONError writes {"error": message}.
func WriteJSONError(ctx *fasthttp.RequestCtx, status int, message string) {
	WriteJSON(ctx, status, map[string]string{"error": message})
}

// WriteUnavailable writes a 503 asking the client to retry after the given
// number of seconds.
func WriteUnavailable(ctx *fasthttp.RequestCtx, retryAfter int, message string) {
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, message)
}

// PathParam returns a trimmed {name} path value set by the router.
func PathParam(ctx *fasthttp.RequestCtx, name string) string {
	if s, ok := ctx.UserValue(name).(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// ExtractParamOrFail writes a 400 when the path value is missing.
func ExtractParamOrFail(ctx *fasthttp.RequestCtx, name string) (string, bool) {
	v := PathParam(ctx, name)
	if v == "" {
		WriteJSONError(ctx, fasthttp.StatusBadRequest, name+" missing")
		return "", false
	}
	return v, true
}

// GetQuery returns a trimmed query argument.
func GetQuery(ctx *fasthttp.RequestCtx, key string) string {
	return strings.TrimSpace(string(ctx.QueryArgs().Peek(key)))
}

// Route returns the matched pattern, or "unmatched".
func Route(ctx *fasthttp.RequestCtx) string {
	if s, ok := ctx.UserValue(RouteKey).(string); ok {
		return s
	}
	return "unmatched"
}
