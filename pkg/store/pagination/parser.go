package pagination

import (
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
)

// ParsePaginationRequest reads limit and cursor from the query string.
// Missing or unparsable limits fall back to def; larger ones are capped at max.
func ParsePaginationRequest(ctx *fasthttp.RequestCtx, def, max int) *PaginationRequest {
	req := &PaginationRequest{
		Limit:  def,
		Cursor: strings.TrimSpace(string(ctx.QueryArgs().Peek("cursor"))),
	}
	if limStr := string(ctx.QueryArgs().Peek("limit")); limStr != "" {
		if parsedLimit, err := strconv.Atoi(limStr); err == nil && parsedLimit > 0 {
			req.Limit = parsedLimit
		}
	}
	if max > 0 && req.Limit > max {
		req.Limit = max
	}
	return req
}
