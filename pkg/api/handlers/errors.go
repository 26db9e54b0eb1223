package handlers

import (
	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"

	"convodb/pkg/api/router"
	"convodb/pkg/convindex"
	"convodb/pkg/coordinator"
	"convodb/pkg/logger"
	"convodb/pkg/messagelog"
	"convodb/pkg/store"
	"convodb/pkg/store/pagination"
)

const retryAfterSeconds = 1

// writeError maps component errors onto HTTP statuses.
func writeError(ctx *fasthttp.RequestCtx, op string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest),
		errors.Is(err, messagelog.ErrInvalidArgument),
		errors.Is(err, convindex.ErrInvalidArgument),
		errors.Is(err, pagination.ErrInvalidCursor),
		errors.Is(err, store.ErrInvalidKey):
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
	case errors.Is(err, convindex.ErrNotFound):
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "conversation not found")
	case errors.Is(err, coordinator.ErrSendFailed),
		errors.Is(err, store.ErrWriteUnavailable):
		logger.Warn("request_unavailable", "op", op, "error", err)
		router.WriteUnavailable(ctx, retryAfterSeconds, "message not sent: storage unavailable")
	case errors.Is(err, store.ErrReadUnavailable):
		logger.Warn("request_unavailable", "op", op, "error", err)
		router.WriteUnavailable(ctx, retryAfterSeconds, "storage unavailable")
	default:
		logger.Error("request_failed", "op", op, "error", err)
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}
