// Package handlers implements the JSON endpoints over the coordinator, the
// message log and the conversation index.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"

	"convodb/pkg/api/router"
	"convodb/pkg/coordinator"
	"convodb/pkg/logger"
	"convodb/pkg/models"
	"convodb/pkg/store/pagination"
	"convodb/pkg/telemetry"
)

type Handlers struct {
	d        Deps
	validate *validator.Validate
}

func New(d Deps) *Handlers {
	if d.DefaultLimit <= 0 {
		d.DefaultLimit = 20
	}
	if d.MaxLimit <= 0 {
		d.MaxLimit = 100
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	return &Handlers{d: d, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// requestContext is detached from the fasthttp server; RequestCtx only
// behaves as a context.Context while attached to a running server.
func (h *Handlers) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.d.Timeout)
}

// SendMessage handles POST /v1/conversations/{conversationID}/messages.
func (h *Handlers) SendMessage(ctx *fasthttp.RequestCtx) {
	tr := telemetry.Track("api.send_message")
	defer tr.Finish()

	conversationID, ok := router.ExtractParamOrFail(ctx, "conversationID")
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, validationMessage(err))
		return
	}
	tr.Mark("decode")

	rctx, cancel := h.requestContext()
	defer cancel()
	receipt, err := h.d.Sender.SendMessage(rctx, coordinator.SendRequest{
		ConversationID: conversationID,
		SenderID:       req.SenderID,
		ParticipantIDs: req.ParticipantIDs,
		Body:           req.Body,
	})
	if err != nil {
		writeError(ctx, "send_message", err)
		return
	}
	tr.Mark("send")

	resp := SendMessageResponse{MessageReceipt: receipt}
	if w := coordinator.Warning(receipt); w != nil {
		resp.Warning = w.Error()
	}
	logger.Info("message_sent", "conversation_id", receipt.ConversationID, "message_id", receipt.MessageID,
		"state", receipt.State.String())
	router.WriteJSON(ctx, fasthttp.StatusCreated, resp)
}

// ReadMessages handles GET /v1/conversations/{conversationID}/messages.
// A page starts at the newest message unless cursor, or before_ts with an
// optional before_id, is given.
func (h *Handlers) ReadMessages(ctx *fasthttp.RequestCtx) {
	tr := telemetry.Track("api.read_messages")
	defer tr.Finish()

	conversationID, ok := router.ExtractParamOrFail(ctx, "conversationID")
	if !ok {
		return
	}
	qp := pagination.ParsePaginationRequest(ctx, h.d.DefaultLimit, h.d.MaxLimit)
	cursor, hasCursor, err := pagination.DecodeCursor[models.MessageCursor](qp.Cursor)
	if err != nil {
		writeError(ctx, "read_messages", err)
		return
	}
	if ts := router.GetQuery(ctx, "before_ts"); ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil || ms < 0 {
			router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "before_ts must be a unix millisecond timestamp")
			return
		}
		cursor = models.MessageCursor{Timestamp: ms, MessageID: router.GetQuery(ctx, "before_id")}
		hasCursor = true
	}

	rctx, cancel := h.requestContext()
	defer cancel()
	var page *models.MessagePage
	if hasCursor {
		page, err = h.d.Messages.FetchBefore(rctx, conversationID, cursor, qp.Limit)
	} else {
		page, err = h.d.Messages.FetchRecent(rctx, conversationID, qp.Limit)
	}
	if err != nil {
		writeError(ctx, "read_messages", err)
		return
	}
	tr.Mark("fetch")

	resp := MessagesResponse{
		ConversationID: conversationID,
		Messages:       page.Messages,
		Pagination:     models.PaginationResponse{Limit: qp.Limit, HasMore: page.HasMore, Count: len(page.Messages)},
	}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	if page.NextCursor != nil {
		resp.Pagination.NextCursor = pagination.EncodeCursor(*page.NextCursor)
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, resp)
}

// ListConversations handles GET /v1/users/{userID}/conversations.
func (h *Handlers) ListConversations(ctx *fasthttp.RequestCtx) {
	tr := telemetry.Track("api.list_conversations")
	defer tr.Finish()

	userID, ok := router.ExtractParamOrFail(ctx, "userID")
	if !ok {
		return
	}
	qp := pagination.ParsePaginationRequest(ctx, h.d.DefaultLimit, h.d.MaxLimit)
	cursor, hasCursor, err := pagination.DecodeCursor[models.ConversationCursor](qp.Cursor)
	if err != nil {
		writeError(ctx, "list_conversations", err)
		return
	}
	var from *models.ConversationCursor
	if hasCursor {
		from = &cursor
	}

	rctx, cancel := h.requestContext()
	defer cancel()
	page, err := h.d.Inbox.List(rctx, userID, from, qp.Limit)
	if err != nil {
		writeError(ctx, "list_conversations", err)
		return
	}
	tr.Mark("list")

	resp := ConversationsResponse{
		UserID:        userID,
		Conversations: page.Conversations,
		Pagination:    models.PaginationResponse{Limit: qp.Limit, HasMore: page.HasMore, Count: len(page.Conversations)},
	}
	if resp.Conversations == nil {
		resp.Conversations = []models.ConversationSummary{}
	}
	if page.NextCursor != nil {
		resp.Pagination.NextCursor = pagination.EncodeCursor(*page.NextCursor)
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, resp)
}

// GetConversation handles GET /v1/users/{userID}/conversations/{conversationID}.
func (h *Handlers) GetConversation(ctx *fasthttp.RequestCtx) {
	tr := telemetry.Track("api.get_conversation")
	defer tr.Finish()

	userID, ok := router.ExtractParamOrFail(ctx, "userID")
	if !ok {
		return
	}
	conversationID, ok := router.ExtractParamOrFail(ctx, "conversationID")
	if !ok {
		return
	}
	rctx, cancel := h.requestContext()
	defer cancel()
	s, err := h.d.Inbox.GetConversation(rctx, userID, conversationID)
	if err != nil {
		writeError(ctx, "get_conversation", err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, ConversationResponse{Conversation: *s})
}

func (h *Handlers) Healthz(ctx *fasthttp.RequestCtx) {
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// Readyz fails until startup finished and while the backend does not answer.
func (h *Handlers) Readyz(ctx *fasthttp.RequestCtx) {
	if h.d.Ready != nil && !h.d.Ready() {
		router.WriteUnavailable(ctx, retryAfterSeconds, "starting")
		return
	}
	if h.d.Backend != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.d.Backend.Ping(rctx); err != nil {
			logger.Warn("readyz_ping_failed", "error", err)
			router.WriteUnavailable(ctx, retryAfterSeconds, "storage unavailable")
			return
		}
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ready"})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}
