package handlers

import (
	"context"
	"time"

	"convodb/pkg/coordinator"
	"convodb/pkg/models"
)

type Sender interface {
	SendMessage(ctx context.Context, req coordinator.SendRequest) (*models.MessageReceipt, error)
}

type MessageReader interface {
	FetchRecent(ctx context.Context, conversationID string, limit int) (*models.MessagePage, error)
	FetchBefore(ctx context.Context, conversationID string, cursor models.MessageCursor, limit int) (*models.MessagePage, error)
}

type InboxReader interface {
	List(ctx context.Context, userID string, cursor *models.ConversationCursor, limit int) (*models.ConversationPage, error)
	GetConversation(ctx context.Context, userID, conversationID string) (*models.ConversationSummary, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the HTTP handlers call into.
type Deps struct {
	Sender   Sender
	Messages MessageReader
	Inbox    InboxReader
	Backend  Pinger
	// DefaultLimit and MaxLimit bound page sizes on reads.
	DefaultLimit int
	MaxLimit     int
	// Timeout bounds each request's storage work; defaults to 10s.
	Timeout time.Duration
	// Ready reports whether startup (retry recovery) has finished.
	Ready func() bool
}

type SendMessageRequest struct {
	SenderID       string   `json:"sender_id" validate:"required,max=128,excludesall=:"`
	ParticipantIDs []string `json:"participant_ids" validate:"omitempty,max=1000,dive,required,max=128,excludesall=:"`
	Body           string   `json:"body" validate:"required"`
}

type SendMessageResponse struct {
	*models.MessageReceipt
	Warning string `json:"warning,omitempty"`
}

type MessagesResponse struct {
	ConversationID string                    `json:"conversation_id"`
	Messages       []models.Message          `json:"messages"`
	Pagination     models.PaginationResponse `json:"pagination"`
}

type ConversationsResponse struct {
	UserID        string                       `json:"user_id"`
	Conversations []models.ConversationSummary `json:"conversations"`
	Pagination    models.PaginationResponse    `json:"pagination"`
}

type ConversationResponse struct {
	Conversation models.ConversationSummary `json:"conversation"`
}
