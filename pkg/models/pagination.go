package models

// MessageCursor marks a position in a conversation's log. An empty MessageID
// means "everything strictly older than Timestamp".
type MessageCursor struct {
	Timestamp int64  `json:"ts"`
	MessageID string `json:"id,omitempty"`
}

// ConversationCursor marks a position in a user's inbox.
type ConversationCursor struct {
	LastActivity   int64  `json:"ts"`
	ConversationID string `json:"id,omitempty"`
}

type MessagePage struct {
	Messages   []Message      `json:"messages"`
	HasMore    bool           `json:"has_more"`
	NextCursor *MessageCursor `json:"next_cursor,omitempty"`
}

type ConversationPage struct {
	Conversations []ConversationSummary `json:"conversations"`
	HasMore       bool                  `json:"has_more"`
	NextCursor    *ConversationCursor   `json:"next_cursor,omitempty"`
}

type PaginationResponse struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
	Count      int    `json:"count"`
}
