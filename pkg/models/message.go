package models

// Message is one immutable row of a conversation's log.
type Message struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	Timestamp      int64  `json:"timestamp"` // unix ms
}

// Cursor returns the position immediately at this message; passing it to
// FetchBefore resumes strictly after it in descending order.
func (m Message) Cursor() MessageCursor {
	return MessageCursor{Timestamp: m.Timestamp, MessageID: m.MessageID}
}

// ConversationSummary is one user's view of a conversation in their inbox.
type ConversationSummary struct {
	UserID             string   `json:"user_id"`
	ConversationID     string   `json:"conversation_id"`
	LastActivity       int64    `json:"last_activity"`
	ParticipantIDs     []string `json:"participant_ids"`
	LastMessagePreview string   `json:"last_message_preview"`
	// LastMessageID orders summaries that share a millisecond.
	LastMessageID      string   `json:"last_message_id,omitempty"`
}

func (s ConversationSummary) Cursor() ConversationCursor {
	return ConversationCursor{LastActivity: s.LastActivity, ConversationID: s.ConversationID}
}
