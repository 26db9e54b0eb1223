package models

// SendState is the lifecycle of a single send.
type SendState int

const (
	StateStarted SendState = iota
	StateLogAppended
	StateIndexFanoutInFlight
	StateCompleted
	StateFailed
	StatePartiallyIndexed
)

func (s SendState) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateLogAppended:
		return "log_appended"
	case StateIndexFanoutInFlight:
		return "index_fanout_in_flight"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StatePartiallyIndexed:
		return "partially_indexed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s SendState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StatePartiallyIndexed
}

func (s SendState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MessageReceipt is returned to the sender once the message is durable in the
// log. Degraded is set when some participants' inbox entries were deferred to
// the retry queue.
type MessageReceipt struct {
	ConversationID     string    `json:"conversation_id"`
	MessageID          string    `json:"message_id"`
	Timestamp          int64     `json:"timestamp"`
	State              SendState `json:"state"`
	Degraded           bool      `json:"degraded"`
	IndexedCount       int       `json:"indexed_count"`
	FailedParticipants []string  `json:"failed_participants,omitempty"`
}
