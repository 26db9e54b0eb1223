package keys

import (
	"fmt"
)

func PadTS(ts int64) string {
	return fmt.Sprintf("%0*d", TSPadWidth, ts)
}

// GenMessageClustering orders messages by (timestamp, message id).
func GenMessageClustering(ts int64, messageID string) []byte {
	return []byte(fmt.Sprintf(MessageClustering, PadTS(ts), messageID))
}

// GenMessageBound returns an exclusive upper bound for a FetchBefore scan.
// With an empty messageID every message at ts is excluded, because each
// "<ts>:<id>" key sorts after the bare "<ts>" prefix.
func GenMessageBound(ts int64, messageID string) []byte {
	if messageID == "" {
		return []byte(PadTS(ts))
	}
	return GenMessageClustering(ts, messageID)
}

func GenConversationClustering(lastActivity int64, conversationID string) []byte {
	return []byte(fmt.Sprintf(ConversationClustering, PadTS(lastActivity), conversationID))
}

// GenConversationBound is the exclusive bound used to resume an inbox listing.
func GenConversationBound(lastActivity int64, conversationID string) []byte {
	if conversationID == "" {
		return []byte(PadTS(lastActivity))
	}
	return GenConversationClustering(lastActivity, conversationID)
}

func GenRetryClustering(due int64, taskID string) []byte {
	return []byte(fmt.Sprintf(RetryClustering, PadTS(due), taskID))
}
