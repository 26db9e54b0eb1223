package keys

const (
	// table names
	TableMessages          = "messages"           // partition: conversation id
	TableUserConversations = "user_conversations" // partition: user id
	TableRetries           = "retries"            // partition: RetryPartition

	RetryPartition = "pending"

	// clustering formats; segments are separated by ":"
	MessageClustering      = "%s:%s" // <ts>:<message_id>
	ConversationClustering = "%s:%s" // <last_activity>:<conversation_id>
	RetryClustering        = "%s:%s" // <due>:<task_id>

	// padding width (fixed for lexicographic ordering)
	TSPadWidth = 20 // e.g. %020d
)
