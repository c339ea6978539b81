package repo

import "fmt"

const (
	threadIndexKey  = "chat:threads"
	messageIndexKey = "chat:message-index"
)

func threadKey(threadID string) string {
	return fmt.Sprintf("chat:thread:%s", threadID)
}

// threadOrderKey holds message ids in insertion order.
func threadOrderKey(threadID string) string {
	return fmt.Sprintf("chat:thread:%s:order", threadID)
}

// threadMessagesKey is a hash of message id to message JSON.
func threadMessagesKey(threadID string) string {
	return fmt.Sprintf("chat:thread:%s:messages", threadID)
}

func queryKey(queryID string) string {
	return fmt.Sprintf("query:%s", queryID)
}

// userQueriesKey is a sorted set of query ids scored by creation time.
func userQueriesKey(userID string) string {
	return fmt.Sprintf("query:user:%s", userID)
}

func userKey(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

func snapshotKey(zipCode string) string {
	return fmt.Sprintf("weather:snapshot:%s", zipCode)
}
