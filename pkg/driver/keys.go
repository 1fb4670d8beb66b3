package driver

import "fmt"

// Shared-store key layout. Everything the driver needs to resume after a
// process restart lives under these keys.

func tickSeqKey(conversationID string) string {
	return "tick:seq:" + conversationID
}

func tickMetaKey(conversationID string, tick int) string {
	return fmt.Sprintf("tick:meta:%s:%d", conversationID, tick)
}

func tickDoneKey(conversationID string, tick int) string {
	return fmt.Sprintf("tick:done:%s:%d", conversationID, tick)
}

func waitingKey(conversationID string, tick int) string {
	return fmt.Sprintf("waiting:%s:%d", conversationID, tick)
}

func waitInfoKey(conversationID string, tick int, participant string) string {
	return fmt.Sprintf("waiting:info:%s:%d:%s", conversationID, tick, participant)
}

func leaseKey(conversationID string) string {
	return "lease:" + conversationID
}

func agentsKey(conversationID string) string {
	return "agents:" + conversationID
}

// pendingKey is the set of conversations with unresolved work.
const pendingKey = "pending:conversations"
