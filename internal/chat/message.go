// Package chat implements the conversational-assistant session engine: the
// message-lifecycle state machine, the single-flight request coordinator, and
// the reconciliation pass that repairs inconsistency between the message log
// and the pending-request marker after an uncontrolled restart.
//
// The engine persists two independently-written values per conversation
// identity (the log and the marker) through a kvstore.Store. The gap between
// writing one and the other is never protected by a transaction; the
// reconciliation pass exists to close that gap after the fact.
package chat

import (
	"parley/internal/assistant"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the lifecycle state of a message. Ready and Error are
// terminal: no message ever transitions out of either.
type MessageStatus string

const (
	StatusReady   MessageStatus = "ready"
	StatusPending MessageStatus = "pending"
	StatusError   MessageStatus = "error"
)

// ConversationMessage is one entry of the conversation log.
type ConversationMessage struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	CreatedAt int64         `json:"createdAt"` // unix milliseconds
}

func (m ConversationMessage) valid() bool {
	if m.ID == "" || m.CreatedAt <= 0 {
		return false
	}
	switch m.Role {
	case RoleUser, RoleAssistant:
	default:
		return false
	}
	switch m.Status {
	case StatusReady, StatusPending, StatusError:
	default:
		return false
	}
	return true
}

// contextWindow builds the bounded history submitted to the assistant: the
// most recent ready messages, in creation order, capped at size. Pending and
// error messages never qualify.
func contextWindow(messages []ConversationMessage, size int) []assistant.Turn {
	ready := make([]ConversationMessage, 0, len(messages))
	for _, m := range messages {
		if m.Status == StatusReady {
			ready = append(ready, m)
		}
	}
	if len(ready) > size {
		ready = ready[len(ready)-size:]
	}
	window := make([]assistant.Turn, 0, len(ready)+1)
	for _, m := range ready {
		window = append(window, assistant.Turn{Role: string(m.Role), Content: m.Content})
	}
	return window
}
