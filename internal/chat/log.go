package chat

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parley/internal/kvstore"
)

// DefaultGreeting seeds a conversation that has no (or unreadable) persisted
// log.
const DefaultGreeting = "Hi! I'm your assistant. Ask me anything to get started."

// messageLog is the ordered, bounded record of the conversation. Every
// mutation writes through to the store (best effort: a failed write is logged
// and the in-memory log stays authoritative for the session's lifetime).
//
// The log is not internally synchronized; the owning Session serializes
// access.
type messageLog struct {
	store      kvstore.Store
	key        string
	maxHistory int
	logger     *zap.Logger

	messages []ConversationMessage
}

// loadLog reads the persisted conversation. A missing value, malformed JSON,
// or a payload with no usable messages all degrade to a single default
// greeting; corruption is never surfaced to the caller.
func loadLog(store kvstore.Store, key string, maxHistory int, logger *zap.Logger, now int64) *messageLog {
	l := &messageLog{store: store, key: key, maxHistory: maxHistory, logger: logger}

	raw, ok, err := store.Get(key)
	if err != nil {
		logger.Warn("failed to read message log, starting fresh", zap.Error(err))
	}
	if ok && err == nil {
		var persisted []ConversationMessage
		if jsonErr := json.Unmarshal([]byte(raw), &persisted); jsonErr != nil {
			logger.Warn("message log is corrupt, starting fresh", zap.Error(jsonErr))
		} else {
			for _, m := range persisted {
				if m.valid() {
					l.messages = append(l.messages, m)
				}
			}
		}
	}

	if len(l.messages) == 0 {
		l.messages = []ConversationMessage{{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Content:   DefaultGreeting,
			Status:    StatusReady,
			CreatedAt: now,
		}}
	}
	return l
}

// append adds messages at the tail and trims from the head if the cap is
// exceeded. Pending messages are pinned: trimming skips them so a live
// request's placeholder can never be trimmed out from under its marker.
func (l *messageLog) append(msgs ...ConversationMessage) {
	l.messages = append(l.messages, msgs...)
	l.trim()
	l.persist()
}

// update applies transform to the message with the given id. No-op if the id
// is absent. Returns whether a message was modified.
func (l *messageLog) update(id string, transform func(ConversationMessage) ConversationMessage) bool {
	for i, m := range l.messages {
		if m.ID == id {
			l.messages[i] = transform(m)
			l.persist()
			return true
		}
	}
	return false
}

// snapshot returns a copy; consumers never observe partial mutations.
func (l *messageLog) snapshot() []ConversationMessage {
	out := make([]ConversationMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// find returns the message with the given id, if present.
func (l *messageLog) find(id string) (ConversationMessage, bool) {
	for _, m := range l.messages {
		if m.ID == id {
			return m, true
		}
	}
	return ConversationMessage{}, false
}

// firstPending returns the oldest pending message, if any.
func (l *messageLog) firstPending() (ConversationMessage, bool) {
	for _, m := range l.messages {
		if m.Status == StatusPending {
			return m, true
		}
	}
	return ConversationMessage{}, false
}

func (l *messageLog) trim() {
	excess := len(l.messages) - l.maxHistory
	if excess <= 0 {
		return
	}
	kept := make([]ConversationMessage, 0, l.maxHistory)
	for _, m := range l.messages {
		if excess > 0 && m.Status != StatusPending {
			excess--
			continue
		}
		kept = append(kept, m)
	}
	l.messages = kept
}

func (l *messageLog) persist() {
	data, err := json.Marshal(l.messages)
	if err != nil {
		l.logger.Warn("failed to encode message log", zap.Error(err))
		return
	}
	if err := l.store.Set(l.key, string(data)); err != nil {
		l.logger.Warn("failed to persist message log", zap.Error(err))
	}
}
