package chat

import (
	"encoding/json"

	"go.uber.org/zap"

	"parley/internal/assistant"
	"parley/internal/kvstore"
)

// PendingRequestMarker is the durable record asserting "a request for this
// assistant message id is (or was) outstanding". It is written immediately
// before the network call starts, so an interruption at any later point is
// recoverable, and deleted only once the call's outcome has been applied to
// the log.
type PendingRequestMarker struct {
	// ID equals the id of the pending assistant message it describes.
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	// HistorySnapshot is the bounded context window computed at dispatch
	// time, already trimmed.
	HistorySnapshot []assistant.Turn `json:"historySnapshot"`
	CreatedAt       int64            `json:"createdAt"` // unix milliseconds
	// UserMessageID back-references the paired user message; used only
	// during reconstruction.
	UserMessageID string `json:"userMessageId,omitempty"`

	// Reconstructed marks a marker synthesized by the reconciliation pass
	// rather than a live send. Transient; not persisted.
	Reconstructed bool `json:"-"`
}

func (m PendingRequestMarker) valid() bool {
	return m.ID != "" && m.Prompt != "" && m.CreatedAt > 0
}

// markerStore persists at most one PendingRequestMarker. Malformed payloads
// are dropped on read rather than surfaced: a marker that cannot be decoded
// cannot be resumed, so it is indistinguishable from no marker at all.
type markerStore struct {
	store  kvstore.Store
	key    string
	logger *zap.Logger
}

func (s *markerStore) read() (PendingRequestMarker, bool) {
	raw, ok, err := s.store.Get(s.key)
	if err != nil {
		s.logger.Warn("failed to read pending-request marker", zap.Error(err))
		return PendingRequestMarker{}, false
	}
	if !ok {
		return PendingRequestMarker{}, false
	}

	var marker PendingRequestMarker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		s.logger.Warn("pending-request marker is corrupt, dropping", zap.Error(err))
		s.clear()
		return PendingRequestMarker{}, false
	}
	if !marker.valid() {
		s.logger.Warn("pending-request marker is malformed, dropping", zap.String("id", marker.ID))
		s.clear()
		return PendingRequestMarker{}, false
	}
	return marker, true
}

func (s *markerStore) write(marker PendingRequestMarker) {
	data, err := json.Marshal(marker)
	if err != nil {
		s.logger.Warn("failed to encode pending-request marker", zap.Error(err))
		return
	}
	if err := s.store.Set(s.key, string(data)); err != nil {
		s.logger.Warn("failed to persist pending-request marker", zap.Error(err))
	}
}

func (s *markerStore) clear() {
	if err := s.store.Remove(s.key); err != nil {
		s.logger.Warn("failed to clear pending-request marker", zap.Error(err))
	}
}
