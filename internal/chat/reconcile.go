package chat

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parley/internal/assistant"
)

// Reconcile inspects the message log and the pending-request marker and
// repairs any divergence between them. It runs on session start, after every
// log mutation, and whenever the backing store reports an out-of-band change.
// A marker without its pending message, or a pending message without its
// marker, is the expected transient condition here, not an error.
func (s *Session) Reconcile() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.reconcileLocked()
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// reconcileLocked evaluates the decision table until the state is stable.
// Reconstruct and repair mutate state and re-evaluate; the other rows
// terminate the pass. The iteration cap is a safety net; no legal state
// needs more than three steps.
func (s *Session) reconcileLocked() bool {
	changed := false
	for i := 0; i < 5; i++ {
		marker, haveMarker := s.markers.read()
		if haveMarker {
			marker.Reconstructed = s.reconstructedID == marker.ID
		}
		pending, havePending := s.log.firstPending()

		// A marker whose message already reached a terminal status is
		// stale: the outcome was applied but the process died before the
		// marker delete. There is nothing left to resume.
		if haveMarker {
			if msg, ok := s.log.find(marker.ID); ok && msg.Status != StatusPending {
				s.logger.Info("dropping stale marker for completed message", zap.String("marker", marker.ID))
				s.markers.clear()
				if s.reconstructedID == marker.ID {
					s.reconstructedID = ""
				}
				changed = true
				continue
			}
		}

		// A marker that does not match the pending message is unusable:
		// drop it and fall through to the no-marker rows.
		if haveMarker && havePending && marker.ID != pending.ID {
			s.logger.Warn("marker does not match pending message, dropping",
				zap.String("marker", marker.ID), zap.String("pending", pending.ID))
			s.markers.clear()
			if s.reconstructedID == marker.ID {
				s.reconstructedID = ""
			}
			changed = true
			continue
		}

		switch {
		case !haveMarker && !havePending:
			return changed

		case haveMarker && !havePending:
			s.reconstructLocked(marker)
			changed = true
			continue

		case !haveMarker && havePending:
			if s.repairLocked(pending) {
				changed = true
				continue
			}
			return changed

		default:
			s.resumeOrWaitLocked(marker)
			return changed
		}
	}
	return changed
}

// reconstructLocked rebuilds the message pair a marker describes when the log
// lost it (the crash happened after the marker write but before the log write
// reached disk, or the log was corrupted). The user message is synthesized
// from the prompt, timestamped just before the marker; the assistant message
// reuses the marker's id so the eventual outcome lands in the right place.
func (s *Session) reconstructLocked(marker PendingRequestMarker) {
	s.logger.Info("reconstructing conversation pair from marker", zap.String("marker", marker.ID))

	userID := marker.UserMessageID
	if userID == "" {
		userID = uuid.NewString()
	}
	s.log.append(
		ConversationMessage{
			ID:        userID,
			Role:      RoleUser,
			Content:   marker.Prompt,
			Status:    StatusReady,
			CreatedAt: marker.CreatedAt - 1,
		},
		ConversationMessage{
			ID:        marker.ID,
			Role:      RoleAssistant,
			Content:   PendingPlaceholder,
			Status:    StatusPending,
			CreatedAt: marker.CreatedAt,
		},
	)
	if marker.CreatedAt > s.lastStamp {
		s.lastStamp = marker.CreatedAt
	}

	marker.Reconstructed = true
	s.reconstructedID = marker.ID
	s.markers.write(marker)
}

// repairLocked synthesizes a marker for an orphaned pending message by
// scanning backward for the user message that produced it. Returns false
// when no preceding user message exists; such an orphan has nothing to
// resume and stays visibly pending.
func (s *Session) repairLocked(orphan ConversationMessage) bool {
	msgs := s.log.snapshot()
	orphanIdx := -1
	for i, m := range msgs {
		if m.ID == orphan.ID {
			orphanIdx = i
			break
		}
	}
	userIdx := -1
	for i := orphanIdx - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		s.logger.Warn("orphan pending message has no preceding user message, leaving as-is",
			zap.String("pending", orphan.ID))
		return false
	}

	userMsg := msgs[userIdx]
	window := contextWindow(msgs[:userIdx], s.windowSize)
	window = append(window, assistant.Turn{Role: string(RoleUser), Content: userMsg.Content})

	s.logger.Info("repairing marker for orphan pending message",
		zap.String("pending", orphan.ID), zap.String("user", userMsg.ID))
	marker := PendingRequestMarker{
		ID:              orphan.ID,
		Prompt:          userMsg.Content,
		HistorySnapshot: window,
		CreatedAt:       s.clock().UnixMilli(),
		UserMessageID:   userMsg.ID,
	}
	s.reconstructedID = marker.ID
	s.markers.write(marker)
	return true
}

// resumeOrWaitLocked decides whether a matched marker/pending pair should
// fire the network call now. A marker the pass just synthesized resumes
// immediately; a persisted one must be older than the debounce, which guards
// against duplicate triggers from near-simultaneous passes in one process.
func (s *Session) resumeOrWaitLocked(marker PendingRequestMarker) {
	now := s.clock()
	age := time.Duration(now.UnixMilli()-marker.CreatedAt) * time.Millisecond

	if marker.Reconstructed || age > s.debounce {
		if !s.flight.TryAcquire(1) {
			return // a request is already active; its completion re-reconciles
		}
		marker.CreatedAt = now.UnixMilli()
		marker.Reconstructed = false
		s.markers.write(marker)
		s.reconstructedID = ""

		s.logger.Info("resuming pending request", zap.String("marker", marker.ID))
		s.wg.Add(1)
		go s.run(marker)
		return
	}

	// Too fresh to resume. Schedule one re-run for when the debounce
	// elapses so a quickly restarted session still makes progress without
	// another mutation.
	s.scheduleResumeLocked(s.debounce - age + 10*time.Millisecond)
}

func (s *Session) scheduleResumeLocked(d time.Duration) {
	if s.closed {
		return
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
	}
	s.resumeTimer = time.AfterFunc(d, s.Reconcile)
}
