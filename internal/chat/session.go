package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"parley/internal/assistant"
	"parley/internal/kvstore"
)

const (
	// PendingPlaceholder fills an assistant message while its request is in
	// flight.
	PendingPlaceholder = "Thinking..."
	// InterruptedReply replaces the placeholder when the request was aborted
	// (session teardown) rather than failing on the wire.
	InterruptedReply = "This request was interrupted before a reply arrived. Send your message again to retry."
	// EmptyReplyFallback substitutes for a blank response body.
	EmptyReplyFallback = "I didn't get a response back. Please try again."

	defaultMaxHistory     = 50
	defaultContextWindow  = 6
	defaultResumeDebounce = 500 * time.Millisecond
)

// Options configures a Session. Client and Store are required; everything
// else has a sensible default.
type Options struct {
	Client   assistant.Client
	Store    kvstore.Store
	Identity string // conversation identity; "guest" when empty

	MaxHistory     int           // log cap; trims from the head
	ContextWindow  int           // ready messages sent as history
	ResumeDebounce time.Duration // minimum marker age before a resume fires

	Logger   *zap.Logger
	Clock    func() time.Time // injectable for tests
	OnChange func()           // invoked after every observable change
}

// Session is one conversation instance: the message log, the pending-request
// marker, and the coordinator that keeps them consistent. All exported
// methods are safe for concurrent use; internally the session serializes
// everything except the network call itself.
type Session struct {
	client   assistant.Client
	identity string
	logger   *zap.Logger
	clock    func() time.Time

	windowSize int
	debounce   time.Duration

	// flight enforces the single-flight law: at most one request executes at
	// a time, acquired synchronously before the suspension point.
	flight *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	log             *messageLog
	markers         *markerStore
	lastStamp       int64
	lastErr         string
	onChange        func()
	resumeTimer     *time.Timer
	reconstructedID string // marker id synthesized by the last reconcile pass
	closed          bool
}

// New loads persisted state for the identity and runs an initial
// reconciliation pass, resuming or repairing whatever a previous run left
// behind.
func New(opts Options) (*Session, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("assistant client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Identity == "" {
		opts.Identity = "guest"
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = defaultContextWindow
	}
	if opts.ResumeDebounce <= 0 {
		opts.ResumeDebounce = defaultResumeDebounce
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	logKey, markerKey := StorageKeys(opts.Identity)
	s := &Session{
		client:     opts.Client,
		identity:   opts.Identity,
		logger:     opts.Logger.With(zap.String("identity", opts.Identity)),
		clock:      opts.Clock,
		windowSize: opts.ContextWindow,
		debounce:   opts.ResumeDebounce,
		flight:     semaphore.NewWeighted(1),
		ctx:        ctx,
		cancel:     cancel,
		onChange:   opts.OnChange,
	}
	s.log = loadLog(opts.Store, logKey, opts.MaxHistory, s.logger, opts.Clock().UnixMilli())
	s.markers = &markerStore{store: opts.Store, key: markerKey, logger: s.logger}
	s.lastStamp = opts.Clock().UnixMilli()

	s.Reconcile()
	return s, nil
}

// StorageKeys returns the two store keys used for a conversation identity:
// the message log and the pending-request marker.
func StorageKeys(identity string) (logKey, markerKey string) {
	return "parley/" + identity + "/log", "parley/" + identity + "/marker"
}

// Send dispatches a prompt: appends the user message and a pending assistant
// placeholder, persists the pending-request marker, and starts the network
// call. Returns false, with no state change, for a blank prompt or while
// another send is in flight.
func (s *Session) Send(prompt string) bool {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return false
	}

	s.mu.Lock()
	if s.closed || !s.flight.TryAcquire(1) {
		s.mu.Unlock()
		return false
	}

	user := ConversationMessage{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   prompt,
		Status:    StatusReady,
		CreatedAt: s.nextStampLocked(),
	}
	placeholder := ConversationMessage{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   PendingPlaceholder,
		Status:    StatusPending,
		CreatedAt: s.nextStampLocked(),
	}

	// The window is computed before the append so the placeholder can never
	// leak into it; the fresh user message is appended last by hand.
	window := contextWindow(s.log.snapshot(), s.windowSize)
	window = append(window, assistant.Turn{Role: string(RoleUser), Content: prompt})

	s.log.append(user, placeholder)

	// Written before the network call starts: an interruption from here on
	// is recoverable.
	marker := PendingRequestMarker{
		ID:              placeholder.ID,
		Prompt:          prompt,
		HistorySnapshot: window,
		CreatedAt:       s.clock().UnixMilli(),
		UserMessageID:   user.ID,
	}
	s.markers.write(marker)

	s.wg.Add(1)
	go s.run(marker)
	s.mu.Unlock()

	s.notify()
	return true
}

// run executes the network call for marker and applies its outcome. The
// single-flight slot is held by the caller and released here, in every
// branch.
func (s *Session) run(marker PendingRequestMarker) {
	defer s.wg.Done()

	reply, err := s.client.Send(s.ctx, assistant.Request{
		Prompt:   marker.Prompt,
		History:  marker.HistorySnapshot,
		Identity: s.identity,
	})

	s.mu.Lock()
	switch {
	case err == nil:
		content := strings.TrimSpace(reply)
		if content == "" {
			content = EmptyReplyFallback
		}
		s.applyOutcomeLocked(marker, StatusReady, content)
	case errors.Is(err, context.Canceled):
		s.applyOutcomeLocked(marker, StatusError, InterruptedReply)
		s.lastErr = "request interrupted"
	default:
		s.logger.Warn("assistant request failed", zap.String("marker", marker.ID), zap.Error(err))
		s.applyOutcomeLocked(marker, StatusError, "The assistant request failed: "+err.Error())
		s.lastErr = err.Error()
	}
	s.markers.clear()
	if s.reconstructedID == marker.ID {
		s.reconstructedID = ""
	}
	s.mu.Unlock()

	s.flight.Release(1)
	s.notify()
	s.Reconcile()
}

// applyOutcomeLocked transitions the matching pending message to its terminal
// status. Ready and error are terminal, so a message that already left
// pending is never touched. If the message is gone from the log entirely the
// outcome is appended as a fresh message: a completed network result is never
// discarded.
func (s *Session) applyOutcomeLocked(marker PendingRequestMarker, status MessageStatus, content string) {
	if msg, ok := s.log.find(marker.ID); ok {
		if msg.Status != StatusPending {
			return
		}
		s.log.update(marker.ID, func(m ConversationMessage) ConversationMessage {
			m.Status = status
			m.Content = content
			return m
		})
		return
	}
	s.log.append(ConversationMessage{
		ID:        marker.ID,
		Role:      RoleAssistant,
		Content:   content,
		Status:    status,
		CreatedAt: s.nextStampLocked(),
	})
}

// nextStampLocked returns a strictly increasing unix-millisecond timestamp.
func (s *Session) nextStampLocked() int64 {
	now := s.clock().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

// Messages returns a snapshot of the conversation in render order.
func (s *Session) Messages() []ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snapshot()
}

// Busy reports whether a request is currently in flight.
func (s *Session) Busy() bool {
	if !s.flight.TryAcquire(1) {
		return true
	}
	s.flight.Release(1)
	return false
}

// LastError returns the current recoverable error (most recent network
// failure), or "" if none or dismissed.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// DismissError clears the current recoverable error without touching the log.
func (s *Session) DismissError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.notify()
}

// SetOnChange replaces the change callback. Useful when the consumer (a UI
// program) is constructed after the session.
func (s *Session) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close aborts any in-flight request and waits for its outcome to be applied.
// The aborted request lands as an error message with a distinguished
// interrupted reason; if its marker survives (the process dying before the
// outcome is applied), the next session's reconciliation resumes it.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
