// Package registry owns the process-wide mapping from session id to session
// state. The registry map is the only globally shared mutable structure in
// the monitor; everything else hangs off a *Session obtained here.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ProctorWatch/internal/alert"
)

// Session is the per-participant aggregate: frame counters, append-only alert
// history, lifecycle flag, and the handle to the session's voice monitor.
type Session struct {
	ID        string
	StartTime time.Time

	mu          sync.Mutex
	frameCount  int64
	screenCount int64
	alerts      []alert.Alert
	active      bool
	cancelVoice context.CancelFunc
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		StartTime: time.Now(),
		active:    true,
	}
}

// IncrFrameCount increments the video frame counter and returns the new value.
func (s *Session) IncrFrameCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameCount++
	return s.frameCount
}

// IncrScreenCount increments the screen frame counter and returns the new value.
func (s *Session) IncrScreenCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenCount++
	return s.screenCount
}

// FrameCount returns the number of video frames processed.
func (s *Session) FrameCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount
}

// ScreenCount returns the number of screen frames processed.
func (s *Session) ScreenCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenCount
}

// AppendAlert appends to the session's alert history in call order. Returns
// false without appending when the session has been removed, so in-flight
// detection results for a torn-down session are discarded.
func (s *Session) AppendAlert(a alert.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.alerts = append(s.alerts, a)
	return true
}

// Alerts returns a copy of the alert history.
func (s *Session) Alerts() []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alert.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// Active reports whether the session is still registered.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetVoiceCancel stores the cancel handle of the session's voice monitor.
// If the session was removed before the monitor got registered, the handle
// is invoked immediately instead.
func (s *Session) SetVoiceCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelVoice = cancel
	s.mu.Unlock()
}

// stop marks the session inactive and cancels its voice monitor.
func (s *Session) stop() {
	s.mu.Lock()
	s.active = false
	cancel := s.cancelVoice
	s.cancelVoice = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Registry maps session ids to live sessions. Safe for concurrent use by
// stream handlers and voice monitors.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create returns the session for id, creating it if absent. Creation is
// idempotent: an existing session is returned unchanged, counters and alert
// history intact. The second return value reports whether a new session was
// created.
func (r *Registry) Create(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		return sess, false
	}
	sess := newSession(id)
	r.sessions[id] = sess
	r.logger.Info("session created", "session_id", id)
	return sess, true
}

// Get returns the session for id if present.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove tears down the session: it is marked inactive (blocking any further
// alert appends), its voice monitor is cancelled, and it is dropped from the
// map. Returns false if no such session exists.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.stop()
	r.logger.Info("session removed", "session_id", id, "alerts", len(sess.Alerts()))
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
