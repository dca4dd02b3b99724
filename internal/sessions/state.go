package sessions

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionState represents the current state of a session
type SessionState string

const (
	SessionStateIdle        SessionState = "idle"        // Open, nothing in flight
	SessionStateDispatching SessionState = "dispatching" // At least one fan-out has unsettled targets
	SessionStateError       SessionState = "error"       // Last persistence write failed
)

// String returns the string representation of the session state
func (s SessionState) String() string {
	return string(s)
}

// IsValid returns true if the session state is a valid state
func (s SessionState) IsValid() bool {
	switch s {
	case SessionStateIdle, SessionStateDispatching, SessionStateError:
		return true
	default:
		return false
	}
}

// SessionStateTracker keeps state and activity for every open session
type SessionStateTracker struct {
	sessionStates map[string]*SessionStateInfo
	statesMutex   sync.RWMutex

	idleCount        int64
	dispatchingCount int64
	errorCount       int64

	stateHooks []StateChangeHook
	hooksMutex sync.RWMutex

	now func() time.Time
}

// SessionStateInfo contains detailed state information for a session
type SessionStateInfo struct {
	SessionKey   string       `json:"session_key"`
	State        SessionState `json:"state"`
	LastActivity time.Time    `json:"last_activity"`
	StateChanged time.Time    `json:"state_changed"`
	ErrorCount   int          `json:"error_count"`
}

// StateChangeEvent represents a session state change
type StateChangeEvent struct {
	SessionKey string       `json:"session_key"`
	OldState   SessionState `json:"old_state"`
	NewState   SessionState `json:"new_state"`
	Timestamp  time.Time    `json:"timestamp"`
}

// StateChangeHook is called when a session state changes
type StateChangeHook func(event StateChangeEvent)

// NewSessionStateTracker creates a new session state tracker
func NewSessionStateTracker() *SessionStateTracker {
	return &SessionStateTracker{
		sessionStates: make(map[string]*SessionStateInfo),
		now:           time.Now,
	}
}

// UpdateState updates the state of a session and triggers hooks
func (t *SessionStateTracker) UpdateState(sessionKey string, newState SessionState) error {
	if !newState.IsValid() {
		return ErrInvalidState
	}

	t.statesMutex.Lock()
	defer t.statesMutex.Unlock()

	now := t.now()
	info, exists := t.sessionStates[sessionKey]
	oldState := SessionState("")
	if exists {
		oldState = info.State
	} else {
		info = &SessionStateInfo{SessionKey: sessionKey, StateChanged: now}
		t.sessionStates[sessionKey] = info
	}

	info.State = newState
	info.LastActivity = now

	if oldState != newState {
		info.StateChanged = now
		if newState == SessionStateError {
			info.ErrorCount++
		}
		t.updateCounters(oldState, newState)

		event := StateChangeEvent{
			SessionKey: sessionKey,
			OldState:   oldState,
			NewState:   newState,
			Timestamp:  now,
		}
		go t.triggerStateHooks(event)
	}

	return nil
}

// MarkActivity updates the last activity time for a session without changing state
func (t *SessionStateTracker) MarkActivity(sessionKey string) {
	t.statesMutex.Lock()
	defer t.statesMutex.Unlock()

	if info, exists := t.sessionStates[sessionKey]; exists {
		info.LastActivity = t.now()
	}
}

// GetState returns the current state of a session
func (t *SessionStateTracker) GetState(sessionKey string) (SessionState, bool) {
	t.statesMutex.RLock()
	defer t.statesMutex.RUnlock()

	info, exists := t.sessionStates[sessionKey]
	if !exists {
		return "", false
	}
	return info.State, true
}

// GetStateInfo returns a copy of the state information for a session
func (t *SessionStateTracker) GetStateInfo(sessionKey string) (*SessionStateInfo, bool) {
	t.statesMutex.RLock()
	defer t.statesMutex.RUnlock()

	info, exists := t.sessionStates[sessionKey]
	if !exists {
		return nil, false
	}
	cp := *info
	return &cp, true
}

// IdleSince lists sessions that are not dispatching and have seen no
// activity since cutoff.
func (t *SessionStateTracker) IdleSince(cutoff time.Time) []string {
	t.statesMutex.RLock()
	defer t.statesMutex.RUnlock()

	var keys []string
	for key, info := range t.sessionStates {
		if info.State != SessionStateDispatching && info.LastActivity.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	return keys
}

// RemoveSession removes a session from tracking
func (t *SessionStateTracker) RemoveSession(sessionKey string) {
	t.statesMutex.Lock()
	defer t.statesMutex.Unlock()

	info, exists := t.sessionStates[sessionKey]
	if !exists {
		return
	}
	t.updateCounters(info.State, "")
	delete(t.sessionStates, sessionKey)
}

// GetMetrics returns current session state metrics
func (t *SessionStateTracker) GetMetrics() SessionStateMetrics {
	t.statesMutex.RLock()
	total := int64(len(t.sessionStates))
	t.statesMutex.RUnlock()

	return SessionStateMetrics{
		IdleSessions:        atomic.LoadInt64(&t.idleCount),
		DispatchingSessions: atomic.LoadInt64(&t.dispatchingCount),
		ErrorSessions:       atomic.LoadInt64(&t.errorCount),
		TotalSessions:       total,
	}
}

// AddStateHook adds a hook that will be called on state changes
func (t *SessionStateTracker) AddStateHook(hook StateChangeHook) {
	t.hooksMutex.Lock()
	defer t.hooksMutex.Unlock()

	t.stateHooks = append(t.stateHooks, hook)
}

func (t *SessionStateTracker) triggerStateHooks(event StateChangeEvent) {
	t.hooksMutex.RLock()
	hooks := make([]StateChangeHook, len(t.stateHooks))
	copy(hooks, t.stateHooks)
	t.hooksMutex.RUnlock()

	for _, hook := range hooks {
		hook(event)
	}
}

// updateCounters moves one session between state counters; an empty
// newState means the session was removed
func (t *SessionStateTracker) updateCounters(oldState, newState SessionState) {
	switch oldState {
	case SessionStateIdle:
		atomic.AddInt64(&t.idleCount, -1)
	case SessionStateDispatching:
		atomic.AddInt64(&t.dispatchingCount, -1)
	case SessionStateError:
		atomic.AddInt64(&t.errorCount, -1)
	}

	switch newState {
	case SessionStateIdle:
		atomic.AddInt64(&t.idleCount, 1)
	case SessionStateDispatching:
		atomic.AddInt64(&t.dispatchingCount, 1)
	case SessionStateError:
		atomic.AddInt64(&t.errorCount, 1)
	}
}

// SessionStateMetrics contains metrics about session states
type SessionStateMetrics struct {
	IdleSessions        int64 `json:"idle_sessions"`
	DispatchingSessions int64 `json:"dispatching_sessions"`
	ErrorSessions       int64 `json:"error_sessions"`
	TotalSessions       int64 `json:"total_sessions"`
}

// Errors
var (
	ErrInvalidState = &StateError{Message: "invalid session state"}
)

// StateError represents a session state error
type StateError struct {
	Message string
}

func (e *StateError) Error() string {
	return e.Message
}
