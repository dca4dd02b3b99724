package sessions

import (
	"context"
	"sync"
	"sync/atomic"

	"aifusion/internal/conversation"
	"aifusion/internal/dispatch"
	"aifusion/internal/selection"
)

// Session is one open client tab.
type Session struct {
	Key          string
	Principal    Principal
	Selection    *selection.State
	Conversation *conversation.Store
	Dispatcher   *dispatch.Dispatcher

	manager   *Manager
	inflight  atomic.Int64
	mu        sync.RWMutex
	isPremium bool
	observer  dispatch.Observer
}

// ChatID is the chat the session currently shows.
func (s *Session) ChatID() string {
	return s.Conversation.SessionID()
}

// IsPremium reports the plan captured when the session opened, or the last
// RefreshPlan.
func (s *Session) IsPremium() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPremium
}

// RefreshPlan re-reads the user's plan from storage.
func (s *Session) RefreshPlan(ctx context.Context) {
	if s.manager == nil || s.manager.opts.Bridge == nil {
		return
	}
	premium := s.manager.opts.Bridge.IsPremium(ctx, s.Principal.Email)
	s.mu.Lock()
	s.isPremium = premium
	s.mu.Unlock()
}

// Identity is the dispatch identity of the session owner.
func (s *Session) Identity() dispatch.Identity {
	return dispatch.Identity{Owner: s.Principal.Email, IsPremium: s.IsPremium()}
}

// SetObserver routes dispatch events for this session, e.g. to a websocket.
func (s *Session) SetObserver(o dispatch.Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// Send dispatches one prompt as the session owner.
func (s *Session) Send(ctx context.Context, req dispatch.SendRequest) (*dispatch.Dispatch, error) {
	s.touch()
	// count before sending; fast targets can settle before Send returns
	if s.inflight.Add(1) == 1 {
		s.setState(SessionStateDispatching)
	}
	d, err := s.Dispatcher.Send(ctx, s.Identity(), req)
	if err != nil {
		if s.inflight.Add(-1) == 0 {
			s.setState(SessionStateIdle)
		}
		return nil, err
	}
	return d, nil
}

// ToggleModel enables or disables a model column.
func (s *Session) ToggleModel(modelName string, enabled bool) bool {
	s.touch()
	return s.Selection.ToggleEnabled(modelName, enabled)
}

// SelectSubModel picks a model variant, honoring the owner's plan.
func (s *Session) SelectSubModel(modelName, subModelID string) bool {
	s.touch()
	return s.Selection.SelectSubModel(modelName, subModelID, s.IsPremium())
}

// Allowed lists the models a send would reach right now.
func (s *Session) Allowed() []selection.Target {
	return s.Selection.Allowed(s.IsPremium())
}

// OnDispatchEvent tracks session state and forwards to the observer.
func (s *Session) OnDispatchEvent(e dispatch.Event) {
	switch e.Type {
	case dispatch.EventSettled:
		if s.inflight.Add(-1) <= 0 {
			s.setState(SessionStateIdle)
		}
	case dispatch.EventPersistFailed:
		s.setState(SessionStateError)
	}

	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	if o != nil {
		o.OnDispatchEvent(e)
	}
}

func (s *Session) touch() {
	if s.manager != nil {
		s.manager.tracker.MarkActivity(s.Key)
	}
}

func (s *Session) setState(state SessionState) {
	if s.manager != nil {
		s.manager.tracker.UpdateState(s.Key, state)
	}
}
