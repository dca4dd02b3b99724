// Package sessions owns the open chat sessions: one per client tab, each
// with its own selection, conversation and dispatcher.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"aifusion/internal/ai"
	"aifusion/internal/catalog"
	"aifusion/internal/conversation"
	"aifusion/internal/dispatch"
	"aifusion/internal/persistence"
	"aifusion/internal/quota"
	"aifusion/internal/selection"
)

const defaultJanitorSchedule = "@every 5m"

// ErrSessionNotFound is returned for an unknown session key.
var ErrSessionNotFound = errors.New("session not found")

// Principal is the authenticated user behind a session.
type Principal struct {
	Email string
	Name  string
}

// Options configures a Manager.
type Options struct {
	Catalog         *catalog.Catalog
	Bridge          *persistence.Bridge
	Provider        ai.Provider
	Quota           quota.Checker
	Tracer          trace.Tracer
	HistoryLimit    int
	LogContent      bool
	IdleTimeout     time.Duration
	JanitorSchedule string
}

// Manager tracks open sessions and prunes idle ones on a cron schedule.
type Manager struct {
	opts     Options
	tracker  *SessionStateTracker
	cron     *cron.Cron
	mu       sync.RWMutex
	sessions map[string]*Session
	running  bool
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.JanitorSchedule == "" {
		opts.JanitorSchedule = defaultJanitorSchedule
	}
	return &Manager{
		opts:     opts,
		tracker:  NewSessionStateTracker(),
		cron:     cron.New(),
		sessions: make(map[string]*Session),
	}
}

// Open creates a session for p. An empty chatID starts a fresh chat; a known
// chatID is hydrated from storage. A chat that cannot be read, or belongs to
// someone else, opens as a new empty chat.
func (m *Manager) Open(ctx context.Context, p Principal, chatID string) (*Session, error) {
	if p.Email == "" {
		return nil, fmt.Errorf("principal email is required")
	}

	user := m.loadUser(ctx, p)
	isPremium := user.IsPremium()

	sel := selection.Normalize(user.SelectedModelPref, m.opts.Catalog, isPremium)
	state := selection.NewState(m.opts.Catalog, sel)

	chatID, conv := m.hydrate(ctx, p, chatID)

	s := &Session{
		Key:       uuid.New().String(),
		Principal: p,
		Selection: state,
		manager:   m,
		isPremium: isPremium,
	}
	s.Conversation = conversation.NewStore(chatID, conv)

	d, err := dispatch.New(dispatch.Options{
		Catalog:      m.opts.Catalog,
		Selection:    state,
		Conversation: s.Conversation,
		Provider:     m.opts.Provider,
		Quota:        m.opts.Quota,
		Saver:        m.saver(),
		Observer:     s,
		Tracer:       m.opts.Tracer,
		HistoryLimit: m.opts.HistoryLimit,
		LogContent:   m.opts.LogContent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	s.Dispatcher = d

	if m.opts.Bridge != nil {
		email := p.Email
		bridge := m.opts.Bridge
		state.OnChange(func(sel selection.Selection) {
			if err := bridge.SaveSelection(context.Background(), email, sel); err != nil {
				log.Printf("[Sessions] Failed to save selection for %s: %v", email, err)
			}
		})
	}

	m.mu.Lock()
	m.sessions[s.Key] = s
	m.mu.Unlock()
	m.tracker.UpdateState(s.Key, SessionStateIdle)

	log.Printf("[Sessions] Opened session %s for %s (chat %s)", s.Key, p.Email, chatID)
	return s, nil
}

// Switch moves s to another chat, loading it like Open does. Replies still in
// flight for the previous chat are discarded.
func (m *Manager) Switch(ctx context.Context, s *Session, chatID string) string {
	chatID, conv := m.hydrate(ctx, s.Principal, chatID)
	s.Dispatcher.Reset(chatID, conv)
	m.tracker.MarkActivity(s.Key)
	log.Printf("[Sessions] Session %s switched to chat %s", s.Key, chatID)
	return chatID
}

// NewChat moves s to a fresh empty chat and returns its id.
func (m *Manager) NewChat(s *Session) string {
	chatID := uuid.New().String()
	s.Dispatcher.Reset(chatID, nil)
	m.tracker.MarkActivity(s.Key)
	return chatID
}

// Get returns an open session.
func (m *Manager) Get(key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close forgets a session. In-flight replies still settle and persist.
func (m *Manager) Close(key string) {
	m.mu.Lock()
	_, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok {
		m.tracker.RemoveSession(key)
		log.Printf("[Sessions] Closed session %s", key)
	}
}

// Prune closes sessions idle for longer than idle and returns how many.
func (m *Manager) Prune(idle time.Duration) int {
	keys := m.tracker.IdleSince(m.tracker.now().Add(-idle))
	for _, key := range keys {
		m.Close(key)
	}
	if len(keys) > 0 {
		log.Printf("[Sessions] Pruned %d idle sessions", len(keys))
	}
	return len(keys)
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Metrics reports per-state session counts.
func (m *Manager) Metrics() SessionStateMetrics {
	return m.tracker.GetMetrics()
}

// Start schedules the idle-session janitor. A zero IdleTimeout disables it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("session janitor is already running")
	}
	if m.opts.IdleTimeout <= 0 {
		log.Println("[Sessions] Idle pruning disabled")
		return nil
	}

	idle := m.opts.IdleTimeout
	if _, err := m.cron.AddFunc(m.opts.JanitorSchedule, func() { m.Prune(idle) }); err != nil {
		return fmt.Errorf("failed to schedule session janitor: %w", err)
	}
	m.cron.Start()
	m.running = true

	log.Printf("[Sessions] Janitor scheduled (%s, idle timeout %s)", m.opts.JanitorSchedule, idle)
	return nil
}

// Stop halts the janitor and waits for a running prune to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	ctx := m.cron.Stop()
	m.running = false
	m.mu.Unlock()

	// a running prune needs m.mu to close sessions
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		log.Println("[Sessions] Janitor stop timed out")
	}
}

func (m *Manager) loadUser(ctx context.Context, p Principal) *persistence.User {
	fallback := &persistence.User{Email: p.Email, Name: p.Name, Plan: persistence.PlanFree}
	if m.opts.Bridge == nil {
		return fallback
	}

	defaults := selection.InitializeDefaults(m.opts.Catalog, false)
	u, err := m.opts.Bridge.LoadOrCreateUser(ctx, p.Email, p.Name, defaults)
	if err != nil {
		log.Printf("[Sessions] Failed to load user %s, continuing on free plan: %v", p.Email, err)
		return fallback
	}
	return u
}

// hydrate resolves chatID to the id and conversation a session should use.
func (m *Manager) hydrate(ctx context.Context, p Principal, chatID string) (string, conversation.Conversation) {
	if chatID == "" {
		return uuid.New().String(), nil
	}
	if m.opts.Bridge == nil {
		return chatID, nil
	}

	cs, err := m.opts.Bridge.Load(ctx, chatID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		log.Printf("[Sessions] Chat %s not found, starting it empty", chatID)
		return chatID, nil
	case err != nil:
		log.Printf("[Sessions] Failed to load chat %s, starting it empty: %v", chatID, err)
		return chatID, nil
	case cs.Owner != "" && cs.Owner != p.Email:
		newID := uuid.New().String()
		log.Printf("[Sessions] Chat %s belongs to another user, starting new chat %s", chatID, newID)
		return newID, nil
	}
	return chatID, cs.Messages
}

func (m *Manager) saver() dispatch.Saver {
	if m.opts.Bridge == nil {
		return nil
	}
	return m.opts.Bridge
}
