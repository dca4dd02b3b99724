// Package conversation holds the per-model message history shared by every
// pane of a chat session.
package conversation

import (
	"sync"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status tags assistant messages. User messages carry no status.
type Status string

const (
	StatusPending  Status = "pending"  // in-flight placeholder, keyed by RequestID
	StatusResolved Status = "resolved" // final model output
	StatusFailed   Status = "failed"   // outbound request failed
)

// FailureMarker replaces the content of an assistant message whose request failed.
const FailureMarker = "❌ Failed to respond."

// PlaceholderText is shown while a request is in flight.
const PlaceholderText = "Thinking..."

// Message is one entry in a model's history.
type Message struct {
	Role          Role   `json:"role"`
	Content       string `json:"content"`
	Status        Status `json:"status,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	SourceModelID string `json:"sourceModelId,omitempty"`
}

// IsLoading reports whether the message is an unresolved placeholder.
func (m Message) IsLoading() bool {
	return m.Status == StatusPending
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Placeholder builds the loading entry for one outbound request.
func Placeholder(requestID string) Message {
	return Message{Role: RoleAssistant, Content: PlaceholderText, Status: StatusPending, RequestID: requestID}
}

// Conversation maps model name to its chronological message list.
type Conversation map[string][]Message

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := make(Conversation, len(c))
	for name, msgs := range c {
		cp := make([]Message, len(msgs))
		copy(cp, msgs)
		out[name] = cp
	}
	return out
}

// IsEmpty reports whether no model has any message.
func (c Conversation) IsEmpty() bool {
	for _, msgs := range c {
		if len(msgs) > 0 {
			return false
		}
	}
	return true
}

// Outcome describes what a resolution did to the store.
type Outcome int

const (
	// OutcomeReplaced means the placeholder was found and replaced.
	OutcomeReplaced Outcome = iota
	// OutcomeAppended means no placeholder matched and the message was appended.
	OutcomeAppended
	// OutcomeDiscarded means the store was reset since the send; nothing changed.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplaced:
		return "replaced"
	case OutcomeAppended:
		return "appended"
	default:
		return "discarded"
	}
}

// Binding identifies one load of a session into a store. Reopening the same
// session yields a new generation.
type Binding struct {
	SessionID  string
	Generation uint64
}

// Store is the mutable conversation of the session currently bound to it.
type Store struct {
	mu         sync.RWMutex
	sessionID  string
	generation uint64
	conv       Conversation
}

// NewStore creates a store bound to sessionID, seeded with a copy of initial.
func NewStore(sessionID string, initial Conversation) *Store {
	if initial == nil {
		initial = make(Conversation)
	}
	return &Store{sessionID: sessionID, conv: initial.Clone()}
}

// SessionID returns the session the store currently belongs to.
func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Binding returns the current session id and generation.
func (s *Store) Binding() Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Binding{SessionID: s.sessionID, Generation: s.generation}
}

// Reset rebinds the store to a session, possibly the same one. Resolutions
// tagged with an earlier binding are discarded from now on.
func (s *Store) Reset(sessionID string, conv Conversation) {
	if conv == nil {
		conv = make(Conversation)
	}
	s.mu.Lock()
	s.sessionID = sessionID
	s.generation++
	s.conv = conv.Clone()
	s.mu.Unlock()
}

// AppendMessage appends msg to the model's history, creating it if needed.
func (s *Store) AppendMessage(modelName string, msg Message) {
	s.mu.Lock()
	s.conv[modelName] = append(s.conv[modelName], msg)
	s.mu.Unlock()
}

// ReplacePlaceholder replaces the first message of modelName matching pred.
// When nothing matches msg is appended so a response is never dropped; the
// return value reports whether a replacement happened.
func (s *Store) ReplacePlaceholder(modelName string, pred func(Message) bool, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(modelName, pred, msg)
}

func (s *Store) replaceLocked(modelName string, pred func(Message) bool, msg Message) bool {
	msgs := s.conv[modelName]
	for i := range msgs {
		if pred(msgs[i]) {
			msgs[i] = msg
			return true
		}
	}
	s.conv[modelName] = append(msgs, msg)
	return false
}

// Resolve replaces the placeholder tagged requestID, provided the store has
// not been reset since b was taken.
func (s *Store) Resolve(b Binding, modelName, requestID string, msg Message) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID != b.SessionID || s.generation != b.Generation {
		return OutcomeDiscarded
	}

	msg.RequestID = requestID
	replaced := s.replaceLocked(modelName, func(m Message) bool {
		return m.IsLoading() && m.RequestID == requestID
	}, msg)
	if replaced {
		return OutcomeReplaced
	}
	return OutcomeAppended
}

// Messages returns a copy of one model's history.
func (s *Store) Messages(modelName string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conv[modelName]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// History returns the settled turns of a model (user messages and resolved
// assistant replies), newest last, capped at limit when limit > 0.
func (s *Store) History(modelName string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.conv[modelName] {
		if m.Role == RoleUser || m.Status == StatusResolved {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Pending counts unresolved placeholders for a model.
func (s *Store) Pending(modelName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.conv[modelName] {
		if m.IsLoading() {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the conversation has no messages at all.
func (s *Store) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.IsEmpty()
}

// Snapshot returns a deep copy of the full conversation, placeholders included.
func (s *Store) Snapshot() Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.Clone()
}

// SnapshotForPersistence returns a deep copy without pending placeholders;
// transient loading state is never written to the document store.
func (s *Store) SnapshotForPersistence() Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(Conversation, len(s.conv))
	for name, msgs := range s.conv {
		kept := make([]Message, 0, len(msgs))
		for _, m := range msgs {
			if m.IsLoading() {
				continue
			}
			kept = append(kept, m)
		}
		out[name] = kept
	}
	return out
}
