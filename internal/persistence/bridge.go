// Package persistence maps chat sessions and user records onto the document
// store.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"aifusion/internal/conversation"
	"aifusion/internal/docstore"
)

// Collection names.
const (
	ChatHistoryCollection = "chatHistory"
	UsersCollection       = "users"

	ownerField = "ownerIdentity"
)

// ErrNotFound is returned by Load when no document exists for the session.
var ErrNotFound = errors.New("chat session not found")

// ChatSession is the persisted form of one chat.
type ChatSession struct {
	ID          string                    `json:"chatId"`
	Owner       string                    `json:"ownerIdentity"`
	Messages    conversation.Conversation `json:"messages"`
	LastUpdated int64                     `json:"lastUpdated"` // epoch millis
	Title       string                    `json:"title,omitempty"`
}

// UpdatedAt converts LastUpdated to a time.
func (c ChatSession) UpdatedAt() time.Time {
	return time.UnixMilli(c.LastUpdated)
}

// Preview is the most recent user message across all models, used as the
// sidebar label.
func (c ChatSession) Preview() string {
	// every model receives the same user turns, so any thread works; pick
	// the longest for determinism
	var longest []conversation.Message
	var longestName string
	for name, msgs := range c.Messages {
		if len(msgs) > len(longest) || (len(msgs) == len(longest) && name < longestName) {
			longest, longestName = msgs, name
		}
	}
	for i := len(longest) - 1; i >= 0; i-- {
		if longest[i].Role == conversation.RoleUser {
			return longest[i].Content
		}
	}
	return ""
}

// Partial is a merge-write. Empty Title leaves the stored title alone;
// nil Messages leaves the stored messages alone.
type Partial struct {
	Owner    string
	Messages conversation.Conversation
	Title    string
}

// Bridge reads and writes chat sessions and users.
type Bridge struct {
	store *docstore.Store
	now   func() time.Time
}

// NewBridge creates a bridge over store.
func NewBridge(store *docstore.Store) *Bridge {
	return &Bridge{store: store, now: time.Now}
}

// Load fetches one chat session.
func (b *Bridge) Load(ctx context.Context, sessionID string) (*ChatSession, error) {
	doc, err := b.store.Get(ctx, ChatHistoryCollection, sessionID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load chat %s: %w", sessionID, err)
	}

	var cs ChatSession
	if err := fromMap(doc.Data, &cs); err != nil {
		return nil, fmt.Errorf("failed to decode chat %s: %w", sessionID, err)
	}
	cs.ID = sessionID
	if cs.Messages == nil {
		cs.Messages = conversation.Conversation{}
	}
	return &cs, nil
}

// Save merge-writes p under sessionID and stamps lastUpdated.
func (b *Bridge) Save(ctx context.Context, sessionID string, p Partial) error {
	doc := map[string]any{
		"chatId":      sessionID,
		"lastUpdated": b.now().UnixMilli(),
	}
	if p.Owner != "" {
		doc[ownerField] = p.Owner
	}
	if p.Title != "" {
		doc["title"] = p.Title
	}
	if p.Messages != nil {
		msgs, err := toValue(p.Messages)
		if err != nil {
			return fmt.Errorf("failed to encode messages: %w", err)
		}
		doc["messages"] = msgs
	}

	if err := b.store.Merge(ctx, ChatHistoryCollection, sessionID, doc); err != nil {
		return fmt.Errorf("failed to save chat %s: %w", sessionID, err)
	}
	return nil
}

// History returns the owner's non-empty chats, newest first.
func (b *Bridge) History(ctx context.Context, owner string) ([]ChatSession, error) {
	docs, err := b.store.Query(ctx, ChatHistoryCollection, ownerField, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return toHistory(docs), nil
}

// PruneChats deletes chats last updated before cutoff.
func (b *Bridge) PruneChats(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := b.store.PruneBefore(ctx, ChatHistoryCollection, "lastUpdated", cutoff.UnixMilli())
	if err != nil {
		return n, fmt.Errorf("failed to prune chats: %w", err)
	}
	return n, nil
}

// Watch streams the owner's history (see History) and re-emits after every
// change. Restart by calling Watch again after the channel closes.
func (b *Bridge) Watch(ctx context.Context, owner string) (<-chan []ChatSession, error) {
	docs, err := b.store.Watch(ctx, ChatHistoryCollection, ownerField, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to watch history: %w", err)
	}

	out := make(chan []ChatSession)
	go func() {
		defer close(out)
		for batch := range docs {
			select {
			case out <- toHistory(batch):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func toHistory(docs []docstore.Document) []ChatSession {
	sessions := make([]ChatSession, 0, len(docs))
	for _, d := range docs {
		var cs ChatSession
		if err := fromMap(d.Data, &cs); err != nil {
			log.Printf("[Persistence] Skipping undecodable chat %s: %v", d.ID, err)
			continue
		}
		cs.ID = d.ID
		if cs.Messages.IsEmpty() {
			continue
		}
		sessions = append(sessions, cs)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUpdated > sessions[j].LastUpdated
	})
	return sessions
}

func toValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toMap(v any) (map[string]any, error) {
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", val)
	}
	return m, nil
}

func fromMap(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
