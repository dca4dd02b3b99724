package dispatch

import "aifusion/internal/conversation"

// EventType identifies a dispatch lifecycle event.
type EventType string

const (
	EventPlaceholderAdded EventType = "placeholder_added"
	EventTargetResolved   EventType = "target_resolved"
	EventTargetFailed     EventType = "target_failed"
	EventSettled          EventType = "settled"
	EventPersistFailed    EventType = "persist_failed"
)

// Event is delivered to the Observer. ModelName, SubModelID and RequestID
// are empty for EventSettled.
type Event struct {
	Type       EventType
	SessionID  string
	ModelName  string
	SubModelID string
	RequestID  string
	Message    conversation.Message
	Err        error
}

// Observer receives dispatch events. Calls come from several goroutines at
// once and must not block for long.
type Observer interface {
	OnDispatchEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnDispatchEvent(e Event) { f(e) }
