// Package protocol defines the JSON messages exchanged between browser tabs
// and the fusion gateway over WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType defines the type of protocol message
type MessageType string

const (
	// client -> gateway
	TypeChatSend        MessageType = "chat_send"        // submit one prompt to every allowed model
	TypeSelectionUpdate MessageType = "selection_update" // toggle a model or pick a sub-model
	TypeSessionSwitch   MessageType = "session_switch"   // bidirectional: open another chat or a new one
	TypeHealthCheck     MessageType = "health_check"     // bidirectional

	// gateway -> client
	TypeGatewayInfo        MessageType = "gateway_info"        // sent once on connect
	TypeConversationUpdate MessageType = "conversation_update" // full snapshot after a send
	TypePaneUpdate         MessageType = "pane_update"         // one model's placeholder or reply
	TypeSelectionState     MessageType = "selection_state"     // selection after a change
	TypeHistoryList        MessageType = "history_list"        // sidebar chats, newest first
	TypeErrorResponse      MessageType = "error_response"
)

// Error codes carried by ErrorResponse.
const (
	CodeNoEligibleModel = "no_eligible_model"
	CodeQuotaExceeded   = "quota_exceeded"
	CodeRateLimited     = "rate_limited"
	CodeSessionError    = "session_error"
	CodeBadRequest      = "bad_request"
)

// Session switch actions.
const (
	ActionSwitch   = "switch"
	ActionNew      = "new"
	ActionSwitched = "switched"
	ActionCreated  = "created"
)

// BaseMessage contains common fields for all protocol messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewBase stamps a gateway-originated message.
func NewBase(t MessageType) BaseMessage {
	now := time.Now()
	return BaseMessage{Type: t, ID: fmt.Sprintf("%s_%d", t, now.UnixNano()), Timestamp: now}
}

// Message is a conversation entry as shown in a pane.
type Message struct {
	Role          string `json:"role"`
	Content       string `json:"content"`
	Status        string `json:"status,omitempty"`
	IsLoading     bool   `json:"isLoading,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	SourceModelID string `json:"sourceModelId,omitempty"`
}

// Conversation maps model name to its messages.
type Conversation map[string][]Message

// SelectionEntry is one model's column state.
type SelectionEntry struct {
	Enabled    bool    `json:"enabled"`
	SubModelID *string `json:"subModelId"`
}

// Target is a model a send would reach.
type Target struct {
	ModelName  string `json:"modelName"`
	SubModelID string `json:"subModelId"`
}

// SubModelInfo describes one model variant.
type SubModelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Premium bool   `json:"premium"`
}

// ModelInfo describes one catalog family.
type ModelInfo struct {
	Name      string         `json:"name"`
	Icon      string         `json:"icon,omitempty"`
	SubModels []SubModelInfo `json:"subModels"`
}

// Attachment is a non-text submission; only its description reaches models.
type Attachment struct {
	Kind string `json:"kind"` // "file" or "voice"
	Name string `json:"name,omitempty"`
}

// ChatSend submits one prompt.
type ChatSend struct {
	BaseMessage
	RequestID  string      `json:"request_id,omitempty"` // echoed on the resulting updates
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// SelectionUpdate changes one model's column. Nil fields are left alone.
type SelectionUpdate struct {
	BaseMessage
	ModelName  string  `json:"model"`
	Enabled    *bool   `json:"enabled,omitempty"`
	SubModelID *string `json:"subModelId,omitempty"`
}

// SessionSwitch opens another chat ("switch" with ChatID) or a new one
// ("new"). The gateway answers with "switched" or "created".
type SessionSwitch struct {
	BaseMessage
	Action       string       `json:"action"`
	ChatID       string       `json:"chat_id,omitempty"`
	Conversation Conversation `json:"conversation,omitempty"`
}

// HealthCheck represents a health check request/response
type HealthCheck struct {
	BaseMessage
	Status string `json:"status,omitempty"`
}

// GatewayInfo delivers server metadata and initial session state on connect.
type GatewayInfo struct {
	BaseMessage
	Version       string                    `json:"version,omitempty"`
	GitCommit     string                    `json:"git_commit,omitempty"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Email         string                    `json:"email"`
	Premium       bool                      `json:"premium"`
	ChatID        string                    `json:"chat_id"`
	Models        []ModelInfo               `json:"models"`
	Selection     map[string]SelectionEntry `json:"selection"`
	Conversation  Conversation              `json:"conversation"`
}

// ConversationUpdate is the full conversation of the current chat.
type ConversationUpdate struct {
	BaseMessage
	ChatID       string       `json:"chat_id"`
	RequestID    string       `json:"request_id,omitempty"`
	Conversation Conversation `json:"conversation"`
}

// PaneUpdate reports one dispatch event for one model pane.
type PaneUpdate struct {
	BaseMessage
	ChatID     string   `json:"chat_id"`
	Event      string   `json:"event"` // placeholder_added, target_resolved, target_failed, settled, persist_failed
	ModelName  string   `json:"model,omitempty"`
	SubModelID string   `json:"subModelId,omitempty"`
	RequestID  string   `json:"requestId,omitempty"`
	Message    *Message `json:"message,omitempty"`
}

// SelectionState is the selection after a change plus the resulting targets.
type SelectionState struct {
	BaseMessage
	Selection map[string]SelectionEntry `json:"selection"`
	Allowed   []Target                  `json:"allowed"`
}

// ChatSummary is one sidebar entry.
type ChatSummary struct {
	ChatID      string `json:"chatId"`
	Title       string `json:"title,omitempty"`
	Preview     string `json:"preview"`
	LastUpdated int64  `json:"lastUpdated"`
}

// HistoryList is the sidebar feed for the connected user.
type HistoryList struct {
	BaseMessage
	Chats []ChatSummary `json:"chats"`
}

// ErrorResponse delivers an error notification to the client
type ErrorResponse struct {
	BaseMessage
	ChatID  string `json:"chat_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseMessage decodes a client message into its concrete type. Unknown
// types come back as *BaseMessage.
func ParseMessage(data []byte) (any, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	var msg any
	switch base.Type {
	case TypeChatSend:
		msg = &ChatSend{}
	case TypeSelectionUpdate:
		msg = &SelectionUpdate{}
	case TypeSessionSwitch:
		msg = &SessionSwitch{}
	case TypeHealthCheck:
		msg = &HealthCheck{}
	default:
		return &base, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
