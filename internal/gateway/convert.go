package gateway

import (
	"fmt"

	"aifusion/internal/catalog"
	"aifusion/internal/conversation"
	"aifusion/internal/dispatch"
	"aifusion/internal/persistence"
	"aifusion/internal/selection"
	"aifusion/pkg/protocol"
)

func toProtoMessage(m conversation.Message) protocol.Message {
	return protocol.Message{
		Role:          string(m.Role),
		Content:       m.Content,
		Status:        string(m.Status),
		IsLoading:     m.IsLoading(),
		RequestID:     m.RequestID,
		SourceModelID: m.SourceModelID,
	}
}

func toProtoConversation(c conversation.Conversation) protocol.Conversation {
	out := make(protocol.Conversation, len(c))
	for name, msgs := range c {
		converted := make([]protocol.Message, len(msgs))
		for i, m := range msgs {
			converted[i] = toProtoMessage(m)
		}
		out[name] = converted
	}
	return out
}

func toProtoSelection(sel selection.Selection) map[string]protocol.SelectionEntry {
	out := make(map[string]protocol.SelectionEntry, len(sel))
	for name, e := range sel {
		out[name] = protocol.SelectionEntry{Enabled: e.Enabled, SubModelID: e.SubModelID}
	}
	return out
}

func toProtoTargets(targets []selection.Target) []protocol.Target {
	out := make([]protocol.Target, len(targets))
	for i, t := range targets {
		out[i] = protocol.Target{ModelName: t.ModelName, SubModelID: t.SubModelID}
	}
	return out
}

func toModelInfos(cat *catalog.Catalog) []protocol.ModelInfo {
	models := cat.ListModels()
	out := make([]protocol.ModelInfo, len(models))
	for i, m := range models {
		subs := make([]protocol.SubModelInfo, len(m.SubModels))
		for j, s := range m.SubModels {
			subs[j] = protocol.SubModelInfo{ID: s.ID, Name: s.Name, Premium: s.Premium}
		}
		out[i] = protocol.ModelInfo{Name: m.Name, Icon: m.Icon, SubModels: subs}
	}
	return out
}

func toSummaries(chats []persistence.ChatSession) []protocol.ChatSummary {
	out := make([]protocol.ChatSummary, len(chats))
	for i, c := range chats {
		out[i] = protocol.ChatSummary{
			ChatID:      c.ID,
			Title:       c.Title,
			Preview:     c.Preview(),
			LastUpdated: c.LastUpdated,
		}
	}
	return out
}

// toSendRequest validates a client submission. Text emptiness is left to
// the dispatcher.
func toSendRequest(text string, a *protocol.Attachment) (dispatch.SendRequest, error) {
	req := dispatch.SendRequest{Text: text}
	if a == nil {
		return req, nil
	}
	switch dispatch.AttachmentKind(a.Kind) {
	case dispatch.AttachmentVoice:
	case dispatch.AttachmentFile:
		if a.Name == "" {
			return req, fmt.Errorf("file attachment requires a name")
		}
	default:
		return req, fmt.Errorf("unsupported attachment kind %q", a.Kind)
	}
	req.Attachment = &dispatch.Attachment{Kind: dispatch.AttachmentKind(a.Kind), Name: a.Name}
	return req, nil
}
