package gateway

import (
	"context"
	"errors"
	"log"

	"aifusion/internal/dispatch"
	"aifusion/pkg/protocol"
)

// handleChatSend dispatches one prompt. Replies arrive later as pane updates;
// the immediate answer is the conversation with the new placeholders.
func (g *Gateway) handleChatSend(ctx context.Context, client *Client, msg *protocol.ChatSend) {
	if !g.rateLimitMiddleware.Allow(client.Email) {
		g.sendErrorToClient(client, protocol.CodeRateLimited, "Too many messages. Slow down and try again.")
		return
	}

	req, err := toSendRequest(msg.Text, msg.Attachment)
	if err != nil {
		g.sendErrorToClient(client, protocol.CodeBadRequest, err.Error())
		return
	}

	// plan changes take effect on the next send
	client.Session.RefreshPlan(ctx)

	d, err := client.Session.Send(ctx, req)
	if err != nil {
		code, message := sendErrorCode(err)
		log.Printf("[Gateway] Send rejected for %s: %v", client.Email, err)
		g.sendErrorToClient(client, code, message)
		return
	}

	g.sendToClient(client, &protocol.ConversationUpdate{
		BaseMessage:  protocol.NewBase(protocol.TypeConversationUpdate),
		ChatID:       d.SessionID,
		RequestID:    msg.RequestID,
		Conversation: toProtoConversation(client.Session.Conversation.Snapshot()),
	})
}

func (g *Gateway) handleSelectionUpdate(client *Client, msg *protocol.SelectionUpdate) {
	if _, ok := g.catalog.Model(msg.ModelName); !ok {
		g.sendErrorToClient(client, protocol.CodeBadRequest, "Unknown model: "+msg.ModelName)
		return
	}

	if msg.Enabled != nil {
		client.Session.ToggleModel(msg.ModelName, *msg.Enabled)
	}
	if msg.SubModelID != nil {
		// premium variants are ignored for free users; the reply shows the
		// unchanged selection
		client.Session.SelectSubModel(msg.ModelName, *msg.SubModelID)
	}

	g.sendToClient(client, &protocol.SelectionState{
		BaseMessage: protocol.NewBase(protocol.TypeSelectionState),
		Selection:   toProtoSelection(client.Session.Selection.Snapshot()),
		Allowed:     toProtoTargets(client.Session.Allowed()),
	})
}

func (g *Gateway) handleSessionSwitch(ctx context.Context, client *Client, msg *protocol.SessionSwitch) {
	var chatID, action string
	switch msg.Action {
	case protocol.ActionSwitch:
		if msg.ChatID == "" {
			g.sendErrorToClient(client, protocol.CodeBadRequest, "chat_id required for switch")
			return
		}
		chatID, action = g.sessions.Switch(ctx, client.Session, msg.ChatID), protocol.ActionSwitched
	case protocol.ActionNew:
		chatID, action = g.sessions.NewChat(client.Session), protocol.ActionCreated
	default:
		g.sendErrorToClient(client, protocol.CodeBadRequest, "Unknown session action: "+msg.Action)
		return
	}

	g.sendToClient(client, &protocol.SessionSwitch{
		BaseMessage:  protocol.NewBase(protocol.TypeSessionSwitch),
		Action:       action,
		ChatID:       chatID,
		Conversation: toProtoConversation(client.Session.Conversation.Snapshot()),
	})
}

// sendErrorCode maps dispatcher errors to protocol codes and user-facing text.
func sendErrorCode(err error) (string, string) {
	switch {
	case errors.Is(err, dispatch.ErrNoEligibleModel):
		return protocol.CodeNoEligibleModel, "Select at least one model to send a message."
	case errors.Is(err, dispatch.ErrQuotaExceeded):
		return protocol.CodeQuotaExceeded, "You've reached your free message limit. Upgrade to premium to continue."
	case errors.Is(err, dispatch.ErrEmptyMessage):
		return protocol.CodeBadRequest, "Message is empty."
	default:
		return protocol.CodeSessionError, "Failed to send message."
	}
}

func paneUpdate(e dispatch.Event) *protocol.PaneUpdate {
	u := &protocol.PaneUpdate{
		BaseMessage: protocol.NewBase(protocol.TypePaneUpdate),
		ChatID:      e.SessionID,
		Event:       string(e.Type),
		ModelName:   e.ModelName,
		SubModelID:  e.SubModelID,
		RequestID:   e.RequestID,
	}
	if e.Message.Role != "" {
		m := toProtoMessage(e.Message)
		u.Message = &m
	}
	return u
}
