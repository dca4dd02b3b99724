package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aifusion/internal/ai"
	"aifusion/internal/auth"
	"aifusion/internal/catalog"
	"aifusion/internal/config"
	"aifusion/internal/conversation"
	"aifusion/internal/docstore"
	"aifusion/internal/persistence"
	"aifusion/internal/quota"
	"aifusion/internal/sessions"
	"aifusion/pkg/protocol"
)

var testModels = []catalog.Model{
	{Name: "GPT", SubModels: []catalog.SubModel{
		{ID: "gpt-3.5", Name: "GPT 3.5"},
		{ID: "gpt-5", Name: "GPT 5", Premium: true},
	}},
	{Name: "Gemini", SubModels: []catalog.SubModel{
		{ID: "gemini-2.5-lite", Name: "Gemini 2.5 Lite"},
	}},
}

type testEnv struct {
	server   *httptest.Server
	gateway  *Gateway
	bridge   *persistence.Bridge
	provider *ai.MockProvider
	tokens   *auth.TokenStorage
}

func newTestEnv(t *testing.T, configure func(cfg *config.Config)) *testEnv {
	t.Helper()

	store, err := docstore.Open(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Quota.Enabled = false
	if configure != nil {
		configure(cfg)
	}

	cat := catalog.MustNew(testModels)
	bridge := persistence.NewBridge(store)
	provider := ai.NewMockProvider("mock")
	checker := quota.New(cfg.Quota, func(owner string) bool {
		return bridge.IsPremium(context.Background(), owner)
	})

	manager := sessions.NewManager(sessions.Options{
		Catalog:     cat,
		Bridge:      bridge,
		Provider:    provider,
		Quota:       checker,
		IdleTimeout: time.Hour,
	})
	tokens := auth.NewTokenStorage(store.DB())

	g, err := New(Options{
		Config:   cfg,
		Catalog:  cat,
		Sessions: manager,
		Bridge:   bridge,
		Quota:    checker,
		Tokens:   tokens,
	})
	require.NoError(t, err)

	server := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		g.Close()
		server.Close()
	})

	return &testEnv{server: server, gateway: g, bridge: bridge, provider: provider, tokens: tokens}
}

func (e *testEnv) token(t *testing.T, email string) string {
	t.Helper()
	resp, err := e.tokens.CreateToken(auth.CreateTokenRequest{Email: email, DisplayName: "Ada"})
	require.NoError(t, err)
	return resp.Token
}

func (e *testEnv) dial(t *testing.T, token, chatID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if chatID != "" {
		url += "?chat_id=" + chatID
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type want arrives, returning every
// frame read on the way.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) (json.RawMessage, []json.RawMessage) {
	t.Helper()
	var seen []json.RawMessage
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)

		var base protocol.BaseMessage
		require.NoError(t, json.Unmarshal(data, &base))
		if base.Type == want {
			return data, seen
		}
		seen = append(seen, data)
	}
}

func writeJSONFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketReopensChatByLink(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "ada@example.com")
	require.NoError(t, env.bridge.Save(context.Background(), "existing-chat", persistence.Partial{
		Owner: "ada@example.com",
		Title: "Earlier",
		Messages: conversation.Conversation{
			"GPT": {
				conversation.UserMessage("Hello"),
				{Role: conversation.RoleAssistant, Content: "Hi there", Status: conversation.StatusResolved},
			},
		},
	}))

	conn := env.dial(t, token, "existing-chat")
	data, _ := readUntil(t, conn, protocol.TypeGatewayInfo)
	var info protocol.GatewayInfo
	require.NoError(t, json.Unmarshal(data, &info))

	assert.Equal(t, "existing-chat", info.ChatID)
	require.Len(t, info.Conversation["GPT"], 2)
	assert.Equal(t, "Hi there", info.Conversation["GPT"][1].Content)
}

func TestWebSocketGatewayInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, env.token(t, "ada@example.com"), "")

	data, _ := readUntil(t, conn, protocol.TypeGatewayInfo)
	var info protocol.GatewayInfo
	require.NoError(t, json.Unmarshal(data, &info))

	assert.Equal(t, "ada@example.com", info.Email)
	assert.False(t, info.Premium)
	assert.NotEmpty(t, info.ChatID)
	assert.Len(t, info.Models, 2)
	require.Contains(t, info.Selection, "GPT")
	assert.True(t, info.Selection["GPT"].Enabled)
	require.NotNil(t, info.Selection["GPT"].SubModelID)
	assert.Equal(t, "gpt-3.5", *info.Selection["GPT"].SubModelID)
	assert.Empty(t, info.Conversation)
}

func TestWebSocketChatSendFansOut(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.AddResponse("gpt-3.5", "from gpt")
	env.provider.AddErrorResponse("gemini-2.5-lite", errors.New("upstream down"))

	conn := env.dial(t, env.token(t, "ada@example.com"), "")
	data, _ := readUntil(t, conn, protocol.TypeGatewayInfo)
	var info protocol.GatewayInfo
	require.NoError(t, json.Unmarshal(data, &info))

	writeJSONFrame(t, conn, map[string]any{"type": "chat_send", "request_id": "r1", "text": "Hello"})

	data, before := readUntil(t, conn, protocol.TypeConversationUpdate)
	var update protocol.ConversationUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, info.ChatID, update.ChatID)
	assert.Equal(t, "r1", update.RequestID)

	placeholders := 0
	for _, raw := range before {
		var pane protocol.PaneUpdate
		if json.Unmarshal(raw, &pane) == nil && pane.Type == protocol.TypePaneUpdate && pane.Event == "placeholder_added" {
			placeholders++
		}
	}
	assert.Equal(t, 2, placeholders)

	panes := map[string]protocol.PaneUpdate{}
	for len(panes) < 2 {
		data, _ := readUntil(t, conn, protocol.TypePaneUpdate)
		var pane protocol.PaneUpdate
		require.NoError(t, json.Unmarshal(data, &pane))
		if pane.Event == "target_resolved" || pane.Event == "target_failed" {
			panes[pane.ModelName] = pane
		}
	}

	require.NotNil(t, panes["GPT"].Message)
	assert.Equal(t, "target_resolved", panes["GPT"].Event)
	assert.Equal(t, "from gpt", panes["GPT"].Message.Content)
	assert.False(t, panes["GPT"].Message.IsLoading)

	require.NotNil(t, panes["Gemini"].Message)
	assert.Equal(t, "target_failed", panes["Gemini"].Event)
	assert.Equal(t, "failed", panes["Gemini"].Message.Status)

	assert.Equal(t, 2, env.provider.GetCallCount())
}

func TestWebSocketEmptyMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, env.token(t, "ada@example.com"), "")
	readUntil(t, conn, protocol.TypeGatewayInfo)

	writeJSONFrame(t, conn, map[string]any{"type": "chat_send", "text": ""})

	data, _ := readUntil(t, conn, protocol.TypeErrorResponse)
	var resp protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)
	assert.Equal(t, 0, env.provider.GetCallCount())
}

func TestWebSocketNoEligibleModel(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, env.token(t, "ada@example.com"), "")
	readUntil(t, conn, protocol.TypeGatewayInfo)

	for _, name := range []string{"GPT", "Gemini"} {
		writeJSONFrame(t, conn, map[string]any{"type": "selection_update", "model": name, "enabled": false})
		readUntil(t, conn, protocol.TypeSelectionState)
	}

	writeJSONFrame(t, conn, map[string]any{"type": "chat_send", "text": "Hello"})
	data, _ := readUntil(t, conn, protocol.TypeErrorResponse)
	var resp protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, protocol.CodeNoEligibleModel, resp.Code)
}

func TestWebSocketQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Quota.Enabled = true
		cfg.Quota.Capacity = 1
		cfg.Quota.RefillAmount = 1
		cfg.Quota.IntervalSeconds = 86400
	})
	conn := env.dial(t, env.token(t, "ada@example.com"), "")
	readUntil(t, conn, protocol.TypeGatewayInfo)

	writeJSONFrame(t, conn, map[string]any{"type": "chat_send", "text": "one"})
	readUntil(t, conn, protocol.TypeConversationUpdate)

	writeJSONFrame(t, conn, map[string]any{"type": "chat_send", "text": "two"})
	data, _ := readUntil(t, conn, protocol.TypeErrorResponse)
	var resp protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, protocol.CodeQuotaExceeded, resp.Code)
}

func TestWebSocketSelectionUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, env.token(t, "ada@example.com"), "")
	readUntil(t, conn, protocol.TypeGatewayInfo)

	t.Run("premium sub-model ignored for free user", func(t *testing.T) {
		writeJSONFrame(t, conn, map[string]any{"type": "selection_update", "model": "GPT", "subModelId": "gpt-5"})
		data, _ := readUntil(t, conn, protocol.TypeSelectionState)
		var state protocol.SelectionState
		require.NoError(t, json.Unmarshal(data, &state))
		require.NotNil(t, state.Selection["GPT"].SubModelID)
		assert.Equal(t, "gpt-3.5", *state.Selection["GPT"].SubModelID)
	})

	t.Run("disable removes the model from allowed", func(t *testing.T) {
		writeJSONFrame(t, conn, map[string]any{"type": "selection_update", "model": "Gemini", "enabled": false})
		data, _ := readUntil(t, conn, protocol.TypeSelectionState)
		var state protocol.SelectionState
		require.NoError(t, json.Unmarshal(data, &state))
		assert.False(t, state.Selection["Gemini"].Enabled)
		require.Len(t, state.Allowed, 1)
		assert.Equal(t, "GPT", state.Allowed[0].ModelName)
	})

	t.Run("unknown model", func(t *testing.T) {
		writeJSONFrame(t, conn, map[string]any{"type": "selection_update", "model": "Nope", "enabled": true})
		data, _ := readUntil(t, conn, protocol.TypeErrorResponse)
		var resp protocol.ErrorResponse
		require.NoError(t, json.Unmarshal(data, &resp))
		assert.Equal(t, protocol.CodeBadRequest, resp.Code)
	})

	u, err := env.bridge.GetUser(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.False(t, u.SelectedModelPref["Gemini"].Enabled)
}

func TestWebSocketSessionSwitch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.AddResponse("gpt-3.5", "first reply")
	token := env.token(t, "ada@example.com")

	conn := env.dial(t, token, "")
	data, _ := readUntil(t, conn, protocol.TypeGatewayInfo)
	var info protocol.GatewayInfo
	require.NoError(t, json.Unmarshal(data, &info))
	firstChat := info.ChatID

	writeJSONFrame(t, conn, map[string]any{"type": "chat_send", "text": "Hello"})
	for {
		data, _ := readUntil(t, conn, protocol.TypePaneUpdate)
		var pane protocol.PaneUpdate
		require.NoError(t, json.Unmarshal(data, &pane))
		if pane.Event == "settled" {
			break
		}
	}

	writeJSONFrame(t, conn, map[string]any{"type": "session_switch", "action": "new"})
	data, _ = readUntil(t, conn, protocol.TypeSessionSwitch)
	var created protocol.SessionSwitch
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, protocol.ActionCreated, created.Action)
	assert.NotEqual(t, firstChat, created.ChatID)
	assert.Empty(t, created.Conversation)

	writeJSONFrame(t, conn, map[string]any{"type": "session_switch", "action": "switch", "chat_id": firstChat})
	data, _ = readUntil(t, conn, protocol.TypeSessionSwitch)
	var switched protocol.SessionSwitch
	require.NoError(t, json.Unmarshal(data, &switched))
	assert.Equal(t, protocol.ActionSwitched, switched.Action)
	assert.Equal(t, firstChat, switched.ChatID)
	require.Len(t, switched.Conversation["GPT"], 2)
	assert.Equal(t, "first reply", switched.Conversation["GPT"][1].Content)

	writeJSONFrame(t, conn, map[string]any{"type": "session_switch", "action": "switch"})
	data, _ = readUntil(t, conn, protocol.TypeErrorResponse)
	var resp protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)
}

func TestWebSocketMalformedFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, env.token(t, "ada@example.com"), "")
	readUntil(t, conn, protocol.TypeGatewayInfo)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	data, _ := readUntil(t, conn, protocol.TypeErrorResponse)
	var resp protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)

	writeJSONFrame(t, conn, map[string]any{"type": "health_check"})
	data, _ = readUntil(t, conn, protocol.TypeHealthCheck)
	var hc protocol.HealthCheck
	require.NoError(t, json.Unmarshal(data, &hc))
	assert.Equal(t, "ok", hc.Status)
}

func TestClientCountTracksConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, env.token(t, "ada@example.com"), "")
	readUntil(t, conn, protocol.TypeGatewayInfo)
	assert.Equal(t, 1, env.gateway.ClientCount())

	conn.Close()
	assert.Eventually(t, func() bool { return env.gateway.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
