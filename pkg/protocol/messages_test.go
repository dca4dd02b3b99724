package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, msg any)
	}{
		{
			name:  "chat send",
			input: `{"type":"chat_send","request_id":"r1","text":"Hello"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(*ChatSend)
				require.True(t, ok)
				assert.Equal(t, "Hello", m.Text)
				assert.Equal(t, "r1", m.RequestID)
				assert.Nil(t, m.Attachment)
			},
		},
		{
			name:  "chat send with voice attachment",
			input: `{"type":"chat_send","attachment":{"kind":"voice"}}`,
			check: func(t *testing.T, msg any) {
				m := msg.(*ChatSend)
				require.NotNil(t, m.Attachment)
				assert.Equal(t, "voice", m.Attachment.Kind)
			},
		},
		{
			name:  "selection update keeps unset fields nil",
			input: `{"type":"selection_update","model":"GPT","enabled":false}`,
			check: func(t *testing.T, msg any) {
				m := msg.(*SelectionUpdate)
				assert.Equal(t, "GPT", m.ModelName)
				require.NotNil(t, m.Enabled)
				assert.False(t, *m.Enabled)
				assert.Nil(t, m.SubModelID)
			},
		},
		{
			name:  "session switch",
			input: `{"type":"session_switch","action":"switch","chat_id":"c1"}`,
			check: func(t *testing.T, msg any) {
				m := msg.(*SessionSwitch)
				assert.Equal(t, ActionSwitch, m.Action)
				assert.Equal(t, "c1", m.ChatID)
			},
		},
		{
			name:  "unknown type",
			input: `{"type":"mystery"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(*BaseMessage)
				require.True(t, ok)
				assert.Equal(t, MessageType("mystery"), m.Type)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

func TestParseMessageInvalid(t *testing.T) {
	_, err := ParseMessage([]byte(`{not json`))
	assert.Error(t, err)

	_, err = ParseMessage([]byte(`{"type":"chat_send","text":42}`))
	assert.Error(t, err)
}

func TestSelectionEntryEncodesNullSubModel(t *testing.T) {
	data, err := json.Marshal(SelectionEntry{Enabled: false})
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":false,"subModelId":null}`, string(data))
}

func TestNewBase(t *testing.T) {
	b := NewBase(TypePaneUpdate)
	assert.Equal(t, TypePaneUpdate, b.Type)
	assert.Contains(t, b.ID, "pane_update_")
	assert.False(t, b.Timestamp.IsZero())
}
