package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTextAndToolUses(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			TextBlock("Let me look "),
			ToolUseBlock("tu_1", "search_entities", json.RawMessage(`{"query":"aria"}`)),
			TextBlock("that up."),
			ToolUseBlock("tu_2", "get_entity", json.RawMessage(`{}`)),
		},
	}

	assert.Equal(t, "Let me look that up.", msg.Text())
	uses := msg.ToolUses()
	require.Len(t, uses, 2)
	assert.Equal(t, "tu_1", uses[0].ID)
	assert.Equal(t, "get_entity", uses[1].Name)
	assert.Empty(t, msg.ToolResults())
}

func TestNewUserMessage(t *testing.T) {
	msg := NewUserMessage("hello")
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "hello", msg.Text())
	assert.False(t, msg.Timestamp.IsZero())
}

func TestContentBlockJSON(t *testing.T) {
	b := ToolResultBlock("tu_1", "boom", true)
	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_result","tool_use_id":"tu_1","content":"boom","is_error":true}`, string(data))
}

func TestChatResponseMessageCopiesContent(t *testing.T) {
	resp := &ChatResponse{Content: []ContentBlock{TextBlock("a")}}
	msg := resp.Message()
	msg.Content[0].Text = "b"
	assert.Equal(t, "a", resp.Content[0].Text)
	assert.Equal(t, RoleAssistant, msg.Role)
}

func TestUsageAdd(t *testing.T) {
	var u Usage
	u.Add(Usage{Input: 10, Output: 5, CacheRead: 3, CacheCreation: 1})
	u.Add(Usage{Input: 1, Output: 1})
	assert.Equal(t, Usage{Input: 11, Output: 6, CacheRead: 3, CacheCreation: 1}, u)
	assert.Equal(t, 17, u.Total())
}

func TestToolKindVisibility(t *testing.T) {
	assert.Equal(t, VisibilityEphemeral, ToolKindRead.Visibility())
	assert.Equal(t, VisibilityNarrated, ToolKindWrite.Visibility())
	assert.Equal(t, VisibilitySilent, ToolKindInternal.Visibility())
}
