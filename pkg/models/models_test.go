package models

import (
	"context"
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToOpenAIMessagesPreservesToolPlumbing(t *testing.T) {
	call := ToolCall{ID: "call_1", Name: "list-events", Arguments: json.RawMessage(`{"day":"2025-07-01"}`)}
	msgs := toOpenAIMessages([]Message{
		SystemMessage("you are a calendar assistant"),
		UserMessage("7月1日の予定を教えて"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{call}},
		ToolResultMessage(call, "2 events"),
	})

	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)

	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[2].ToolCalls[0].ID)
	assert.Equal(t, `{"day":"2025-07-01"}`, msgs[2].ToolCalls[0].Function.Arguments)

	assert.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	assert.Equal(t, "call_1", msgs[3].ToolCallID)
	assert.Equal(t, "list-events", msgs[3].Name)
	assert.Equal(t, "2 events", msgs[3].Content)
}

func TestToOllamaToolsCarriesSchemaThrough(t *testing.T) {
	tools, err := toOllamaTools([]ToolDef{{
		Name:        "list-events",
		Description: "List calendar events",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"day": {"type": "string", "description": "ISO date"}},
			"required": ["day"]
		}`),
	}})
	require.NoError(t, err)
	require.Len(t, tools, 1)

	assert.Equal(t, "function", tools[0].Type)
	assert.Equal(t, "list-events", tools[0].Function.Name)
	assert.Contains(t, tools[0].Function.Parameters.Required, "day")
	assert.Contains(t, tools[0].Function.Parameters.Properties, "day")
}

func TestToOllamaMessageRoundTripsToolCalls(t *testing.T) {
	msg, err := toOllamaMessage(Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{
			{ID: "call_0", Name: "get-date", Arguments: json.RawMessage(`{"zone":"Asia/Tokyo"}`)},
		},
	})
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "get-date", msg.ToolCalls[0].Function.Name)
	assert.Equal(t, "Asia/Tokyo", msg.ToolCalls[0].Function.Arguments["zone"])
}

func TestScriptLLMReplaysInOrder(t *testing.T) {
	script := &ScriptLLM{Completions: []Completion{
		{Content: "first"},
		{Content: "second"},
	}}

	ctx := context.Background()
	first, err := script.ChatWithTools(ctx, []Message{UserMessage("a")}, nil)
	require.NoError(t, err)
	second, err := script.ChatWithTools(ctx, []Message{UserMessage("b")}, nil)
	require.NoError(t, err)

	assert.Equal(t, "first", first.Content)
	assert.Equal(t, "second", second.Content)
	assert.Equal(t, 2, script.Steps())

	_, err = script.ChatWithTools(ctx, nil, nil)
	require.Error(t, err, "an exhausted script refuses further calls")
}
