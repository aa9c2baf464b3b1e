// Package models defines the provider-agnostic chat types used by the agent
// loop and the adapters that map them onto concrete LLM backends. Tool
// schemas and tool-call arguments travel as raw JSON end to end; only the
// adapter for each backend knows that backend's envelope for them.
package models

import (
	"context"
	"encoding/json"
)

// Chat roles. String-typed on purpose so adapters can pass them through.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stop reasons reported in a Completion.
const (
	StopEnd     = "end"
	StopToolUse = "tool_use"
)

// ToolCall is one tool invocation requested by the model. Arguments is the
// raw JSON object the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDef advertises one callable tool to the model. Parameters is the JSON
// Schema of the tool's arguments, passed through from the provider.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Message is one turn of the conversation. Assistant turns may carry
// ToolCalls; tool turns carry the ToolCallID they answer.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// Completion is the model's reply to one chat request.
type Completion struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
}

// ToolCaller is a chat model that supports function calling.
type ToolCaller interface {
	ChatWithTools(ctx context.Context, messages []Message, tools []ToolDef) (Completion, error)
}

// StructuredCaller is a model that can be constrained to emit JSON matching
// a schema. The reply is the raw JSON document; validation belongs to the
// caller.
type StructuredCaller interface {
	ChatStructured(ctx context.Context, prompt, schemaName string, schema json.RawMessage) (json.RawMessage, error)
}

// SystemMessage, UserMessage, and ToolResultMessage are small constructors
// for the common turn shapes.
func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: text} }

func UserMessage(text string) Message { return Message{Role: RoleUser, Content: text} }

func ToolResultMessage(call ToolCall, output string) Message {
	return Message{Role: RoleTool, Content: output, ToolCallID: call.ID, ToolName: call.Name}
}
