package models

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "qwen3"

// OllamaLLM adapts a local Ollama daemon. Tool definitions and structured
// output both work by handing the daemon raw JSON Schema, so provider
// schemas pass through unchanged.
type OllamaLLM struct {
	client *api.Client
	model  string
}

// NewOllamaLLM builds an adapter against OLLAMA_HOST, defaulting to the
// local daemon.
func NewOllamaLLM(model string) (*OllamaLLM, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("models: parse OLLAMA_HOST: %w", err)
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaLLM{client: api.NewClient(base, http.DefaultClient), model: model}, nil
}

func (o *OllamaLLM) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDef) (Completion, error) {
	msgs := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		am, err := toOllamaMessage(m)
		if err != nil {
			return Completion{}, err
		}
		msgs = append(msgs, am)
	}

	apiTools, err := toOllamaTools(tools)
	if err != nil {
		return Completion{}, err
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Tools:    apiTools,
		Stream:   &stream,
	}

	var final api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		return Completion{}, fmt.Errorf("models: ollama chat: %w", err)
	}

	out := Completion{Content: final.Message.Content, StopReason: StopEnd}
	for i, tc := range final.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return Completion{}, fmt.Errorf("models: ollama tool arguments: %w", err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}

func (o *OllamaLLM) ChatStructured(ctx context.Context, prompt, schemaName string, schema json.RawMessage) (json.RawMessage, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: []api.Message{{Role: RoleUser, Content: prompt}},
		Format:   schema,
		Stream:   &stream,
	}

	var content strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("models: ollama structured chat: %w", err)
	}
	return json.RawMessage(content.String()), nil
}

// toOllamaMessage round-trips through JSON so the wire shape of tool calls
// (arguments as an object, not a string) is produced by the daemon's own
// types instead of mirrored by hand here.
func toOllamaMessage(m Message) (api.Message, error) {
	am := api.Message{Role: m.Role, Content: m.Content}
	if len(m.ToolCalls) == 0 {
		return am, nil
	}

	calls := make([]map[string]any, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		var args map[string]any
		if len(tc.Arguments) > 0 {
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				return api.Message{}, fmt.Errorf("models: tool call %s arguments: %w", tc.Name, err)
			}
		}
		calls = append(calls, map[string]any{
			"function": map[string]any{"name": tc.Name, "arguments": args},
		})
	}
	wire, err := json.Marshal(map[string]any{
		"role":       m.Role,
		"content":    m.Content,
		"tool_calls": calls,
	})
	if err != nil {
		return api.Message{}, err
	}
	if err := json.Unmarshal(wire, &am); err != nil {
		return api.Message{}, err
	}
	return am, nil
}

func toOllamaTools(tools []ToolDef) (api.Tools, error) {
	out := make(api.Tools, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wire, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("models: tool %s: %w", t.Name, err)
		}
		var tool api.Tool
		if err := json.Unmarshal(wire, &tool); err != nil {
			return nil, fmt.Errorf("models: tool %s: %w", t.Name, err)
		}
		out = append(out, tool)
	}
	return out, nil
}
