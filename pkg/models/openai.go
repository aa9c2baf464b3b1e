package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o"

// OpenAILLM adapts the OpenAI chat completions API. It is the default
// backend for both tool calling and schema-constrained extraction.
type OpenAILLM struct {
	client *openai.Client
	model  string
}

// NewOpenAILLM builds an adapter using OPENAI_API_KEY from the environment.
func NewOpenAILLM(model string) (*OpenAILLM, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, errors.New("models: OPENAI_API_KEY is not set")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAILLM{client: openai.NewClient(key), model: model}, nil
}

// NewOpenAILLMWithClient injects a preconfigured client, for tests and for
// OpenAI-compatible gateways.
func NewOpenAILLMWithClient(client *openai.Client, model string) *OpenAILLM {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAILLM{client: client, model: model}
}

func (o *OpenAILLM) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDef) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, fmt.Errorf("models: openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("models: openai returned no choices")
	}

	choice := resp.Choices[0].Message
	out := Completion{Content: choice.Content, StopReason: StopEnd}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}

func (o *OpenAILLM) ChatStructured(ctx context.Context, prompt, schemaName string, schema json.RawMessage) (json.RawMessage, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: schema,
			},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("models: openai structured chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("models: openai returned no choices")
	}
	return json.RawMessage(resp.Choices[0].Message.Content), nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}
