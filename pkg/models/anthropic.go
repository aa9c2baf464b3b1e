package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

const defaultAnthropicMaxTokens = 4096

// AnthropicLLM adapts the Anthropic Messages API for tool calling.
type AnthropicLLM struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicLLM builds an adapter using ANTHROPIC_API_KEY from the
// environment.
func NewAnthropicLLM(model string) (*AnthropicLLM, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, errors.New("models: ANTHROPIC_API_KEY is not set")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicLLM{
		client:    anthropic.NewClient(option.WithAPIKey(key)),
		model:     model,
		maxTokens: defaultAnthropicMaxTokens,
	}, nil
}

func (a *AnthropicLLM) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDef) (Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
	}

	var system string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleUser:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: json.RawMessage(tc.Arguments),
					},
				})
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, t := range tools {
		// The Messages API wants the schema split into properties/required
		// rather than taken as one opaque document.
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return Completion{}, fmt.Errorf("models: tool %s schema: %w", t.Name, err)
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, fmt.Errorf("models: anthropic chat: %w", err)
	}

	out := Completion{StopReason: StopEnd}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += b.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.JSON.Input.Raw()),
			})
		}
	}
	if len(out.ToolCalls) > 0 || msg.StopReason == anthropic.StopReasonToolUse {
		out.StopReason = StopToolUse
	}
	return out, nil
}
