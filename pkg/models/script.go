package models

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ScriptLLM replays a fixed sequence of completions and structured replies.
// It exists for tests: the agent loop and extractor are exercised against it
// without any network. It records every request it serves.
type ScriptLLM struct {
	mu sync.Mutex

	Completions   []Completion
	CompletionErr error

	Structured    []json.RawMessage
	StructuredErr error

	ChatRequests       [][]Message
	ToolsSeen          [][]ToolDef
	StructuredPrompts  []string
	structuredPosition int
	position           int
}

var _ ToolCaller = (*ScriptLLM)(nil)
var _ StructuredCaller = (*ScriptLLM)(nil)

func (s *ScriptLLM) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDef) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ChatRequests = append(s.ChatRequests, append([]Message(nil), messages...))
	s.ToolsSeen = append(s.ToolsSeen, append([]ToolDef(nil), tools...))

	if s.CompletionErr != nil {
		return Completion{}, s.CompletionErr
	}
	if s.position >= len(s.Completions) {
		return Completion{}, errors.New("models: script exhausted")
	}
	c := s.Completions[s.position]
	s.position++
	return c, nil
}

func (s *ScriptLLM) ChatStructured(ctx context.Context, prompt, schemaName string, schema json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.StructuredPrompts = append(s.StructuredPrompts, prompt)

	if s.StructuredErr != nil {
		return nil, s.StructuredErr
	}
	if s.structuredPosition >= len(s.Structured) {
		return nil, errors.New("models: structured script exhausted")
	}
	raw := s.Structured[s.structuredPosition]
	s.structuredPosition++
	return raw, nil
}

// Steps reports how many chat completions have been served.
func (s *ScriptLLM) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}
