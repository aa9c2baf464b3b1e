package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsched/calagent/pkg/agent"
	"github.com/fitsched/calagent/pkg/mcp"
	"github.com/fitsched/calagent/pkg/models"
	"github.com/fitsched/calagent/pkg/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// calendarChannel is an in-memory provider: list-events answers with a
// canned schedule, create-event acknowledges.
type calendarChannel struct {
	mu      sync.Mutex
	created []map[string]any
	listErr error
}

func (c *calendarChannel) ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return []mcp.ToolDescriptor{
		{Name: "list-events", Description: "List events for a day", InputSchema: json.RawMessage(`{"type":"object","properties":{"day":{"type":"string"}}}`)},
		{Name: "create-event", Description: "Create an event", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "update-event", Description: "Update an event"},
	}, nil
}

func (c *calendarChannel) CallTool(ctx context.Context, name string, arguments map[string]any) (mcp.CallResult, error) {
	switch name {
	case "list-events":
		return mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "10:00-11:00 チーム会議、15:00-16:00 1on1"}}}, nil
	case "create-event":
		c.mu.Lock()
		c.created = append(c.created, arguments)
		c.mu.Unlock()
		return mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "作成しました"}}}, nil
	}
	return mcp.CallResult{}, errors.New("unknown tool")
}

func (c *calendarChannel) Close() error { return nil }

func registryOver(ch provider.Channel) *provider.Registry {
	return provider.NewRegistry(testLogger(), []provider.ChannelSource{{
		Name: "calendar",
		Open: func(ctx context.Context) (provider.Channel, error) { return ch, nil },
	}})
}

func call(name, args string) models.ToolCall {
	return models.ToolCall{ID: "call_" + name, Name: name, Arguments: json.RawMessage(args)}
}

func TestQueryReadsSchedule(t *testing.T) {
	script := &models.ScriptLLM{Completions: []models.Completion{
		{ToolCalls: []models.ToolCall{call("list-events", `{"day":"2025-07-01"}`)}, StopReason: models.StopToolUse},
		{Content: "7月1日は10時の会議と15時の1on1があります。", StopReason: models.StopEnd},
	}}

	rt, err := New(Options{Model: script, Registry: registryOver(&calendarChannel{}), Logger: testLogger()})
	require.NoError(t, err)
	defer rt.Close()

	res, err := rt.Query(context.Background(), "7月1日の予定を教えて")
	require.NoError(t, err)
	assert.Contains(t, res.Answer, "会議")
	assert.Nil(t, res.Slot, "a plain schedule query carries no workout slot")
}

func TestQueryCreatesEvent(t *testing.T) {
	ch := &calendarChannel{}
	script := &models.ScriptLLM{Completions: []models.Completion{
		{ToolCalls: []models.ToolCall{call("create-event", `{"summary":"歯医者","start":"2025-07-02T09:00:00+09:00"}`)}, StopReason: models.StopToolUse},
		{Content: "明日9時に歯医者の予定を作成しました。", StopReason: models.StopEnd},
	}}

	rt, err := New(Options{Model: script, Registry: registryOver(ch), Logger: testLogger()})
	require.NoError(t, err)
	defer rt.Close()

	res, err := rt.Query(context.Background(), "明日の9時に歯医者を入れて")
	require.NoError(t, err)
	assert.Contains(t, res.Answer, "歯医者")
	require.Len(t, ch.created, 1)
	assert.Equal(t, "歯医者", ch.created[0]["summary"])
}

func TestQueryAttachesWorkoutSlot(t *testing.T) {
	script := &models.ScriptLLM{
		Completions: []models.Completion{
			{ToolCalls: []models.ToolCall{call("list-events", `{"day":"today"}`)}, StopReason: models.StopToolUse},
			{Content: "今日は10時の会議と15時の1on1以外は空いています。", StopReason: models.StopEnd},
		},
		Structured: []json.RawMessage{
			json.RawMessage(`{"time":"17:00","reason":"1on1の後は予定がありません","duration_minutes":60}`),
		},
	}

	rt, err := New(Options{
		Model:           script,
		StructuredModel: script,
		Registry:        registryOver(&calendarChannel{}),
		Logger:          testLogger(),
	})
	require.NoError(t, err)
	defer rt.Close()

	res, err := rt.Query(context.Background(), "今日の筋トレの時間を提案して")
	require.NoError(t, err)
	require.NotNil(t, res.Slot)
	assert.Equal(t, "17:00", res.Slot.Time)
	assert.Equal(t, 60, res.Slot.DurationMinutes)
}

func TestQueryFallsBackToDefaultSlot(t *testing.T) {
	script := &models.ScriptLLM{
		Completions: []models.Completion{
			{Content: "今日は終日空いています。", StopReason: models.StopEnd},
		},
		Structured: []json.RawMessage{
			json.RawMessage(`{"time":"not-a-time","reason":"x","duration_minutes":60}`),
			json.RawMessage(`{"time":"99:99","reason":"x","duration_minutes":60}`),
		},
	}

	rt, err := New(Options{
		Model:           script,
		StructuredModel: script,
		Registry:        registryOver(&calendarChannel{}),
		Logger:          testLogger(),
	})
	require.NoError(t, err)
	defer rt.Close()

	res, err := rt.Query(context.Background(), "今日の筋トレの時間を提案して")
	require.NoError(t, err)
	require.NotNil(t, res.Slot)
	assert.Equal(t, "18:00", res.Slot.Time, "both attempts invalid, fixed fallback expected")
	require.Len(t, script.StructuredPrompts, 2, "exactly one retry before falling back")
}

func TestQueryStreamDeliversEventsInOrder(t *testing.T) {
	script := &models.ScriptLLM{Completions: []models.Completion{
		{ToolCalls: []models.ToolCall{call("list-events", `{}`)}, StopReason: models.StopToolUse},
		{Content: "予定は2件です。", StopReason: models.StopEnd},
	}}

	rt, err := New(Options{Model: script, Registry: registryOver(&calendarChannel{}), Logger: testLogger()})
	require.NoError(t, err)
	defer rt.Close()

	stream, err := rt.QueryStream(context.Background(), "予定を教えて")
	require.NoError(t, err)

	var types []agent.EventType
	for ev := range stream {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []agent.EventType{agent.EventToolResult, agent.EventAssistant, agent.EventDone}, types)
}

func TestCheckHealthDegradesAndRecovers(t *testing.T) {
	ch := &calendarChannel{listErr: errors.New("connection refused")}
	rt, err := New(Options{Model: &models.ScriptLLM{}, Registry: registryOver(ch), Logger: testLogger()})
	require.NoError(t, err)
	defer rt.Close()

	h := rt.CheckHealth(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.Error, "connection refused")
	assert.Zero(t, h.ToolCount)

	// Provider comes back; the next check retries initialization.
	ch.listErr = nil
	h = rt.CheckHealth(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 2, h.ToolCount, "update-event is excluded from the count")
}

func TestQueryFailsFastWhenRegistryBroken(t *testing.T) {
	ch := &calendarChannel{listErr: errors.New("connection refused")}
	rt, err := New(Options{Model: &models.ScriptLLM{}, Registry: registryOver(ch), Logger: testLogger()})
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Query(context.Background(), "予定を教えて")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewRejectsMissingModel(t *testing.T) {
	_, err := New(Options{Providers: provider.DefaultConfigs()})
	require.Error(t, err)
}
