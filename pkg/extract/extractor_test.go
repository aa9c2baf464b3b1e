package extract

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsched/calagent/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSchemaDescribesSlot(t *testing.T) {
	ex, err := New(&models.ScriptLLM{}, testLogger())
	require.NoError(t, err)

	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(ex.Schema(), &schema))
	assert.Equal(t, "object", schema.Type)
	assert.Contains(t, schema.Properties, "time")
	assert.Contains(t, schema.Properties, "reason")
	assert.Contains(t, schema.Properties, "duration_minutes")
}

func TestExtractValidReply(t *testing.T) {
	script := &models.ScriptLLM{Structured: []json.RawMessage{
		json.RawMessage(`{"time":"07:30","reason":"午前の会議の前が空いています","duration_minutes":45}`),
	}}
	ex, err := New(script, testLogger())
	require.NoError(t, err)

	slot, err := ex.Extract(context.Background(), "10時から会議、その後は終日空き")
	require.NoError(t, err)
	assert.Equal(t, "07:30", slot.Time)
	assert.Equal(t, 45, slot.DurationMinutes)
	assert.NotEmpty(t, slot.Reason)
}

func TestExtractAppliesDefaultDuration(t *testing.T) {
	script := &models.ScriptLLM{Structured: []json.RawMessage{
		json.RawMessage(`{"time":"19:00","reason":"夜が空いています"}`),
	}}
	ex, err := New(script, testLogger())
	require.NoError(t, err)

	slot, err := ex.Extract(context.Background(), "終日会議")
	require.NoError(t, err)
	assert.Equal(t, DefaultDurationMinutes, slot.DurationMinutes)
}

func TestExtractRejectsMalformedTime(t *testing.T) {
	script := &models.ScriptLLM{Structured: []json.RawMessage{
		json.RawMessage(`{"time":"25:99","reason":"x","duration_minutes":60}`),
	}}
	ex, err := New(script, testLogger())
	require.NoError(t, err)

	_, err = ex.Extract(context.Background(), "予定なし")
	require.Error(t, err)
}

func TestExtractRejectsNonJSONReply(t *testing.T) {
	script := &models.ScriptLLM{Structured: []json.RawMessage{
		json.RawMessage(`not json at all`),
	}}
	ex, err := New(script, testLogger())
	require.NoError(t, err)

	_, err = ex.Extract(context.Background(), "予定なし")
	require.Error(t, err)
}

func TestExtractPropagatesModelError(t *testing.T) {
	modelErr := errors.New("rate limited")
	ex, err := New(&models.ScriptLLM{StructuredErr: modelErr}, testLogger())
	require.NoError(t, err)

	_, err = ex.Extract(context.Background(), "予定なし")
	require.ErrorIs(t, err, modelErr)
}

func TestFallbackSlotIsAlwaysValid(t *testing.T) {
	slot := FallbackSlot()
	require.NoError(t, slot.Validate())
	assert.Equal(t, "18:00", slot.Time)
	assert.Equal(t, DefaultDurationMinutes, slot.DurationMinutes)
}

func TestWantsWorkoutPlan(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"今日の筋トレの時間を提案して", true},
		{"明日の空き時間はいつ?", true},
		{"When can I fit a WORKOUT tomorrow?", true},
		{"7月1日の予定を教えて", false},
		{"明日の9時に歯医者を入れて", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, WantsWorkoutPlan(tc.query), tc.query)
	}
}
