// Package extract turns the agent's free-text schedule answer into a
// structured workout recommendation. The schema is generated from the Go
// struct, handed to a schema-constrained model call, and the model's reply
// is validated against the same schema before it is trusted.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	invopop "github.com/invopop/jsonschema"
	schemacheck "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fitsched/calagent/pkg/models"
)

// SchemaName identifies the structured output format to the model backend.
const SchemaName = "workout_time_slot"

// DefaultDurationMinutes is assumed when the model omits a duration.
const DefaultDurationMinutes = 60

var timePattern = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// WorkoutTimeSlot is the structured recommendation extracted from a
// schedule summary.
type WorkoutTimeSlot struct {
	Time            string `json:"time" jsonschema:"pattern=^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$,description=Recommended workout start time in 24-hour HH:MM"`
	Reason          string `json:"reason" jsonschema:"description=Why this time fits the day's schedule"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"default=60,description=Recommended workout length in minutes"`
}

// Validate checks the invariants a slot must satisfy before it is shown to
// anyone: a well-formed 24-hour time and a positive duration.
func (s WorkoutTimeSlot) Validate() error {
	if !timePattern.MatchString(s.Time) {
		return fmt.Errorf("extract: time %q is not HH:MM", s.Time)
	}
	if s.DurationMinutes <= 0 {
		return fmt.Errorf("extract: duration %d is not positive", s.DurationMinutes)
	}
	return nil
}

// FallbackSlot is the recommendation used when extraction fails entirely.
// Early evening suits most schedules and the caller still gets a valid slot.
func FallbackSlot() WorkoutTimeSlot {
	return WorkoutTimeSlot{
		Time:            "18:00",
		Reason:          "スケジュールから空き時間を特定できなかったため、一般的に都合のよい夕方の時間帯を提案します。",
		DurationMinutes: DefaultDurationMinutes,
	}
}

// workoutKeywords gate extraction: only queries that are actually about
// fitting in a workout get a recommendation attached.
var workoutKeywords = []string{
	"筋トレ", "トレーニング", "運動", "ワークアウト", "エクササイズ", "ジム", "空き時間",
	"workout", "training", "exercise", "gym", "free time",
}

// WantsWorkoutPlan reports whether the query asks for workout scheduling.
func WantsWorkoutPlan(query string) bool {
	lowered := strings.ToLower(query)
	for _, kw := range workoutKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// Extractor performs schema-constrained extraction over one model backend.
type Extractor struct {
	model    models.StructuredCaller
	schema   json.RawMessage
	compiled *schemacheck.Schema
	log      *slog.Logger
}

// New builds an Extractor, generating and compiling the slot schema once.
func New(model models.StructuredCaller, log *slog.Logger) (*Extractor, error) {
	if model == nil {
		return nil, fmt.Errorf("extract: model is required")
	}
	if log == nil {
		log = slog.Default()
	}

	reflector := invopop.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: false,
	}
	raw, err := json.Marshal(reflector.Reflect(&WorkoutTimeSlot{}))
	if err != nil {
		return nil, fmt.Errorf("extract: marshal schema: %w", err)
	}

	doc, err := schemacheck.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("extract: parse schema: %w", err)
	}
	compiler := schemacheck.NewCompiler()
	if err := compiler.AddResource(SchemaName+".json", doc); err != nil {
		return nil, fmt.Errorf("extract: add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(SchemaName + ".json")
	if err != nil {
		return nil, fmt.Errorf("extract: compile schema: %w", err)
	}

	return &Extractor{model: model, schema: raw, compiled: compiled, log: log}, nil
}

// Schema returns the generated JSON Schema for the slot.
func (e *Extractor) Schema() json.RawMessage {
	return e.schema
}

// Extract makes one schema-constrained model call over the schedule text
// and validates the reply. No retry happens here; the retry policy belongs
// to the caller.
func (e *Extractor) Extract(ctx context.Context, scheduleText string) (WorkoutTimeSlot, error) {
	return e.extract(ctx, primaryPrompt(scheduleText))
}

// ExtractRephrased retries with an alternate framing of the same request,
// for models that failed to produce valid output the first time.
func (e *Extractor) ExtractRephrased(ctx context.Context, scheduleText string) (WorkoutTimeSlot, error) {
	return e.extract(ctx, rephrasedPrompt(scheduleText))
}

func (e *Extractor) extract(ctx context.Context, prompt string) (WorkoutTimeSlot, error) {
	raw, err := e.model.ChatStructured(ctx, prompt, SchemaName, e.schema)
	if err != nil {
		return WorkoutTimeSlot{}, fmt.Errorf("extract: model call: %w", err)
	}

	instance, err := schemacheck.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return WorkoutTimeSlot{}, fmt.Errorf("extract: reply is not JSON: %w", err)
	}
	if err := e.compiled.Validate(instance); err != nil {
		return WorkoutTimeSlot{}, fmt.Errorf("extract: reply violates schema: %w", err)
	}

	var slot WorkoutTimeSlot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return WorkoutTimeSlot{}, fmt.Errorf("extract: decode reply: %w", err)
	}
	if slot.DurationMinutes == 0 {
		slot.DurationMinutes = DefaultDurationMinutes
	}
	if err := slot.Validate(); err != nil {
		return WorkoutTimeSlot{}, err
	}
	return slot, nil
}

func primaryPrompt(scheduleText string) string {
	return fmt.Sprintf(`以下は今日のスケジュールの説明です。この内容から、筋トレに最適な開始時刻を1つ選んでください。

スケジュール:
%s

開始時刻は24時間表記のHH:MM、長さは分単位で答えてください。`, scheduleText)
}

func rephrasedPrompt(scheduleText string) string {
	return fmt.Sprintf(`You are given a description of today's schedule. Pick the single best start time for a workout.

Schedule:
%s

Answer with a 24-hour HH:MM start time, a short reason, and the workout length in minutes.`, scheduleText)
}
