// Package agent runs the tool-calling conversation loop: the model is asked
// what to do, requested tools are invoked over their provider channels, and
// results are folded back into the conversation until the model produces a
// final answer or the step budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fitsched/calagent/pkg/mcp"
	"github.com/fitsched/calagent/pkg/models"
)

// DefaultMaxSteps bounds how many model round trips one query may take. A
// calendar workflow normally finishes in three or four.
const DefaultMaxSteps = 12

// DefaultToolTimeout bounds one tool invocation.
const DefaultToolTimeout = 60 * time.Second

// CompletionFallback is emitted when the model stops without any final
// text, which some backends do after a run of tool calls.
const CompletionFallback = "カレンダーの操作が完了しました。"

// ErrStepBudget reports a conversation that never converged.
var ErrStepBudget = errors.New("agent: exceeded step budget")

// DefaultSystemPrompt frames the model as a calendar assistant operating in
// the pinned timezone.
const DefaultSystemPrompt = `あなたは日本語で応対するカレンダーアシスタントです。
ユーザーの予定の確認・作成・削除を、提供されたツールだけを使って行ってください。
タイムゾーンは Asia/Tokyo です。相対的な日付(今日、明日、来週など)は必ず日時ツールで現在日時を確認してから解釈してください。
操作が終わったら、結果を簡潔な日本語でまとめてください。`

// Event types emitted while a query runs.
type EventType string

const (
	// EventAssistant carries intermediate or final assistant text.
	EventAssistant EventType = "assistant"
	// EventToolResult carries the outcome of one tool invocation.
	EventToolResult EventType = "tool_result"
	// EventDone terminates the stream; Text is the final answer, Err the
	// terminal failure if the query aborted.
	EventDone EventType = "done"
)

// Event is one item of the query's event stream.
type Event struct {
	Type EventType
	Text string
	Tool string
	Err  error
}

// Tool is one invocable capability offered to the model. *provider.Tool
// satisfies it.
type Tool interface {
	Def() models.ToolDef
	Invoke(ctx context.Context, arguments map[string]any) (string, error)
}

// Options configure a Loop. Zero values select defaults.
type Options struct {
	Model        models.ToolCaller
	Tools        []Tool
	SystemPrompt string
	MaxSteps     int
	ToolTimeout  time.Duration
	Logger       *slog.Logger
}

// Loop drives one model over one tool catalog. A Loop is stateless across
// queries and safe for concurrent use.
type Loop struct {
	model       models.ToolCaller
	tools       []Tool
	byName      map[string]Tool
	defs        []models.ToolDef
	system      string
	maxSteps    int
	toolTimeout time.Duration
	log         *slog.Logger
}

// New validates the options and builds a Loop.
func New(opts Options) (*Loop, error) {
	if opts.Model == nil {
		return nil, errors.New("agent: model is required")
	}
	l := &Loop{
		model:       opts.Model,
		tools:       opts.Tools,
		byName:      make(map[string]Tool, len(opts.Tools)),
		system:      opts.SystemPrompt,
		maxSteps:    opts.MaxSteps,
		toolTimeout: opts.ToolTimeout,
		log:         opts.Logger,
	}
	for _, t := range opts.Tools {
		def := t.Def()
		l.byName[def.Name] = t
		l.defs = append(l.defs, def)
	}
	if l.system == "" {
		l.system = DefaultSystemPrompt
	}
	if l.maxSteps <= 0 {
		l.maxSteps = DefaultMaxSteps
	}
	if l.toolTimeout <= 0 {
		l.toolTimeout = DefaultToolTimeout
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l, nil
}

// Run starts the query and returns its event stream. The channel is closed
// after the EventDone; events are delivered in conversation order and the
// producer paces itself to the consumer. Cancelling ctx ends the stream, but
// a tool invocation already in flight is allowed to finish.
func (l *Loop) Run(ctx context.Context, query string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		l.run(ctx, query, out)
	}()
	return out
}

// Collect runs the query to completion and returns the final answer.
func (l *Loop) Collect(ctx context.Context, query string) (string, error) {
	var final string
	sawDone := false
	for ev := range l.Run(ctx, query) {
		if ev.Type != EventDone {
			continue
		}
		sawDone = true
		if ev.Err != nil {
			return "", ev.Err
		}
		final = ev.Text
	}
	if !sawDone {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", errors.New("agent: event stream ended without a terminal event")
	}
	return final, nil
}

func (l *Loop) run(ctx context.Context, query string, out chan<- Event) {
	msgs := []models.Message{
		models.SystemMessage(l.system),
		models.UserMessage(query),
	}

	var finalText string
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			l.emitFinal(out, Event{Type: EventDone, Err: err})
			return
		}
		if step >= l.maxSteps {
			l.log.Warn("query exceeded step budget", "steps", step)
			l.emitFinal(out, Event{Type: EventDone, Err: ErrStepBudget})
			return
		}

		comp, err := l.model.ChatWithTools(ctx, msgs, l.defs)
		if err != nil {
			l.emitFinal(out, Event{Type: EventDone, Err: fmt.Errorf("agent: model: %w", err)})
			return
		}

		if comp.Content != "" {
			finalText = comp.Content
			if !l.emit(ctx, out, Event{Type: EventAssistant, Text: comp.Content}) {
				l.emitFinal(out, Event{Type: EventDone, Err: ctx.Err()})
				return
			}
		}

		if len(comp.ToolCalls) == 0 {
			if strings.TrimSpace(finalText) == "" {
				finalText = CompletionFallback
				if !l.emit(ctx, out, Event{Type: EventAssistant, Text: finalText}) {
					l.emitFinal(out, Event{Type: EventDone, Err: ctx.Err()})
					return
				}
			}
			l.emitFinal(out, Event{Type: EventDone, Text: finalText})
			return
		}

		msgs = append(msgs, models.Message{
			Role:      models.RoleAssistant,
			Content:   comp.Content,
			ToolCalls: comp.ToolCalls,
		})

		for _, call := range comp.ToolCalls {
			output, err := l.invoke(ctx, call)
			if err != nil {
				if errors.Is(err, mcp.ErrClosed) {
					l.emitFinal(out, Event{Type: EventDone, Err: fmt.Errorf("agent: tool channel lost: %w", err)})
					return
				}
				// Tool failures stay inside the conversation so the model can
				// recover or report them.
				l.log.Warn("tool invocation failed", "tool", call.Name, "error", err)
				output = "tool error: " + err.Error()
			}
			if !l.emit(ctx, out, Event{Type: EventToolResult, Tool: call.Name, Text: output}) {
				l.emitFinal(out, Event{Type: EventDone, Err: ctx.Err()})
				return
			}
			msgs = append(msgs, models.ToolResultMessage(call, output))
		}
	}
}

// invoke runs one tool call. The invocation context is detached from the
// query context so a cancellation observed between steps never aborts a
// provider operation already underway; the tool timeout still applies.
func (l *Loop) invoke(ctx context.Context, call models.ToolCall) (string, error) {
	tool, ok := l.byName[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", fmt.Errorf("decode arguments for %s: %w", call.Name, err)
		}
	}

	l.log.Info("invoking tool", "tool", call.Name)
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.toolTimeout)
	defer cancel()
	return tool.Invoke(tctx, args)
}

// emit delivers one event, giving up when the consumer is gone.
func (l *Loop) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finalEventGrace bounds how long the loop waits to hand the terminal event
// to a consumer that stopped draining the stream.
const finalEventGrace = time.Second

// emitFinal delivers the terminal event. Cancellation does not race the
// send here: consumers drain the stream until it closes, so delivery is
// preferred, with the grace period releasing the goroutine if the consumer
// abandoned the channel entirely.
func (l *Loop) emitFinal(out chan<- Event, ev Event) {
	t := time.NewTimer(finalEventGrace)
	defer t.Stop()
	select {
	case out <- ev:
	case <-t.C:
		l.log.Warn("terminal event dropped, consumer stopped draining")
	}
}
