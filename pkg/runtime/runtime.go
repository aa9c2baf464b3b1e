// Package runtime wires the pieces together: it supervises provider
// servers, owns the tool registry, runs agent queries over it, and attaches
// a structured workout recommendation when the query asks for one. One
// Runtime serves many queries; providers are started lazily on first use.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fitsched/calagent/pkg/agent"
	"github.com/fitsched/calagent/pkg/extract"
	"github.com/fitsched/calagent/pkg/mcp"
	"github.com/fitsched/calagent/pkg/models"
	"github.com/fitsched/calagent/pkg/provider"
)

// Version is reported to providers during the handshake and by /health.
const Version = "0.1.0"

const healthInitTimeout = 15 * time.Second

// Options configure a Runtime.
type Options struct {
	// Providers describe the tool providers to launch. Ignored when
	// Registry is injected directly.
	Providers []provider.Config

	// Model drives the agent conversation. Required.
	Model models.ToolCaller

	// StructuredModel drives slot extraction. Optional; without it queries
	// never carry a workout recommendation.
	StructuredModel models.StructuredCaller

	SystemPrompt string
	MaxSteps     int
	ToolTimeout  time.Duration
	Logger       *slog.Logger

	// Registry overrides provider wiring entirely. Used by tests.
	Registry *provider.Registry
}

// Result is the outcome of one query.
type Result struct {
	Answer string                   `json:"answer"`
	Slot   *extract.WorkoutTimeSlot `json:"workout_slot,omitempty"`
}

// Health is the orchestrator's self-assessment.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	ToolCount int    `json:"mcp_tools_count"`
	Error     string `json:"error,omitempty"`
}

// Runtime is the long-lived orchestrator.
type Runtime struct {
	log       *slog.Logger
	sup       *provider.Supervisor
	registry  *provider.Registry
	model     models.ToolCaller
	extractor *extract.Extractor

	system      string
	maxSteps    int
	toolTimeout time.Duration

	mu    sync.Mutex
	procs []*provider.Process
}

// New validates the options and builds a Runtime. Nothing is spawned here;
// the first query or health check triggers provider startup.
func New(opts Options) (*Runtime, error) {
	if opts.Model == nil {
		return nil, errors.New("runtime: model is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	rt := &Runtime{
		log:         log,
		sup:         provider.NewSupervisor(log),
		model:       opts.Model,
		system:      opts.SystemPrompt,
		maxSteps:    opts.MaxSteps,
		toolTimeout: opts.ToolTimeout,
	}

	if opts.StructuredModel != nil {
		ex, err := extract.New(opts.StructuredModel, log)
		if err != nil {
			return nil, err
		}
		rt.extractor = ex
	}

	if opts.Registry != nil {
		rt.registry = opts.Registry
		return rt, nil
	}

	if len(opts.Providers) == 0 {
		return nil, errors.New("runtime: no providers configured")
	}
	sources := make([]provider.ChannelSource, 0, len(opts.Providers))
	for _, cfg := range opts.Providers {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		sources = append(sources, provider.ChannelSource{
			Name: cfg.Name,
			Open: rt.opener(cfg),
		})
	}
	rt.registry = provider.NewRegistry(log, sources)
	return rt, nil
}

// opener builds the channel-open hook for one provider: ensure its server
// answers first when it has one, then spawn the stdio channel process and
// complete the handshake.
func (rt *Runtime) opener(cfg provider.Config) func(ctx context.Context) (provider.Channel, error) {
	return func(ctx context.Context) (provider.Channel, error) {
		if cfg.Server != nil {
			proc, err := rt.sup.EnsureRunning(ctx, cfg.Name, cfg.Server)
			if err != nil {
				return nil, err
			}
			rt.mu.Lock()
			rt.procs = append(rt.procs, proc)
			rt.mu.Unlock()
		}

		return mcp.ConnectStdio(ctx, mcp.StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Dir:     cfg.Dir,
			Env:     provider.EnvSlice(cfg.Env, ""),
			Options: mcp.Options{
				ClientInfo: mcp.ClientInfo{Name: "calagent", Version: Version},
			},
		})
	}
}

func (rt *Runtime) loop(ctx context.Context) (*agent.Loop, error) {
	tools, err := rt.registry.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: tool registry: %w", err)
	}
	agentTools := make([]agent.Tool, 0, len(tools))
	for _, t := range tools {
		agentTools = append(agentTools, t)
	}
	return agent.New(agent.Options{
		Model:        rt.model,
		Tools:        agentTools,
		SystemPrompt: rt.system,
		MaxSteps:     rt.maxSteps,
		ToolTimeout:  rt.toolTimeout,
		Logger:       rt.log,
	})
}

// Query runs one query to completion and, for workout-planning queries,
// attaches a structured time slot extracted from the answer.
func (rt *Runtime) Query(ctx context.Context, query string) (Result, error) {
	loop, err := rt.loop(ctx)
	if err != nil {
		return Result{}, err
	}

	answer, err := loop.Collect(ctx, query)
	if err != nil {
		return Result{}, err
	}

	return Result{Answer: answer, Slot: rt.SlotFor(ctx, query, answer)}, nil
}

// QueryStream starts one query and returns its live event stream. The slot,
// when the query warrants one, is the caller's business via SlotFor once
// the final answer has arrived.
func (rt *Runtime) QueryStream(ctx context.Context, query string) (<-chan agent.Event, error) {
	loop, err := rt.loop(ctx)
	if err != nil {
		return nil, err
	}
	return loop.Run(ctx, query), nil
}

// SlotFor applies the extraction policy: only workout-planning queries get
// a slot, one retry with a rephrased request is allowed, and when both
// attempts fail the fixed fallback slot is returned rather than nothing.
func (rt *Runtime) SlotFor(ctx context.Context, query, answer string) *extract.WorkoutTimeSlot {
	if rt.extractor == nil || !extract.WantsWorkoutPlan(query) {
		return nil
	}

	slot, err := rt.extractor.Extract(ctx, answer)
	if err == nil {
		return &slot
	}
	rt.log.Warn("slot extraction failed, retrying rephrased", "error", err)

	slot, err = rt.extractor.ExtractRephrased(ctx, answer)
	if err == nil {
		return &slot
	}
	rt.log.Warn("slot extraction failed twice, using fallback", "error", err)

	fallback := extract.FallbackSlot()
	return &fallback
}

// CheckHealth reports whether the tool registry can serve queries. A
// failing registry degrades the report instead of erroring; the next check
// retries initialization from scratch.
func (rt *Runtime) CheckHealth(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthInitTimeout)
	defer cancel()

	tools, err := rt.registry.Tools(ctx)
	if err != nil {
		rt.log.Warn("health check found registry unavailable", "error", err)
		return Health{Status: "degraded", Version: Version, Error: err.Error()}
	}
	return Health{Status: "healthy", Version: Version, ToolCount: len(tools)}
}

// Close tears down provider channels and terminates every server this
// runtime started. Servers that were already running are left alone.
func (rt *Runtime) Close() error {
	err := rt.registry.Close()

	rt.mu.Lock()
	procs := rt.procs
	rt.procs = nil
	rt.mu.Unlock()

	for _, proc := range procs {
		rt.sup.Shutdown(proc)
	}
	return err
}
