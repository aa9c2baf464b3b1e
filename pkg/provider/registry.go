package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fitsched/calagent/pkg/mcp"
	"github.com/fitsched/calagent/pkg/models"
)

// ExcludedTools are provider tools withheld from the model. The calendar
// provider's event-update tool is too destructive to hand to an agent, and
// the clock helpers duplicate what the date/time provider already exposes.
var ExcludedTools = []string{
	"update-event",
	"get-current-time",
	"get-current-timezone",
}

// Channel is the slice of the tool channel the registry depends on.
// *mcp.Client satisfies it; tests substitute fakes.
type Channel interface {
	ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (mcp.CallResult, error)
	Close() error
}

// ChannelSource lazily opens the channel for one named provider. Open is
// called at registry initialization, never per query.
type ChannelSource struct {
	Name string
	Open func(ctx context.Context) (Channel, error)
}

// Tool is one registered provider tool bound to the channel that serves it.
type Tool struct {
	Descriptor mcp.ToolDescriptor
	Provider   string

	channel Channel
}

// Def exposes the tool in the shape the model's function-calling layer
// expects. The provider's input schema is passed through untouched.
func (t *Tool) Def() models.ToolDef {
	return models.ToolDef{
		Name:        t.Descriptor.Name,
		Description: t.Descriptor.Description,
		Parameters:  t.Descriptor.InputSchema,
	}
}

// Invoke calls the tool over its provider channel and returns the textual
// result. Provider-reported failures come back as errors carrying the
// provider's own message.
func (t *Tool) Invoke(ctx context.Context, arguments map[string]any) (string, error) {
	result, err := t.channel.CallTool(ctx, t.Descriptor.Name, arguments)
	if err != nil {
		return result.Text(), err
	}
	return result.Text(), nil
}

// Registry aggregates the tools of every configured provider behind one
// lookup surface. Initialization is lazy and guarded: concurrent callers
// share a single attempt, a successful catalog is cached for the registry's
// lifetime, and a failed attempt caches nothing so the next caller retries.
type Registry struct {
	sources []ChannelSource
	log     *slog.Logger

	mu       sync.Mutex
	tools    []*Tool
	byName   map[string]*Tool
	channels []Channel
}

// NewRegistry builds a registry over the given channel sources.
func NewRegistry(log *slog.Logger, sources []ChannelSource) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{sources: sources, log: log}
}

// Init opens every provider channel, lists and filters their tools, and
// caches the merged catalog. Any provider failing fails the whole
// initialization; channels already opened are closed before returning.
func (r *Registry) Init(ctx context.Context) ([]*Tool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tools != nil {
		return r.tools, nil
	}
	if len(r.sources) == 0 {
		return nil, fmt.Errorf("provider: no channel sources configured")
	}

	type opened struct {
		name    string
		channel Channel
		tools   []mcp.ToolDescriptor
	}
	results := make([]*opened, len(r.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		g.Go(func() error {
			ch, err := src.Open(gctx)
			if err != nil {
				return fmt.Errorf("provider %s: open channel: %w", src.Name, err)
			}
			descriptors, err := ch.ListTools(gctx)
			if err != nil {
				ch.Close()
				return fmt.Errorf("provider %s: list tools: %w", src.Name, err)
			}
			results[i] = &opened{name: src.Name, channel: ch, tools: descriptors}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, res := range results {
			if res != nil {
				res.channel.Close()
			}
		}
		return nil, err
	}

	excluded := make(map[string]bool, len(ExcludedTools))
	for _, name := range ExcludedTools {
		excluded[name] = true
	}

	var (
		tools    []*Tool
		byName   = make(map[string]*Tool)
		channels []Channel
		rawTotal int
	)
	for _, res := range results {
		channels = append(channels, res.channel)
		rawTotal += len(res.tools)
		kept := 0
		for _, desc := range res.tools {
			if excluded[desc.Name] {
				continue
			}
			if _, dup := byName[desc.Name]; dup {
				r.log.Warn("dropping duplicate tool", "tool", desc.Name, "provider", res.name)
				continue
			}
			tool := &Tool{Descriptor: desc, Provider: res.name, channel: res.channel}
			byName[desc.Name] = tool
			tools = append(tools, tool)
			kept++
		}
		r.log.Info("provider tools registered",
			"provider", res.name,
			"advertised", len(res.tools),
			"registered", kept)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Descriptor.Name < tools[j].Descriptor.Name })

	r.log.Info("tool registry ready", "advertised", rawTotal, "registered", len(tools))

	r.tools = tools
	r.byName = byName
	r.channels = channels
	return r.tools, nil
}

// Tools returns the cached catalog, initializing on first use.
func (r *Registry) Tools(ctx context.Context) ([]*Tool, error) {
	return r.Init(ctx)
}

// Defs returns the catalog as model tool definitions.
func (r *Registry) Defs(ctx context.Context) ([]models.ToolDef, error) {
	tools, err := r.Init(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]models.ToolDef, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Def())
	}
	return defs, nil
}

// Lookup finds a registered tool by name. It never triggers initialization.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	return t, ok
}

// Count reports how many tools are registered, or zero before
// initialization.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

// Close closes every provider channel and drops the cached catalog.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, ch := range r.channels {
		if err := ch.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.tools = nil
	r.byName = nil
	r.channels = nil
	return first
}

// DescribeSchema pretty-prints a tool input schema for logs and debugging.
func DescribeSchema(schema json.RawMessage) string {
	if len(schema) == 0 {
		return "{}"
	}
	var buf map[string]any
	if err := json.Unmarshal(schema, &buf); err != nil {
		return string(schema)
	}
	out, err := json.Marshal(buf)
	if err != nil {
		return string(schema)
	}
	return string(out)
}
