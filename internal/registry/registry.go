// Package registry implements the MCP tool registry (C4): a name-keyed
// table of tool descriptors paired with their executor capability, either
// synchronous or streaming.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"mcprelay/internal/plugin"
)

// SyncExecutor runs a tool synchronously and returns its result as raw JSON,
// or an error.
type SyncExecutor func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// StreamStarter begins a streaming tool call and returns a generator bound
// to the plugin adapter that registered it; Next/Free are only ever called
// through that binding.
type StreamStarter func(ctx context.Context, args map[string]any) (plugin.Generator, error)

// Tool is a registered tool: its descriptor plus exactly one executor
// capability.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	IsStreaming bool

	validator *jsonschema.Schema
	sync      SyncExecutor
	stream    StreamStarter
}

// ErrUnknownTool is wrapped with the offending name and (when available) a
// nearest-match suggestion.
type ErrUnknownTool struct {
	Name       string
	Suggestion string
}

func (e *ErrUnknownTool) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown tool %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ErrWrongExecutorKind is returned when Execute is called on a streaming
// tool, or StartStream on a synchronous one.
var ErrWrongExecutorKind = fmt.Errorf("registry: tool does not support this call shape")

// Registry is the C4 tool registry. Safe for concurrent use: writes are
// expected at startup, reads happen concurrently thereafter.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	log   *slog.Logger
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{tools: make(map[string]*Tool), log: log}
}

// RegisterBuiltin registers a synchronous tool implemented in-process.
// Overwrites any existing tool of the same name, with a warning.
func (r *Registry) RegisterBuiltin(name, description string, schema map[string]any, exec SyncExecutor) error {
	validator, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("registry: compile schema for %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.log.Warn("registry: overwriting existing tool", "tool", name)
	}
	r.tools[name] = &Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		validator:   validator,
		sync:        exec,
	}
	return nil
}

// RegisterPlugin registers a tool sourced from a plugin. schemaJSON is the
// plugin-provided parameter schema text; a parse failure leaves the
// registry unchanged and is logged, not returned as a fatal error — a
// misbehaving plugin must not block the rest of the registry from loading.
func (r *Registry) RegisterPlugin(name, description string, schemaJSON []byte, isStreaming bool, sync SyncExecutor, stream StreamStarter) {
	var schema map[string]any
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			r.log.Warn("registry: plugin tool schema is not valid JSON, skipping registration", "tool", name, "error", err)
			return
		}
	}
	validator, err := compileSchema(schema)
	if err != nil {
		r.log.Warn("registry: plugin tool schema failed to compile, skipping registration", "tool", name, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.log.Warn("registry: overwriting existing tool", "tool", name)
	}
	r.tools[name] = &Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		IsStreaming: isStreaming,
		validator:   validator,
		sync:        sync,
		stream:      stream,
	}
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// Lookup returns the tool registered under name, or an *ErrUnknownTool
// as the returned error itself, carrying a levenshtein-nearest suggestion
// when one is close enough to be useful.
func (r *Registry) Lookup(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if ok {
		return tool, nil
	}
	return nil, &ErrUnknownTool{Name: name, Suggestion: r.nearestLocked(name)}
}

// nearestLocked finds the registered tool name with the smallest
// levenshtein distance to name, if any is within a useful threshold.
// Caller holds r.mu (read or write).
func (r *Registry) nearestLocked(name string) string {
	const maxUsefulDistance = 4
	best := ""
	bestDist := maxUsefulDistance + 1
	for candidate := range r.tools {
		d := levenshtein.ComputeDistance(name, candidate)
		if d < bestDist {
			bestDist = d
			best = candidate
		}
	}
	if bestDist > maxUsefulDistance {
		return ""
	}
	return best
}

// Validate runs the tool's input schema validator against args, if one was
// compiled for it. A tool with no schema accepts anything.
func (t *Tool) Validate(args map[string]any) error {
	if t.validator == nil {
		return nil
	}
	return t.validator.Validate(args)
}

// Execute invokes the tool's synchronous executor. Calling it on a
// streaming-only tool returns ErrWrongExecutorKind.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	tool, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if tool.sync == nil {
		return nil, ErrWrongExecutorKind
	}
	return tool.sync(ctx, args)
}

// StartStream invokes the tool's streaming starter. Calling it on a
// synchronous-only tool returns ErrWrongExecutorKind.
func (r *Registry) StartStream(ctx context.Context, name string, args map[string]any) (plugin.Generator, error) {
	tool, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if tool.stream == nil {
		return nil, ErrWrongExecutorKind
	}
	return tool.stream(ctx, args)
}

// SortedTools returns a name-ordered snapshot of all registered tools.
func (r *Registry) SortedTools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// AllToolNames returns a sorted snapshot of registered tool names.
func (r *Registry) AllToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
