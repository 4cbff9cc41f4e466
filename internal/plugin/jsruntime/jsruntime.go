// Package jsruntime implements an in-process plugin.Provider that hosts a
// plugin's tools inside a sandboxed goja JavaScript VM. The plugin's entry
// point (TypeScript or JavaScript) is bundled with esbuild and must export
// get_tools, call_tool, stream_start, stream_next, and stream_free, matching the
// capability functions of the plugin adapter interface.
package jsruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"

	"mcprelay/internal/plugin"
)

// Provider hosts one plugin's tools in a single goja VM. A VM is not
// thread-safe, so every entry point is serialized through mu — the stream
// coordinator already serializes access to a given stream's handle, but
// call_tool and get_tools share the same VM and must be serialized too.
type Provider struct {
	name   string
	source string // bundled JS, ready to run

	mu      sync.Mutex
	vm      *goja.Runtime
	handles map[int64]goja.Value
	nextID  int64
}

// Load bundles entryPoint with esbuild and prepares a Provider named name.
// The VM itself is created lazily on first use so a bad bundle surfaces at
// load time without needing a running VM.
func Load(name, entryPoint string) (*Provider, error) {
	js, err := transpileAndBundle(entryPoint)
	if err != nil {
		return nil, fmt.Errorf("jsruntime: bundle %s: %w", entryPoint, err)
	}
	return &Provider{name: name, source: js, handles: make(map[int64]goja.Value)}, nil
}

func transpileAndBundle(entryPoint string) (string, error) {
	result := api.Build(api.BuildOptions{
		EntryPoints: []string{entryPoint},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatIIFE,
		Target:      api.ES2020,
		Platform:    api.PlatformNeutral,
		LogLevel:    api.LogLevelSilent,
		GlobalName:  "__plugin",
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("build errors: %s", strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("no output from esbuild")
	}
	return string(result.OutputFiles[0].Contents), nil
}

func (p *Provider) Name() string { return p.name }

// ensureVM lazily creates and runs the bundle once. Caller holds p.mu.
func (p *Provider) ensureVM() (*goja.Runtime, error) {
	if p.vm != nil {
		return p.vm, nil
	}
	vm := goja.New()
	registerConsole(vm)
	if _, err := vm.RunString(p.source); err != nil {
		return nil, fmt.Errorf("jsruntime: run bundle: %w", err)
	}
	p.vm = vm
	return vm, nil
}

func registerConsole(vm *goja.Runtime) {
	console := vm.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	console.Set("log", noop)
	console.Set("warn", noop)
	console.Set("error", noop)
	vm.Set("console", console)
}

func (p *Provider) globalFunc(vm *goja.Runtime, name string) (goja.Callable, error) {
	exports := vm.Get("__plugin")
	if exports == nil || goja.IsUndefined(exports) {
		return nil, fmt.Errorf("jsruntime: bundle did not export a global object")
	}
	obj := exports.ToObject(vm)
	fn, ok := goja.AssertFunction(obj.Get(name))
	if !ok {
		return nil, fmt.Errorf("jsruntime: bundle does not export %s", name)
	}
	return fn, nil
}

// Tools calls the bundle's get_tools() and converts its result into
// descriptors.
func (p *Provider) Tools(ctx context.Context) ([]plugin.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm, err := p.ensureVM()
	if err != nil {
		return nil, err
	}
	getTools, err := p.globalFunc(vm, "get_tools")
	if err != nil {
		return nil, err
	}
	result, err := getTools(goja.Undefined())
	if err != nil {
		return nil, fmt.Errorf("jsruntime: get_tools: %w", err)
	}

	raw, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("jsruntime: encode get_tools result: %w", err)
	}
	var entries []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
		IsStreaming bool            `json:"is_streaming"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("jsruntime: decode get_tools result: %w", err)
	}

	descriptors := make([]plugin.Descriptor, 0, len(entries))
	for _, e := range entries {
		descriptors = append(descriptors, plugin.Descriptor{
			Name:           e.Name,
			Description:    e.Description,
			ParametersJSON: e.Parameters,
			IsStreaming:    e.IsStreaming,
		})
	}
	return descriptors, nil
}

// CallTool calls the bundle's call_tool(name, argsJSON).
func (p *Provider) CallTool(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, *plugin.CallError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm, err := p.ensureVM()
	if err != nil {
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}
	callTool, err := p.globalFunc(vm, "call_tool")
	if err != nil {
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}

	result, err := callTool(goja.Undefined(), vm.ToValue(name), vm.ToValue(string(argsJSON)))
	if err != nil {
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}

	payload := result.String()
	if !json.Valid([]byte(payload)) {
		return nil, &plugin.CallError{Code: -32603, Message: "plugin returned non-JSON payload"}
	}
	return json.RawMessage(payload), nil
}

// StartStream calls the bundle's stream_start(name, argsJSON) and retains
// the returned handle value under a Go-side integer id, since goja.Value is
// not safely comparable across VM garbage collection cycles for map keys.
func (p *Provider) StartStream(ctx context.Context, name string, argsJSON json.RawMessage) (plugin.Handle, *plugin.CallError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm, err := p.ensureVM()
	if err != nil {
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}
	start, err := p.globalFunc(vm, "stream_start")
	if err != nil {
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}

	result, err := start(goja.Undefined(), vm.ToValue(name), vm.ToValue(string(argsJSON)))
	if err != nil {
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}

	id := p.nextID
	p.nextID++
	p.handles[id] = result
	return id, nil
}

// Next calls the bundle's stream_next(handle).
func (p *Provider) Next(ctx context.Context, h plugin.Handle) (plugin.StreamEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := h.(int64)
	if !ok {
		return plugin.StreamEvent{}, fmt.Errorf("jsruntime: invalid handle type %T", h)
	}
	jsHandle, ok := p.handles[id]
	if !ok {
		return plugin.StreamEvent{}, fmt.Errorf("jsruntime: handle already freed")
	}

	next, err := p.globalFunc(p.vm, "stream_next")
	if err != nil {
		return plugin.StreamEvent{}, err
	}
	result, err := next(goja.Undefined(), jsHandle)
	if err != nil {
		return plugin.StreamEvent{Outcome: plugin.StreamError, Info: err.Error()}, nil
	}

	raw, err := json.Marshal(result.Export())
	if err != nil {
		return plugin.StreamEvent{}, fmt.Errorf("jsruntime: encode stream_next result: %w", err)
	}
	var decoded struct {
		Status string          `json:"status"` // "continue" | "end" | "error"
		Data   json.RawMessage `json:"data"`
		Info   string          `json:"info"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return plugin.StreamEvent{}, fmt.Errorf("jsruntime: decode stream_next result: %w", err)
	}

	switch decoded.Status {
	case "end":
		return plugin.StreamEvent{Outcome: plugin.StreamEnd}, nil
	case "error":
		return plugin.StreamEvent{Outcome: plugin.StreamError, Info: decoded.Info}, nil
	default:
		return plugin.StreamEvent{Outcome: plugin.StreamContinue, Data: decoded.Data}, nil
	}
}

// Free calls the bundle's stream_free(handle) and drops the Go-side entry.
// Safe to call once; a second call on an already-freed handle is a no-op.
func (p *Provider) Free(h plugin.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := h.(int64)
	if !ok {
		return fmt.Errorf("jsruntime: invalid handle type %T", h)
	}
	jsHandle, ok := p.handles[id]
	if !ok {
		return nil
	}
	delete(p.handles, id)

	free, err := p.globalFunc(p.vm, "stream_free")
	if err != nil {
		return err
	}
	_, err = free(goja.Undefined(), jsHandle)
	return err
}
