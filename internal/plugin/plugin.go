// Package plugin defines the C5 plugin adapter capability interface: the
// boundary between the MCP core and an external tool provider. Replacement,
// loading, and language-runtime isolation are left to concrete providers
// (see the jsruntime and process subpackages).
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
)

// Descriptor is a tool as advertised by a plugin, before registration.
type Descriptor struct {
	Name           string
	Description    string
	ParametersJSON json.RawMessage // raw JSON-Schema text, parsed by the registry
	IsStreaming    bool
}

// CallError is the (code, message) shape a plugin reports instead of a
// success payload.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string { return fmt.Sprintf("plugin error %d: %s", e.Code, e.Message) }

// Handle is an opaque, non-nil reference to a generator owned by a
// provider. Handles are not thread-safe: callers must serialize access to
// Next/Free on a given handle.
type Handle any

// StreamOutcome is the tri-state result of Next.
type StreamOutcome int

const (
	// StreamContinue carries a Data payload; more may follow.
	StreamContinue StreamOutcome = iota
	// StreamEnd means the generator is exhausted; no further Next calls
	// are valid without a Free/restart.
	StreamEnd
	// StreamError means the generator reported a terminal error; Info
	// carries the message.
	StreamError
)

// StreamEvent is the result of a single Next call.
type StreamEvent struct {
	Outcome StreamOutcome
	Data    json.RawMessage
	Info    string
}

// Provider is the capability interface every plugin adapter implements.
type Provider interface {
	// Name identifies this provider instance for logging.
	Name() string

	// Tools lists the tools this provider offers. Called once at load
	// time by the registry.
	Tools(ctx context.Context) ([]Descriptor, error)

	// CallTool invokes a synchronous tool. argsJSON is the raw call
	// arguments. On success it returns the result payload; on failure a
	// *CallError.
	CallTool(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, *CallError)

	// StartStream begins a streaming tool call and returns a handle
	// owned by this provider. The caller is responsible for calling Free
	// exactly once.
	StartStream(ctx context.Context, name string, argsJSON json.RawMessage) (Handle, *CallError)

	// Next advances a generator by one step. Not safe for concurrent use
	// on the same handle; the caller (the stream coordinator) serializes
	// access.
	Next(ctx context.Context, h Handle) (StreamEvent, error)

	// Free releases a generator. Must be called exactly once per handle
	// returned by StartStream. Safe to call after StreamEnd/StreamError
	// has already been observed.
	Free(h Handle) error
}

// Generator is a single bound generator: a provider and the handle it
// returned from StartStream, captured together so the caller never needs
// to thread the (provider, handle) pair through unrelated code. The free
// function is fixed at bind time, per the "free pointer captured at
// registration" rule.
type Generator interface {
	Next(ctx context.Context) (StreamEvent, error)
	Free() error
}

// BindGenerator closes a (Provider, Handle) pair into a Generator. Free is
// idempotent only insofar as the underlying provider's Free is idempotent.
func BindGenerator(p Provider, h Handle) Generator {
	return &boundGenerator{provider: p, handle: h}
}

type boundGenerator struct {
	provider Provider
	handle   Handle
}

func (g *boundGenerator) Next(ctx context.Context) (StreamEvent, error) {
	return g.provider.Next(ctx, g.handle)
}

func (g *boundGenerator) Free() error {
	return g.provider.Free(g.handle)
}
