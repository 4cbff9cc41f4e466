package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"mcprelay/internal/plugin"
	"mcprelay/internal/registry"
	"mcprelay/internal/router"
	"mcprelay/internal/rpc"
)

func newTestHandlers(t *testing.T) (*Handlers, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	h := New(reg, ServerInfo{Name: "mcprelay", Version: "test"}, nil, nil)
	return h, reg
}

func TestInitializeEchoesProtocolVersion(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"protocolVersion":"2099-01-01"}`)}
	resp := h.initialize(context.Background(), req, "sess")
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != "2099-01-01" {
		t.Fatalf("protocolVersion = %v, want 2099-01-01", result["protocolVersion"])
	}
}

func TestInitializeDefaultsProtocolVersion(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`)}
	resp := h.initialize(context.Background(), req, "sess")
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != DefaultProtocolVersion {
		t.Fatalf("protocolVersion = %v, want %s", result["protocolVersion"], DefaultProtocolVersion)
	}
}

func TestToolsListOmitsEmptySchemaAndFalseStreaming(t *testing.T) {
	h, reg := newTestHandlers(t)
	reg.RegisterBuiltin("plain", "a plain tool", nil, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	req := &rpc.Request{ID: json.RawMessage(`1`)}
	resp := h.toolsList(context.Background(), req, "sess")
	tools := resp.Result.(map[string]any)["tools"].([]map[string]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v, want 1 entry", tools)
	}
	if _, ok := tools[0]["inputSchema"]; ok {
		t.Fatalf("expected inputSchema omitted for empty schema")
	}
	if _, ok := tools[0]["isStreaming"]; ok {
		t.Fatalf("expected isStreaming omitted for non-streaming tool")
	}
}

func TestToolsCallSyncExecutesAndNormalizesString(t *testing.T) {
	h, reg := newTestHandlers(t)
	reg.RegisterBuiltin("echo", "", nil, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return json.Marshal("hello")
	})

	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"name":"echo","arguments":{}}`)}
	resp := h.toolsCall(context.Background(), req, "sess")
	if resp.Error != nil {
		t.Fatalf("toolsCall() err = %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	content := result["content"].([]map[string]any)
	if content[0]["text"] != "hello" {
		t.Fatalf("text = %v, want hello", content[0]["text"])
	}
}

func TestToolsCallUnknownToolReturnsMethodNotFound(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"name":"nope","arguments":{}}`)}
	resp := h.toolsCall(context.Background(), req, "sess")
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("toolsCall() = %+v, want -32601", resp)
	}
}

func TestToolsCallPropagatesPluginCallError(t *testing.T) {
	h, reg := newTestHandlers(t)
	reg.RegisterBuiltin("failing", "", nil, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return nil, &plugin.CallError{Code: -32010, Message: "upstream exploded"}
	})

	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"name":"failing","arguments":{}}`)}
	resp := h.toolsCall(context.Background(), req, "sess")
	if resp.Error == nil || resp.Error.Code != -32010 || resp.Error.Message != "upstream exploded" {
		t.Fatalf("toolsCall() = %+v, want propagated plugin error", resp)
	}
}

func TestToolsCallOnStreamingToolIsRejectedAsSafetyNet(t *testing.T) {
	h, reg := newTestHandlers(t)
	reg.RegisterPlugin("stream_tool", "", nil, true, nil, func(ctx context.Context, args map[string]any) (plugin.Generator, error) {
		return nil, nil
	})

	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"name":"stream_tool","arguments":{}}`)}
	resp := h.toolsCall(context.Background(), req, "sess")
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("toolsCall() = %+v, want -32601 (transport should intercept streaming tools before dispatch)", resp)
	}
}

func TestRegistryExposesUnderlyingRegistry(t *testing.T) {
	h, reg := newTestHandlers(t)
	if h.Registry() != reg {
		t.Fatalf("Registry() returned a different instance than the one passed to New")
	}
}

func TestExitNotificationProducesNoResponse(t *testing.T) {
	exited := false
	reg := registry.New(nil)
	h := New(reg, ServerInfo{}, nil, func() { exited = true })
	req := &rpc.Request{Method: "exit"}
	if resp := h.exit(context.Background(), req, "sess"); resp != nil {
		t.Fatalf("exit() = %+v, want nil for notification", resp)
	}
	if !exited {
		t.Fatalf("expected exitFunc to be called")
	}
}

func TestPromptsListIncludesSeedPrompts(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`)}
	resp := h.promptsList(context.Background(), req, "sess")
	list := resp.Result.(map[string]any)["prompts"].([]map[string]any)
	if len(list) != 2 {
		t.Fatalf("prompts = %v, want 2 seed prompts", list)
	}
}

func TestPromptsGetRendersArguments(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"name":"git-commit","arguments":{"changes":"fix typo"}}`)}
	resp := h.promptsGet(context.Background(), req, "sess")
	if resp.Error != nil {
		t.Fatalf("promptsGet() err = %+v", resp.Error)
	}
	messages := resp.Result.(map[string]any)["messages"].([]map[string]any)
	content := messages[0]["content"].(map[string]any)
	if !strings.Contains(content["text"].(string), "fix typo") {
		t.Fatalf("text = %v, want it to include the changes argument", content["text"])
	}
}

func TestPromptsGetUnknownNameIsInvalidParams(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"name":"nope"}`)}
	resp := h.promptsGet(context.Background(), req, "sess")
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("promptsGet() = %+v, want -32602", resp)
	}
}

func TestResourcesListIncludesSeedResource(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`)}
	resp := h.resourcesList(context.Background(), req, "sess")
	res := resp.Result.(map[string]any)["resources"].([]map[string]any)
	if len(res) != 1 || res[0]["uri"] != "mcprelay://server/tools" {
		t.Fatalf("resources = %v, want the seeded server/tools resource", res)
	}
}

func TestResourcesReadReturnsLiveToolCatalogue(t *testing.T) {
	h, reg := newTestHandlers(t)
	reg.RegisterBuiltin("plain", "", nil, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"uri":"mcprelay://server/tools"}`)}
	resp := h.resourcesRead(context.Background(), req, "sess")
	if resp.Error != nil {
		t.Fatalf("resourcesRead() err = %+v", resp.Error)
	}
	contents := resp.Result.(map[string]any)["contents"].([]map[string]any)
	if !strings.Contains(contents[0]["text"].(string), "plain") {
		t.Fatalf("text = %v, want it to include the registered tool", contents[0]["text"])
	}
}

func TestResourcesReadUnknownURIIsInvalidParams(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"uri":"mcprelay://nope"}`)}
	resp := h.resourcesRead(context.Background(), req, "sess")
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("resourcesRead() = %+v, want -32602", resp)
	}
}

func TestResourcesSubscribeThenUnsubscribeClearsSubscriber(t *testing.T) {
	h, _ := newTestHandlers(t)
	sub := &rpc.Request{ID: json.RawMessage(`1`), Params: json.RawMessage(`{"uri":"mcprelay://server/tools"}`)}
	if resp := h.resourcesSubscribe(context.Background(), sub, "sess-1"); resp.Error != nil {
		t.Fatalf("resourcesSubscribe() err = %+v", resp.Error)
	}
	if subs := h.resources.Subscribers("mcprelay://server/tools"); len(subs) != 1 || subs[0] != "sess-1" {
		t.Fatalf("Subscribers() = %v, want [sess-1]", subs)
	}

	unsub := &rpc.Request{ID: json.RawMessage(`2`), Params: json.RawMessage(`{"uri":"mcprelay://server/tools"}`)}
	if resp := h.resourcesUnsubscribe(context.Background(), unsub, "sess-1"); resp.Error != nil {
		t.Fatalf("resourcesUnsubscribe() err = %+v", resp.Error)
	}
	if subs := h.resources.Subscribers("mcprelay://server/tools"); len(subs) != 0 {
		t.Fatalf("Subscribers() = %v, want none after unsubscribe", subs)
	}
}

func TestInitializeCapabilitiesMatchRegisteredHandlers(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := &rpc.Request{ID: json.RawMessage(`1`)}
	resp := h.initialize(context.Background(), req, "sess")
	caps := resp.Result.(map[string]any)["capabilities"].(map[string]any)
	if _, ok := caps["prompts"]; !ok {
		t.Fatalf("capabilities missing prompts despite prompts/list and prompts/get being registered")
	}
	if _, ok := caps["resources"]; !ok {
		t.Fatalf("capabilities missing resources despite resources/* being registered")
	}
}

func TestRegisterWiresAllMethods(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := router.New(nil)
	h.Register(r)

	req := &rpc.Request{Jsonrpc: rpc.Version, ID: json.RawMessage(`1`), Method: "initialize"}
	resp := r.Dispatch(context.Background(), req, "sess")
	if resp == nil || resp.Error != nil {
		t.Fatalf("Dispatch(initialize) = %+v", resp)
	}
}
