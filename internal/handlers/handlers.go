// Package handlers implements the C9 method handlers: initialize,
// tools/list, tools/call, prompts/list, prompts/get, resources/list,
// resources/read, resources/subscribe, resources/unsubscribe, and exit.
// tools/call here only ever runs the synchronous branch: the transport
// layer (C6/C7) inspects the registry ahead of dispatch and hands a
// streaming tools/call straight to internal/stream instead of routing it
// here, since only the transport holds the http.ResponseWriter the stream
// coordinator writes SSE frames through. Reaching toolsCall with a
// streaming tool means a caller bypassed that check.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"mcprelay/internal/plugin"
	"mcprelay/internal/prompts"
	"mcprelay/internal/registry"
	"mcprelay/internal/resources"
	"mcprelay/internal/router"
	"mcprelay/internal/rpc"
)

// DefaultProtocolVersion is returned by initialize when the client didn't
// name one.
const DefaultProtocolVersion = "2025-01-07"

// ServerInfo identifies this server in the initialize response.
type ServerInfo struct {
	Name    string
	Version string
}

// Handlers wires the registry and server identity into the C9 handler set.
type Handlers struct {
	registry  *registry.Registry
	prompts   *prompts.Manager
	resources *resources.Manager
	info      ServerInfo
	log       *slog.Logger
	exitFunc  func()
}

// Registry exposes the bound registry so the transport layer can check
// Tool.IsStreaming before deciding whether to route a tools/call through
// the router at all.
func (h *Handlers) Registry() *registry.Registry { return h.registry }

// Resources exposes the bound resource catalogue so the transport layer
// can fan out resources/updated notifications to subscribed sessions.
func (h *Handlers) Resources() *resources.Manager { return h.resources }

// New builds a Handlers bound to reg and info. exitFunc is invoked (once,
// best-effort) when an "exit" notification or request arrives; pass nil to
// no-op. The prompts and resources catalogues are seeded with the same
// example content the original server's prompts/list, prompts/get, and
// resources/list handlers build inline, plus one resource backed by the
// live tool registry so resources/read returns real data instead of a
// fixture.
func New(reg *registry.Registry, info ServerInfo, log *slog.Logger, exitFunc func()) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	if exitFunc == nil {
		exitFunc = func() {}
	}
	return &Handlers{
		registry:  reg,
		prompts:   seedPrompts(),
		resources: seedResources(reg),
		info:      info,
		log:       log,
		exitFunc:  exitFunc,
	}
}

// Register binds every C9 handler onto r.
func (h *Handlers) Register(r *router.Router) {
	r.Register("initialize", h.initialize)
	r.Register("tools/list", h.toolsList)
	r.Register("tools/call", h.toolsCall)
	r.Register("prompts/list", h.promptsList)
	r.Register("prompts/get", h.promptsGet)
	r.Register("resources/list", h.resourcesList)
	r.Register("resources/read", h.resourcesRead)
	r.Register("resources/subscribe", h.resourcesSubscribe)
	r.Register("resources/unsubscribe", h.resourcesUnsubscribe)
	r.Register("exit", h.exit)
}

// seedPrompts registers the two example prompts the original's
// prompts/list and prompts/get handlers hardcode inline
// (analyze-code, git-commit), rendering content parameterized by the
// caller's arguments instead of always returning the same fixed snippet.
func seedPrompts() *prompts.Manager {
	m := prompts.NewManager()

	m.Register(prompts.Prompt{
		Name:        "analyze-code",
		Description: "Analyze a code snippet",
		Arguments: []prompts.Argument{
			{Name: "language", Description: "programming language", Required: true},
			{Name: "code", Description: "source code to analyze", Required: true},
		},
	}, func(args map[string]any) prompts.Content {
		lang, _ := args["language"].(string)
		code, _ := args["code"].(string)
		if lang == "" {
			lang = "text"
		}
		text := fmt.Sprintf("Analyze the given %s code:\n\n```%s\n%s\n```", lang, lang, code)
		return prompts.Content{
			Description: "analyze the code to improve",
			Messages: []prompts.Message{
				{Role: "user", Content: map[string]any{"type": "text", "text": text}},
			},
		}
	})

	m.Register(prompts.Prompt{
		Name:        "git-commit",
		Description: "generate Git commit message",
		Arguments: []prompts.Argument{
			{Name: "changes", Description: "Git diff or changes description", Required: true},
		},
	}, func(args map[string]any) prompts.Content {
		changes, _ := args["changes"].(string)
		text := fmt.Sprintf("Write a Git commit message for the following changes:\n\n%s", changes)
		return prompts.Content{
			Messages: []prompts.Message{
				{Role: "user", Content: map[string]any{"type": "text", "text": text}},
			},
		}
	})

	return m
}

// seedResources registers one live resource exposing the server's tool
// catalogue as JSON, the way a deployment would back resources/list with
// real server state rather than the original's always-empty fresh
// ResourceManager.
func seedResources(reg *registry.Registry) *resources.Manager {
	m := resources.NewManager()

	m.Register(resources.Resource{
		URI:         "mcprelay://server/tools",
		Name:        "Registered tools",
		Description: "The tool catalogue this server currently exposes",
		MimeType:    "application/json",
	}, func() []resources.Content {
		tools := reg.SortedTools()
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		payload, _ := json.Marshal(map[string]any{"tools": names})
		return []resources.Content{{
			URI:      "mcprelay://server/tools",
			MimeType: "application/json",
			Text:     string(payload),
		}}
	})

	return m
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

func (h *Handlers) initialize(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	var params initializeParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	version := params.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}
	return rpc.Success(req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"logging":   map[string]any{},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true, "subscribe": true},
			"tools":     map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    h.info.Name,
			"version": h.info.Version,
		},
	})
}

func (h *Handlers) toolsList(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	tools := h.registry.SortedTools()
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		entry := map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
		}
		if len(tool.InputSchema) > 0 {
			entry["inputSchema"] = tool.InputSchema
		}
		if tool.IsStreaming {
			entry["isStreaming"] = true
		}
		out = append(out, entry)
	}
	return rpc.Success(req.ID, map[string]any{"tools": out})
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handlers) toolsCall(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, "invalid params", nil)
	}
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}

	tool, err := h.registry.Lookup(params.Name)
	if err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeMethodNotFound, err.Error(), nil)
	}
	if err := tool.Validate(args); err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error(), nil)
	}

	if tool.IsStreaming {
		return rpc.ErrorResponse(req.ID, rpc.CodeMethodNotFound, "streaming tool requires a streaming-capable connection", nil)
	}

	raw, err := h.registry.Execute(ctx, params.Name, args)
	if err != nil {
		if callErr, ok := err.(*plugin.CallError); ok {
			return rpc.ErrorResponse(req.ID, callErr.Code, callErr.Message, nil)
		}
		return rpc.ErrorResponse(req.ID, rpc.CodeInternalError, err.Error(), nil)
	}

	return rpc.Success(req.ID, normalizeResult(raw))
}

// normalizeResult implements spec.md §4.9's result-shaping rule: a result
// that already has a content array is forwarded untouched; a string or an
// object with a text field is wrapped; anything else is stringified and
// wrapped.
func normalizeResult(raw json.RawMessage) map[string]any {
	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err == nil {
		if _, hasContent := asObject["content"]; hasContent {
			return asObject
		}
		if text, ok := asObject["text"].(string); ok {
			return map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
		}
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return map[string]any{"content": []map[string]any{{"type": "text", "text": asString}}}
	}

	return map[string]any{"content": []map[string]any{{"type": "text", "text": string(raw)}}}
}

func (h *Handlers) promptsList(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	list := h.prompts.List()
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		entry := map[string]any{"name": p.Name}
		if p.Description != "" {
			entry["description"] = p.Description
		}
		if len(p.Arguments) > 0 {
			args := make([]map[string]any, 0, len(p.Arguments))
			for _, a := range p.Arguments {
				arg := map[string]any{"name": a.Name}
				if a.Description != "" {
					arg["description"] = a.Description
				}
				if a.Required {
					arg["required"] = true
				}
				args = append(args, arg)
			}
			entry["arguments"] = args
		}
		out = append(out, entry)
	}
	return rpc.Success(req.ID, map[string]any{"prompts": out})
}

type promptsGetParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handlers) promptsGet(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	var params promptsGetParams
	_ = json.Unmarshal(req.Params, &params)
	if params.Name == "" {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, "Missing 'name' parameter", nil)
	}

	content, err := h.prompts.Get(params.Name, params.Arguments)
	if err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error(), nil)
	}

	messages := make([]map[string]any, 0, len(content.Messages))
	for _, m := range content.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	result := map[string]any{"messages": messages}
	if content.Description != "" {
		result["description"] = content.Description
	}
	return rpc.Success(req.ID, result)
}

func (h *Handlers) resourcesList(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	res, templates := h.resources.List()

	resOut := make([]map[string]any, 0, len(res))
	for _, r := range res {
		entry := map[string]any{"uri": r.URI, "name": r.Name}
		if r.Description != "" {
			entry["description"] = r.Description
		}
		if r.MimeType != "" {
			entry["mimeType"] = r.MimeType
		}
		resOut = append(resOut, entry)
	}

	tmplOut := make([]map[string]any, 0, len(templates))
	for _, t := range templates {
		entry := map[string]any{"uriTemplate": t.URITemplate, "name": t.Name}
		if t.Description != "" {
			entry["description"] = t.Description
		}
		if t.MimeType != "" {
			entry["mimeType"] = t.MimeType
		}
		tmplOut = append(tmplOut, entry)
	}

	return rpc.Success(req.ID, map[string]any{"resources": resOut, "resourceTemplates": tmplOut})
}

type resourceURIParams struct {
	URI string `json:"uri"`
}

func (h *Handlers) resourcesRead(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	var params resourceURIParams
	_ = json.Unmarshal(req.Params, &params)
	if params.URI == "" {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, "Missing 'uri' parameter", nil)
	}

	contents, err := h.resources.Read(params.URI)
	if err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error(), nil)
	}

	out := make([]map[string]any, 0, len(contents))
	for _, c := range contents {
		entry := map[string]any{"uri": c.URI}
		if c.MimeType != "" {
			entry["mimeType"] = c.MimeType
		}
		if c.Text != "" {
			entry["text"] = c.Text
		}
		if len(c.Blob) > 0 {
			entry["blob"] = c.Blob
		}
		out = append(out, entry)
	}
	return rpc.Success(req.ID, map[string]any{"contents": out})
}

func (h *Handlers) resourcesSubscribe(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	var params resourceURIParams
	_ = json.Unmarshal(req.Params, &params)
	if params.URI == "" {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, "Missing 'uri' parameter", nil)
	}
	if err := h.resources.Subscribe(params.URI, sessionID); err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error(), nil)
	}
	return rpc.Success(req.ID, map[string]any{})
}

func (h *Handlers) resourcesUnsubscribe(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	var params resourceURIParams
	_ = json.Unmarshal(req.Params, &params)
	if params.URI == "" {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, "Missing 'uri' parameter", nil)
	}
	h.resources.Unsubscribe(params.URI, sessionID)
	return rpc.Success(req.ID, map[string]any{})
}

func (h *Handlers) exit(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	h.exitFunc()
	if req.IsNotification() {
		return nil
	}
	return rpc.Success(req.ID, map[string]any{})
}
