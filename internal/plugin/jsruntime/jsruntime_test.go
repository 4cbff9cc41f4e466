package jsruntime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mcprelay/internal/plugin"
)

const testPluginSource = `
function get_tools() {
	return [{name: "add", description: "adds two numbers", parameters: {}, is_streaming: false}];
}
function call_tool(name, argsJSON) {
	var args = JSON.parse(argsJSON);
	return JSON.stringify({sum: args.a + args.b});
}
function stream_start(name, argsJSON) {
	return {i: 0};
}
function stream_next(handle) {
	handle.i++;
	if (handle.i > 2) {
		return {status: "end"};
	}
	return {status: "continue", data: {i: handle.i}};
}
function stream_free(handle) {
	return null;
}
__plugin = {get_tools: get_tools, call_tool: call_tool, stream_start: stream_start, stream_next: stream_next, stream_free: stream_free};
`

func loadTestProvider(t *testing.T) *Provider {
	t.Helper()
	dir := t.TempDir()
	entry := filepath.Join(dir, "plugin.js")
	if err := os.WriteFile(entry, []byte(testPluginSource), 0o644); err != nil {
		t.Fatalf("write test plugin: %v", err)
	}
	p, err := Load("test-plugin", entry)
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	return p
}

func TestToolsListing(t *testing.T) {
	p := loadTestProvider(t)
	tools, err := p.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() err = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "add" {
		t.Fatalf("Tools() = %+v", tools)
	}
}

func TestCallTool(t *testing.T) {
	p := loadTestProvider(t)
	out, callErr := p.CallTool(context.Background(), "add", []byte(`{"a":2,"b":3}`))
	if callErr != nil {
		t.Fatalf("CallTool() err = %v", callErr)
	}
	if string(out) != `{"sum":5}` {
		t.Fatalf("CallTool() = %s, want {\"sum\":5}", out)
	}
}

func TestStreamLifecycle(t *testing.T) {
	p := loadTestProvider(t)
	handle, callErr := p.StartStream(context.Background(), "add", []byte(`{}`))
	if callErr != nil {
		t.Fatalf("StartStream() err = %v", callErr)
	}

	var seen []int
	for {
		ev, err := p.Next(context.Background(), handle)
		if err != nil {
			t.Fatalf("Next() err = %v", err)
		}
		if ev.Outcome == plugin.StreamEnd {
			break
		}
		if ev.Outcome == plugin.StreamError {
			t.Fatalf("Next() reported error: %s", ev.Info)
		}
		seen = append(seen, len(seen))
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 continue events, got %d", len(seen))
	}

	if err := p.Free(handle); err != nil {
		t.Fatalf("Free() err = %v", err)
	}
	// Free is idempotent.
	if err := p.Free(handle); err != nil {
		t.Fatalf("second Free() err = %v", err)
	}
}
