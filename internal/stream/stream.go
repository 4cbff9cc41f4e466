// Package stream implements the C10 stream coordinator: it owns generator
// lifecycle for streaming tools/call invocations, writes SSE frames back to
// the connection, caches every frame through the session cache, and handles
// reconnection by replaying cached frames ahead of resuming the live
// generator.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"mcprelay/internal/plugin"
	"mcprelay/internal/sessioncache"
)

// Starter begins a streaming tool call, yielding a generator bound to
// whichever plugin adapter registered the tool. It is satisfied by
// (*registry.Registry).StartStream.
type Starter func(ctx context.Context, name string, args map[string]any) (plugin.Generator, error)

// Coordinator is the C10 stream coordinator. One Coordinator serves every
// streaming session; generators are kept in a registry keyed by session id
// until the reaper (C11) reclaims an idle session's entry. Handle never
// frees or removes a generator itself, whether its stream ends or fails.
type Coordinator struct {
	cache *sessioncache.Cache
	start Starter
	log   *slog.Logger
	mu    sync.Mutex
	gens  map[string]plugin.Generator
}

// New builds a Coordinator. start is typically registry.(*Registry).StartStream.
func New(cache *sessioncache.Cache, start Starter, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cache: cache,
		start: start,
		log:   log,
		gens:  make(map[string]plugin.Generator),
	}
}

// snapshotLocked returns a copy of the session id → generator registry.
// Caller holds c.mu.
func (c *Coordinator) snapshotLocked() map[string]plugin.Generator {
	snap := make(map[string]plugin.Generator, len(c.gens))
	for k, v := range c.gens {
		snap[k] = v
	}
	return snap
}

// Snapshot returns a copy of the session id → generator registry, for the
// reaper to scan without holding the coordinator's lock while it consults
// the session cache or calls Free.
func (c *Coordinator) Snapshot() map[string]plugin.Generator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Remove deletes a session's registry entry, if present. It does not call
// Free; callers that want the generator released must do so separately.
func (c *Coordinator) Remove(sessionID string) {
	c.mu.Lock()
	delete(c.gens, sessionID)
	c.mu.Unlock()
}

func (c *Coordinator) put(sessionID string, gen plugin.Generator) {
	c.mu.Lock()
	c.gens[sessionID] = gen
	c.mu.Unlock()
}

func (c *Coordinator) get(sessionID string) (plugin.Generator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen, ok := c.gens[sessionID]
	return gen, ok
}

// sseFlusher is the subset of http.ResponseWriter the coordinator needs to
// write frames. Tests supply a fake.
type sseFlusher interface {
	io.Writer
	Flush()
}

// flushWriter adapts an http.ResponseWriter, tolerating writers that don't
// implement http.Flusher (the write still happens, just unbuffered at the
// net/http layer).
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) { return fw.w.Write(p) }
func (fw *flushWriter) Flush() {
	if fw.f != nil {
		fw.f.Flush()
	}
}

// Handle runs the full C10 algorithm for one tools/call invocation against
// toolName with args. requestID is the JSON-RPC request id (already
// validated by the router); sessionID is the Mcp-Session-Id the connection
// is using. lastEventID is the value of the Last-Event-ID header, empty if
// absent. acceptsSSE reports whether the client's Accept header included
// text/event-stream (the step-1 capability check).
//
// When acceptsSSE is false, Handle drains the generator to completion
// in-process and returns a single assembled JSON-RPC result instead of
// writing any SSE frames; w is not touched in that case.
func (c *Coordinator) Handle(ctx context.Context, w http.ResponseWriter, toolName string, args map[string]any, requestID json.RawMessage, sessionID, lastEventID string, acceptsSSE bool) (json.RawMessage, error) {
	if !acceptsSSE {
		return c.runSynchronous(ctx, toolName, args)
	}

	_, hasState := c.cache.GetSessionState(sessionID)
	isReconnect := lastEventID != "" && hasState

	fw := newFlushWriter(w)

	var lastEventIDNum int64
	if isReconnect {
		if n, err := parseEventID(lastEventID); err == nil {
			lastEventIDNum = n
		}
	}

	gen, startErr := c.acquireGenerator(ctx, toolName, args, sessionID, isReconnect)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Mcp-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)

	writeEvent(fw, "session_init", -1, map[string]any{
		"jsonrpc":    "2.0",
		"id":         requestID,
		"session_id": sessionID,
	})
	fw.Flush()

	if startErr != nil {
		msg := "session expired, please restart request"
		if !isReconnect {
			msg = startErr.Error()
		}
		writeEvent(fw, "error", -1, map[string]any{"code": -32000, "message": msg})
		fw.Flush()
		if !isReconnect {
			c.cache.SaveSessionState(sessioncache.State{
				SessionID:   sessionID,
				ToolName:    toolName,
				LastEventID: 0,
				IsActive:    false,
			})
		}
		return nil, startErr
	}

	if !isReconnect {
		c.cache.SaveSessionState(sessioncache.State{
			SessionID:   sessionID,
			ToolName:    toolName,
			LastEventID: 0,
			IsActive:    true,
		})
	}

	lastEventIDNum = c.replay(fw, sessionID, lastEventIDNum)

	lastEventIDNum = c.liveLoop(ctx, fw, gen, sessionID, lastEventIDNum)

	c.cache.SaveSessionState(sessioncache.State{
		SessionID:   sessionID,
		ToolName:    toolName,
		LastEventID: lastEventIDNum,
		IsActive:    false,
	})

	return nil, nil
}

// acquireGenerator implements step 4: new-stream starts fresh; reconnect
// reuses the registered generator, falling back to a fresh start if it was
// already reaped.
func (c *Coordinator) acquireGenerator(ctx context.Context, toolName string, args map[string]any, sessionID string, isReconnect bool) (plugin.Generator, error) {
	if isReconnect {
		if gen, ok := c.get(sessionID); ok {
			return gen, nil
		}
	}
	gen, err := c.start(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	c.put(sessionID, gen)
	return gen, nil
}

// runSynchronous drains a streaming tool's generator to completion without
// emitting SSE, for a client that did not accept text/event-stream. It is
// the only place a streaming tool is ever invoked without a live SSE
// connection.
func (c *Coordinator) runSynchronous(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	gen, err := c.start(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	var last json.RawMessage
	for {
		evt, err := gen.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch evt.Outcome {
		case plugin.StreamEnd:
			return last, nil
		case plugin.StreamError:
			return nil, fmt.Errorf("stream: %s", evt.Info)
		case plugin.StreamContinue:
			last = evt.Data
		}
	}
}

// replay implements step 5: write every cached frame strictly after
// lastEventID, in ascending order, advancing the session's last_event_id as
// it goes. Returns the id replay left off at.
func (c *Coordinator) replay(w sseFlusher, sessionID string, lastEventID int64) int64 {
	entries := c.cache.GetReconnectData(sessionID, lastEventID)
	for _, entry := range entries {
		lastEventID = entry.EventID
		writeRawEvent(w, "message", entry.EventID, entry.Data)
		w.Flush()
		c.cache.UpdateSessionState(sessionID, lastEventID)
	}
	return lastEventID
}

// liveLoop implements step 6: pull from the generator until end, error, or
// the request context is cancelled. Each payload is written (best-effort)
// then unconditionally cached, so a write failure never loses a frame the
// client can still recover on reconnect.
func (c *Coordinator) liveLoop(ctx context.Context, w sseFlusher, gen plugin.Generator, sessionID string, lastEventID int64) int64 {
	for {
		evt, err := gen.Next(ctx)
		if err != nil {
			writeEvent(w, "error", -1, map[string]any{"code": -32000, "message": err.Error()})
			w.Flush()
			return lastEventID
		}
		switch evt.Outcome {
		case plugin.StreamEnd:
			writeEvent(w, "complete", lastEventID, map[string]any{"message": "Stream completed"})
			w.Flush()
			return lastEventID
		case plugin.StreamError:
			writeEvent(w, "error", -1, map[string]any{"code": -32000, "message": evt.Info})
			w.Flush()
			return lastEventID
		case plugin.StreamContinue:
			lastEventID++
			writeRawEvent(w, "message", lastEventID, evt.Data)
			w.Flush()
			c.cache.CacheStreamData(sessionID, lastEventID, evt.Data)
			c.cache.UpdateSessionState(sessionID, lastEventID)
		}
		select {
		case <-ctx.Done():
			return lastEventID
		default:
		}
	}
}

func parseEventID(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// writeEvent marshals v and writes an SSE frame. id < 0 omits the id line,
// matching the "id is omitted on error frames" rule.
func writeEvent(w io.Writer, name string, id int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeRawEventID(w, name, id, data)
}

func writeRawEvent(w io.Writer, name string, id int64, data json.RawMessage) {
	writeRawEventID(w, name, id, data)
}

func writeRawEventID(w io.Writer, name string, id int64, data json.RawMessage) {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(name)
	buf.WriteByte('\n')
	if id >= 0 {
		fmt.Fprintf(&buf, "id: %d\n", id)
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	w.Write(buf.Bytes())
}
