package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	logger, err := NewLogger(dbPath)
	if err != nil {
		t.Fatalf("NewLogger() err = %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestLogToolCallAndQuery(t *testing.T) {
	logger := newTestLogger(t)

	logger.LogToolCall(context.Background(), "sess-1", "search", map[string]interface{}{"q": "go"}, 42*time.Millisecond, 200, true, "", "127.0.0.1", 128, 512)
	if err := logger.Flush(); err != nil {
		t.Fatalf("Flush() err = %v", err)
	}

	events, err := logger.Query(QueryOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Query() err = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	got := events[0]
	if got.ToolName != "search" || !got.Success || got.Arguments["q"] != "go" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestLogSessionEventFailure(t *testing.T) {
	logger := newTestLogger(t)

	logger.LogSessionEvent("sess-2", "session_close", "generator crashed", "10.0.0.1")
	if err := logger.Flush(); err != nil {
		t.Fatalf("Flush() err = %v", err)
	}

	events, err := logger.Query(QueryOptions{SessionID: "sess-2", EventType: "session_close"})
	if err != nil {
		t.Fatalf("Query() err = %v", err)
	}
	if len(events) != 1 || events[0].Success {
		t.Fatalf("expected one failed session_close event, got %+v", events)
	}
}

func TestGetStatsAggregatesToolCalls(t *testing.T) {
	logger := newTestLogger(t)

	logger.LogToolCall(context.Background(), "sess-1", "search", nil, 10*time.Millisecond, 200, true, "", "", 10, 20)
	logger.LogToolCall(context.Background(), "sess-1", "search", nil, 20*time.Millisecond, 500, false, "boom", "", 10, 0)
	if err := logger.Flush(); err != nil {
		t.Fatalf("Flush() err = %v", err)
	}

	stats, err := logger.GetStats(time.Time{})
	if err != nil {
		t.Fatalf("GetStats() err = %v", err)
	}
	if stats.TotalRequests != 2 || stats.SuccessfulRequests != 1 || stats.FailedRequests != 1 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if len(stats.TopTools) != 1 || stats.TopTools[0].Name != "search" || stats.TopTools[0].Calls != 2 {
		t.Fatalf("unexpected top tools: %+v", stats.TopTools)
	}
}

func TestEventHubPublishesLive(t *testing.T) {
	logger := newTestLogger(t)

	id, ch := logger.EventHub().Subscribe()
	defer logger.EventHub().Unsubscribe(id)

	logger.LogToolCall(context.Background(), "sess-3", "fetch", nil, 0, 200, true, "", "", 0, 0)

	select {
	case ev := <-ch:
		if ev.ToolName != "fetch" {
			t.Fatalf("ToolName = %q, want fetch", ev.ToolName)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for published event")
	}
}

func TestFlushIsNoOpWhenBufferEmpty(t *testing.T) {
	logger := newTestLogger(t)
	if err := logger.Flush(); err != nil {
		t.Fatalf("Flush() on empty buffer err = %v", err)
	}
}
