package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestRecordRequestAccumulates(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("sess-1", "search", 50*time.Millisecond, true)
	c.RecordRequest("sess-1", "search", 150*time.Millisecond, false)

	snap := c.Snapshot()
	if snap.TotalRequests != 2 || snap.SuccessRequests != 1 || snap.FailedRequests != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.SessionRequests["sess-1"] != 2 {
		t.Fatalf("SessionRequests[sess-1] = %d, want 2", snap.SessionRequests["sess-1"])
	}
	if snap.ToolRequests["search"] != 2 {
		t.Fatalf("ToolRequests[search] = %d, want 2", snap.ToolRequests["search"])
	}
	if snap.AvgDurationMs != 100 {
		t.Fatalf("AvgDurationMs = %v, want 100", snap.AvgDurationMs)
	}
}

func TestRecordSessionTracksActive(t *testing.T) {
	c := NewCollector()
	c.RecordSession(true)
	c.RecordSession(true)
	c.RecordSession(false)

	snap := c.Snapshot()
	if snap.TotalSessions != 2 {
		t.Fatalf("TotalSessions = %d, want 2", snap.TotalSessions)
	}
	if snap.ActiveSessions != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", snap.ActiveSessions)
	}
}

func TestPrometheusFormatIncludesCounters(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("sess-1", "fetch", 20*time.Millisecond, true)

	out := c.PrometheusFormat()
	for _, want := range []string{
		"mcprelay_requests_total 1",
		`mcprelay_requests_by_tool_total{tool="fetch"} 1`,
		"mcprelay_uptime_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("PrometheusFormat() missing %q in:\n%s", want, out)
		}
	}
}
