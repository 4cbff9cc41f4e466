// Package metrics collects request/connection/duration counters for
// Prometheus-style text export and JSON snapshots.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector accumulates request, session, and latency counters.
type Collector struct {
	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	totalSessions   atomic.Int64
	activeSessions  atomic.Int64

	sessionRequests map[string]*atomic.Int64
	sessionMu       sync.RWMutex

	toolRequests map[string]*atomic.Int64
	toolMu       sync.RWMutex

	durationBuckets map[float64]*atomic.Int64 // milliseconds
	durationSum     atomic.Int64
	durationCount   atomic.Int64
	durationMu      sync.RWMutex

	startTime time.Time
}

// NewCollector creates an empty Collector with its start time set to now.
func NewCollector() *Collector {
	return &Collector{
		sessionRequests: make(map[string]*atomic.Int64),
		toolRequests:    make(map[string]*atomic.Int64),
		durationBuckets: initDurationBuckets(),
		startTime:       time.Now(),
	}
}

func initDurationBuckets() map[float64]*atomic.Int64 {
	buckets := []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	m := make(map[float64]*atomic.Int64)
	for _, b := range buckets {
		m[b] = &atomic.Int64{}
	}
	return m
}

// RecordRequest records one tools/call completion for sessionID and tool.
func (c *Collector) RecordRequest(sessionID, tool string, duration time.Duration, success bool) {
	c.totalRequests.Add(1)
	if success {
		c.successRequests.Add(1)
	} else {
		c.failedRequests.Add(1)
	}

	c.sessionMu.Lock()
	if _, ok := c.sessionRequests[sessionID]; !ok {
		c.sessionRequests[sessionID] = &atomic.Int64{}
	}
	c.sessionRequests[sessionID].Add(1)
	c.sessionMu.Unlock()

	c.toolMu.Lock()
	if _, ok := c.toolRequests[tool]; !ok {
		c.toolRequests[tool] = &atomic.Int64{}
	}
	c.toolRequests[tool].Add(1)
	c.toolMu.Unlock()

	durationMs := float64(duration.Milliseconds())
	c.durationSum.Add(duration.Milliseconds())
	c.durationCount.Add(1)

	c.durationMu.RLock()
	for bucket, counter := range c.durationBuckets {
		if durationMs <= bucket {
			counter.Add(1)
		}
	}
	c.durationMu.RUnlock()
}

// RecordSession records a session open (connected=true) or close.
func (c *Collector) RecordSession(connected bool) {
	if connected {
		c.totalSessions.Add(1)
		c.activeSessions.Add(1)
	} else {
		c.activeSessions.Add(-1)
	}
}

// PrometheusFormat renders the collector's state in Prometheus text
// exposition format.
func (c *Collector) PrometheusFormat() string {
	var b strings.Builder

	writeCounter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, value)
	}
	writeGauge := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, value)
	}

	writeCounter("mcprelay_requests_total", "Total number of tools/call requests", c.totalRequests.Load())
	writeCounter("mcprelay_requests_success_total", "Total number of successful requests", c.successRequests.Load())
	writeCounter("mcprelay_requests_failed_total", "Total number of failed requests", c.failedRequests.Load())

	fmt.Fprintf(&b, "# HELP mcprelay_requests_by_session_total Total number of requests per session\n# TYPE mcprelay_requests_by_session_total counter\n")
	c.sessionMu.RLock()
	for session, counter := range c.sessionRequests {
		fmt.Fprintf(&b, "mcprelay_requests_by_session_total{session=\"%s\"} %d\n", session, counter.Load())
	}
	c.sessionMu.RUnlock()
	b.WriteString("\n")

	fmt.Fprintf(&b, "# HELP mcprelay_requests_by_tool_total Total number of requests per tool\n# TYPE mcprelay_requests_by_tool_total counter\n")
	c.toolMu.RLock()
	for tool, counter := range c.toolRequests {
		fmt.Fprintf(&b, "mcprelay_requests_by_tool_total{tool=\"%s\"} %d\n", tool, counter.Load())
	}
	c.toolMu.RUnlock()
	b.WriteString("\n")

	writeGauge("mcprelay_sessions_active", "Number of active MCP sessions", c.activeSessions.Load())
	writeCounter("mcprelay_sessions_total", "Total number of MCP sessions opened", c.totalSessions.Load())

	fmt.Fprintf(&b, "# HELP mcprelay_request_duration_milliseconds Request duration in milliseconds\n# TYPE mcprelay_request_duration_milliseconds histogram\n")
	c.durationMu.RLock()
	// RecordRequest already counts a request in every bucket at or above its
	// duration, so each counter is the cumulative value Prometheus expects.
	for _, bucket := range []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} {
		if counter, ok := c.durationBuckets[bucket]; ok {
			fmt.Fprintf(&b, "mcprelay_request_duration_milliseconds_bucket{le=\"%.0f\"} %d\n", bucket, counter.Load())
		}
	}
	c.durationMu.RUnlock()
	fmt.Fprintf(&b, "mcprelay_request_duration_milliseconds_bucket{le=\"+Inf\"} %d\n", c.durationCount.Load())
	fmt.Fprintf(&b, "mcprelay_request_duration_milliseconds_sum %d\n", c.durationSum.Load())
	fmt.Fprintf(&b, "mcprelay_request_duration_milliseconds_count %d\n\n", c.durationCount.Load())

	uptime := time.Since(c.startTime).Seconds()
	writeCounter("mcprelay_uptime_seconds", "Uptime in seconds", int64(uptime))

	return b.String()
}

// Snapshot is a point-in-time JSON-friendly view of the collector's state.
type Snapshot struct {
	TotalRequests   int64            `json:"total_requests"`
	SuccessRequests int64            `json:"success_requests"`
	FailedRequests  int64            `json:"failed_requests"`
	ActiveSessions  int64            `json:"active_sessions"`
	TotalSessions   int64            `json:"total_sessions"`
	AvgDurationMs   float64          `json:"avg_duration_ms"`
	SessionRequests map[string]int64 `json:"session_requests"`
	ToolRequests    map[string]int64 `json:"tool_requests"`
	UptimeSeconds   float64          `json:"uptime_seconds"`
}

// Snapshot returns a copy of the collector's current counters.
func (c *Collector) Snapshot() *Snapshot {
	snap := &Snapshot{
		TotalRequests:   c.totalRequests.Load(),
		SuccessRequests: c.successRequests.Load(),
		FailedRequests:  c.failedRequests.Load(),
		ActiveSessions:  c.activeSessions.Load(),
		TotalSessions:   c.totalSessions.Load(),
		SessionRequests: make(map[string]int64),
		ToolRequests:    make(map[string]int64),
		UptimeSeconds:   time.Since(c.startTime).Seconds(),
	}

	if c.durationCount.Load() > 0 {
		snap.AvgDurationMs = float64(c.durationSum.Load()) / float64(c.durationCount.Load())
	}

	c.sessionMu.RLock()
	for session, counter := range c.sessionRequests {
		snap.SessionRequests[session] = counter.Load()
	}
	c.sessionMu.RUnlock()

	c.toolMu.RLock()
	for tool, counter := range c.toolRequests {
		snap.ToolRequests[tool] = counter.Load()
	}
	c.toolMu.RUnlock()

	return snap
}
