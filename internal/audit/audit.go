// Package audit persists tool-call history to SQLite and fans it out to
// live subscribers (e.g. an admin dashboard) via Hub.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ToolCallEvent is one audit log entry: a tool invocation, a session
// lifecycle transition, or an error.
type ToolCallEvent struct {
	ID           int64                  `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	SessionID    string                 `json:"session_id"`
	EventType    string                 `json:"event_type"` // "tool_call", "session_init", "session_close", "error"
	ToolName     string                 `json:"tool_name,omitempty"`
	Arguments    map[string]interface{} `json:"arguments,omitempty"`
	DurationMs   int64                  `json:"duration_ms,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMsg     string                 `json:"error_msg,omitempty"`
	ClientAddr   string                 `json:"client_addr,omitempty"`
	RequestSize  int64                  `json:"request_size,omitempty"`
	ResponseSize int64                  `json:"response_size,omitempty"`
}

// Logger persists ToolCallEvents to SQLite in batches and republishes them
// to live subscribers through Hub.
type Logger struct {
	db          *sql.DB
	mu          sync.Mutex
	batchSize   int
	flushTicker *time.Ticker
	buffer      []ToolCallEvent
	bufferMu    sync.Mutex
	hub         *GenericHub[ToolCallEvent]
}

// NewLogger opens (creating if needed) a SQLite database at dbPath and
// starts its background flush loop.
func NewLogger(dbPath string) (*Logger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tool_call_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		tool_name TEXT,
		arguments TEXT,
		duration_ms INTEGER,
		status_code INTEGER,
		success BOOLEAN NOT NULL,
		error_msg TEXT,
		client_addr TEXT,
		request_size INTEGER,
		response_size INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON tool_call_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_session_id ON tool_call_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON tool_call_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_tool_name ON tool_call_events(tool_name);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	logger := &Logger{
		db:        db,
		batchSize: 100,
		buffer:    make([]ToolCallEvent, 0, 100),
		hub:       NewGenericHub[ToolCallEvent](),
	}

	logger.flushTicker = time.NewTicker(5 * time.Second)
	go logger.backgroundFlush()

	return logger, nil
}

// LogToolCall records one tools/call invocation.
func (l *Logger) LogToolCall(ctx context.Context, sessionID, toolName string, args map[string]interface{}, duration time.Duration, statusCode int, success bool, errMsg, clientAddr string, requestSize, responseSize int64) {
	l.bufferEvent(ToolCallEvent{
		Timestamp:    time.Now(),
		SessionID:    sessionID,
		EventType:    "tool_call",
		ToolName:     toolName,
		Arguments:    args,
		DurationMs:   duration.Milliseconds(),
		StatusCode:   statusCode,
		Success:      success,
		ErrorMsg:     errMsg,
		ClientAddr:   clientAddr,
		RequestSize:  requestSize,
		ResponseSize: responseSize,
	})
}

// LogSessionEvent records a session lifecycle transition or error, e.g.
// "session_init", "session_close".
func (l *Logger) LogSessionEvent(sessionID, eventType, errMsg, clientAddr string) {
	l.bufferEvent(ToolCallEvent{
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		EventType:  eventType,
		Success:    errMsg == "",
		ErrorMsg:   errMsg,
		ClientAddr: clientAddr,
	})
}

// EventHub returns the live event hub for real-time subscribers.
func (l *Logger) EventHub() *GenericHub[ToolCallEvent] {
	return l.hub
}

func (l *Logger) bufferEvent(event ToolCallEvent) {
	l.hub.Publish(event)

	l.bufferMu.Lock()
	defer l.bufferMu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= l.batchSize {
		go l.Flush()
	}
}

// Flush writes all buffered events to the database.
func (l *Logger) Flush() error {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return nil
	}
	events := make([]ToolCallEvent, len(l.buffer))
	copy(events, l.buffer)
	l.buffer = l.buffer[:0]
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO tool_call_events (
			timestamp, session_id, event_type, tool_name, arguments,
			duration_ms, status_code, success, error_msg, client_addr,
			request_size, response_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("audit: prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		var argsJSON []byte
		if event.Arguments != nil {
			argsJSON, _ = json.Marshal(event.Arguments)
		}
		if _, err := stmt.Exec(
			event.Timestamp, event.SessionID, event.EventType, event.ToolName,
			string(argsJSON), event.DurationMs, event.StatusCode, event.Success,
			event.ErrorMsg, event.ClientAddr, event.RequestSize, event.ResponseSize,
		); err != nil {
			return fmt.Errorf("audit: insert event: %w", err)
		}
	}

	return tx.Commit()
}

func (l *Logger) backgroundFlush() {
	for range l.flushTicker.C {
		_ = l.Flush()
	}
}

// QueryOptions filters Query results.
type QueryOptions struct {
	SessionID string
	EventType string
	ToolName  string
	StartTime time.Time
	EndTime   time.Time
	Success   *bool
	Limit     int
	Offset    int
	OrderBy   string // "timestamp", "duration_ms"
	OrderDir  string // "ASC", "DESC"
}

// Query retrieves audit events matching opts, newest first by default.
func (l *Logger) Query(opts QueryOptions) ([]ToolCallEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `
		SELECT id, timestamp, session_id, event_type, tool_name, arguments,
		       duration_ms, status_code, success, error_msg, client_addr,
		       request_size, response_size
		FROM tool_call_events
		WHERE 1=1
	`
	args := make([]interface{}, 0)

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, opts.EventType)
	}
	if opts.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, opts.ToolName)
	}
	if !opts.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.StartTime)
	}
	if !opts.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.EndTime)
	}
	if opts.Success != nil {
		query += " AND success = ?"
		args = append(args, *opts.Success)
	}

	orderBy := "timestamp"
	if opts.OrderBy != "" {
		orderBy = opts.OrderBy
	}
	orderDir := "DESC"
	if opts.OrderDir != "" {
		orderDir = opts.OrderDir
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderBy, orderDir)

	limit := 100
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, opts.Offset)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []ToolCallEvent
	for rows.Next() {
		event, argsJSON, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if argsJSON.Valid && argsJSON.String != "" {
			_ = json.Unmarshal([]byte(argsJSON.String), &event.Arguments)
		}
		events = append(events, event)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (ToolCallEvent, sql.NullString, error) {
	var event ToolCallEvent
	var argsJSON sql.NullString
	err := rows.Scan(
		&event.ID, &event.Timestamp, &event.SessionID, &event.EventType,
		&event.ToolName, &argsJSON, &event.DurationMs, &event.StatusCode,
		&event.Success, &event.ErrorMsg, &event.ClientAddr,
		&event.RequestSize, &event.ResponseSize,
	)
	if err != nil {
		return ToolCallEvent{}, sql.NullString{}, fmt.Errorf("audit: scan event: %w", err)
	}
	return event, argsJSON, nil
}

// Stats is an aggregated summary over a window of tool_call events.
type Stats struct {
	TotalRequests      int64           `json:"total_requests"`
	SuccessfulRequests int64           `json:"successful_requests"`
	FailedRequests     int64           `json:"failed_requests"`
	ErrorRate          float64         `json:"error_rate"`
	AvgDurationMs      int64           `json:"avg_duration_ms"`
	MaxDurationMs      int64           `json:"max_duration_ms"`
	MinDurationMs      int64           `json:"min_duration_ms"`
	TotalRequestBytes  int64           `json:"total_request_bytes"`
	TotalResponseBytes int64           `json:"total_response_bytes"`
	TopTools           []ToolStats     `json:"top_tools"`
	RecentEvents       []ToolCallEvent `json:"recent_events"`
}

// ToolStats is per-tool aggregation within Stats.
type ToolStats struct {
	Name      string  `json:"name"`
	Calls     int64   `json:"calls"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	AvgMs     int64   `json:"avg_ms"`
}

// GetStats returns aggregated tool_call statistics since the given time
// (zero value means all history).
func (l *Logger) GetStats(since time.Time) (*Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	baseWhere := "WHERE event_type = 'tool_call'"
	args := make([]interface{}, 0)
	if !since.IsZero() {
		baseWhere += " AND timestamp >= ?"
		args = append(args, since)
	}

	totalsQuery := `
		SELECT
			COUNT(*) as total_requests,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) as successful_requests,
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END) as failed_requests,
			AVG(CASE WHEN duration_ms > 0 THEN duration_ms ELSE NULL END) as avg_duration_ms,
			MAX(duration_ms) as max_duration_ms,
			MIN(CASE WHEN duration_ms > 0 THEN duration_ms ELSE NULL END) as min_duration_ms,
			COALESCE(SUM(request_size), 0) as total_request_bytes,
			COALESCE(SUM(response_size), 0) as total_response_bytes
		FROM tool_call_events ` + baseWhere

	var stats Stats
	var avgDuration, minDuration sql.NullFloat64

	err := l.db.QueryRow(totalsQuery, args...).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests, &stats.FailedRequests,
		&avgDuration, &stats.MaxDurationMs, &minDuration,
		&stats.TotalRequestBytes, &stats.TotalResponseBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query stats: %w", err)
	}
	if avgDuration.Valid {
		stats.AvgDurationMs = int64(avgDuration.Float64)
	}
	if minDuration.Valid {
		stats.MinDurationMs = int64(minDuration.Float64)
	}
	if stats.TotalRequests > 0 {
		stats.ErrorRate = float64(stats.FailedRequests) / float64(stats.TotalRequests) * 100
	}

	topToolsQuery := `
		SELECT
			COALESCE(tool_name, '(unknown)') as name,
			COUNT(*) as calls,
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END) as errors,
			AVG(CASE WHEN duration_ms > 0 THEN duration_ms ELSE NULL END) as avg_ms
		FROM tool_call_events ` + baseWhere + `
		GROUP BY tool_name
		ORDER BY calls DESC
		LIMIT 10`

	rows, err := l.db.Query(topToolsQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query top tools: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t ToolStats
		var avgMs sql.NullFloat64
		if err := rows.Scan(&t.Name, &t.Calls, &t.Errors, &avgMs); err != nil {
			return nil, fmt.Errorf("audit: scan top tool: %w", err)
		}
		if avgMs.Valid {
			t.AvgMs = int64(avgMs.Float64)
		}
		if t.Calls > 0 {
			t.ErrorRate = float64(t.Errors) / float64(t.Calls) * 100
		}
		stats.TopTools = append(stats.TopTools, t)
	}

	recentQuery := `
		SELECT id, timestamp, session_id, event_type, tool_name, arguments,
		       duration_ms, status_code, success, error_msg, client_addr,
		       request_size, response_size
		FROM tool_call_events ` + baseWhere + `
		ORDER BY timestamp DESC
		LIMIT 20`

	rows2, err := l.db.Query(recentQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent events: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		event, argsJSON, err := scanEvent(rows2)
		if err != nil {
			return nil, err
		}
		if argsJSON.Valid && argsJSON.String != "" {
			_ = json.Unmarshal([]byte(argsJSON.String), &event.Arguments)
		}
		stats.RecentEvents = append(stats.RecentEvents, event)
	}

	return &stats, nil
}

// Close stops the background flusher, flushes any remaining events, and
// closes the database.
func (l *Logger) Close() error {
	if l.flushTicker != nil {
		l.flushTicker.Stop()
	}
	if err := l.Flush(); err != nil {
		return err
	}
	return l.db.Close()
}
