// Package transport implements the C6/C7 connection session and listener:
// a single /mcp endpoint handling POST (requests), GET (server-initiated
// notifications), DELETE (session termination), and OPTIONS (CORS
// preflight), built on net/http the way the teacher builds its streamable
// transport rather than hand-rolling socket framing.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcprelay/internal/audit"
	"mcprelay/internal/auth"
	"mcprelay/internal/handlers"
	"mcprelay/internal/metrics"
	"mcprelay/internal/ratelimit"
	"mcprelay/internal/redact"
	"mcprelay/internal/router"
	"mcprelay/internal/rpc"
	"mcprelay/internal/stream"
)

// maxBodyBytes bounds a single request body, mirroring the teacher's 10MB
// MaxBytesReader limit.
const maxBodyBytes = 10 * 1024 * 1024

// heartbeatInterval matches the teacher's GET listen-channel keepalive
// comment cadence.
const heartbeatInterval = 15 * time.Second

// SessionHook is called when a session is created or torn down.
type SessionHook func(sessionID string, connected bool)

// Server is the C6/C7 HTTP(S) surface: one /mcp endpoint dispatching
// through the C8 router to C9 handlers, with a direct hand-off to the C10
// stream coordinator for streaming tools/call invocations.
type Server struct {
	router      *router.Router
	handlers    *handlers.Handlers
	coordinator *stream.Coordinator
	authConfig  auth.Config
	log         *slog.Logger
	sessionHook SessionHook
	metrics     *metrics.Collector
	auditLog    *audit.Logger
	redactor    *redact.Redactor
	rateLimiter *ratelimit.Limiter

	sessions sessionSet
}

// New builds a Server. authConfig.Scheme == auth.SchemeNone authorizes
// every request.
func New(r *router.Router, h *handlers.Handlers, coordinator *stream.Coordinator, authConfig auth.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		router:      r,
		handlers:    h,
		coordinator: coordinator,
		authConfig:  authConfig,
		log:         log,
		sessions:    newSessionSet(),
	}
}

// SetSessionHook registers a callback fired on session creation/teardown.
func (s *Server) SetSessionHook(hook SessionHook) { s.sessionHook = hook }

// SetMetrics wires a metrics collector; request and session counts are
// recorded into it when set. Pass nil (the default) to skip metrics.
func (s *Server) SetMetrics(m *metrics.Collector) { s.metrics = m }

// SetAudit wires an audit logger. Every tools/call is persisted through it,
// and its event hub backs the GET listen channel's live notifications. Pass
// nil (the default) to run without an audit trail.
func (s *Server) SetAudit(a *audit.Logger) { s.auditLog = a }

// SetRedactor installs a secret scrubber applied to a (non-batch)
// tools/call error message before it reaches the client response or the
// audit log, the way the teacher's Server.handleCallTool redacts before
// responding. Errors from other methods or batch entries, and log lines,
// are not scrubbed.
func (s *Server) SetRedactor(r *redact.Redactor) { s.redactor = r }

// SetRateLimiter installs per-session request admission control, gating
// every POST /mcp request ahead of dispatch. Pass nil (the default) to
// run without rate limiting.
func (s *Server) SetRateLimiter(l *ratelimit.Limiter) { s.rateLimiter = l }

// redact scrubs msg through s.redactor, when one is wired; otherwise it is
// a no-op so a server run without a redactor behaves exactly as before.
func (s *Server) redact(msg string) string {
	if s.redactor == nil {
		return msg
	}
	return s.redactor.Redact(msg)
}

// Handler returns the http.Handler serving /mcp, /healthz and /metrics; any
// other path gets a JSON 404 rather than net/http's default plain-text body.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

// handleHealth is an unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleMetrics serves Prometheus text exposition format, behind the same
// auth.Config gate as /mcp. A server run without SetMetrics returns an empty
// body rather than 404, so scraping an unconfigured instance degrades
// quietly instead of erroring.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if s.metrics != nil {
		_, _ = w.Write([]byte(s.metrics.PrometheusFormat()))
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/mcp" {
		s.handleMCP(w, r)
		return
	}
	s.writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGET(w, r)
	case http.MethodPost:
		s.handlePOST(w, r)
	case http.MethodDelete:
		s.handleDELETE(w, r)
	case http.MethodOptions:
		s.handleOPTIONS(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if !auth.ValidateOrigin(r) {
		s.writeError(w, http.StatusForbidden, "forbidden origin")
		return false
	}
	if !auth.Authorize(r, s.authConfig) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

// handleGET opens a long-lived SSE stream of server-initiated notifications
// against an already-initialized session: a live feed of this session's
// tool-call audit events (when an audit logger is wired) plus a 15s
// keepalive comment, per spec.md §4.7's optional server-push capability.
// Streaming tools/call responses are served from handlePOST instead.
func (s *Server) handleGET(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	if !auth.HasAccept(r.Header, "text/event-stream") {
		s.writeError(w, http.StatusBadRequest, "missing accept: text/event-stream")
		return
	}
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" || !s.sessions.has(sessionID) {
		s.writeError(w, http.StatusNotFound, "session not found - initialize first")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var events <-chan audit.ToolCallEvent
	if s.auditLog != nil {
		var subID uint64
		subID, events = s.auditLog.EventHub().Subscribe()
		defer s.auditLog.EventHub().Unsubscribe(subID)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt := <-events:
			if evt.SessionID != sessionID {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handlePOST implements POST /mcp. It special-cases "initialize" (mints a
// session id) and "tools/call" on a streaming tool (hands off to the
// stream coordinator, which owns the response writer from here on);
// everything else goes through the generic router.
func (s *Server) handlePOST(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	if !auth.HasAccept(r.Header, "application/json") && !auth.HasAccept(r.Header, "text/event-stream") {
		s.writeError(w, http.StatusBadRequest, "missing accept header")
		return
	}
	if !auth.ValidateProtocolHeader(r.Header) {
		s.writeError(w, http.StatusBadRequest, "unsupported protocol version")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request too large")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	rateKey := r.Header.Get("Mcp-Session-Id")
	if rateKey == "" {
		rateKey = r.RemoteAddr
	}
	if decision := s.checkRateLimit(rateKey, int64(len(body))); decision != ratelimit.Allow {
		status := http.StatusTooManyRequests
		if decision == ratelimit.TooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeError(w, status, decision.String())
		return
	}
	s.reportRequestStarted(rateKey)
	defer s.reportRequestCompleted(rateKey)

	ctx := r.Context()

	if body[0] == '[' {
		s.handleBatch(ctx, w, body)
		return
	}

	req, errResp := rpc.Parse(body)
	if errResp != nil {
		s.writeJSON(w, errResp)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if req.Method == "initialize" {
		sessionID = strings.ReplaceAll(uuid.NewString(), "-", "")
		s.sessions.add(sessionID)
		if s.sessionHook != nil {
			s.sessionHook(sessionID, true)
		}
		if s.metrics != nil {
			s.metrics.RecordSession(true)
		}
		if s.auditLog != nil {
			s.auditLog.LogSessionEvent(sessionID, "session_init", "", r.RemoteAddr)
		}
	}

	if req.Method == "tools/call" {
		start := time.Now()
		var params toolCallParams
		_ = json.Unmarshal(req.Params, &params)

		if s.tryHandleStreamingCall(ctx, w, r, req, sessionID) {
			return
		}

		resp := s.router.Dispatch(ctx, req, sessionID)
		success := resp == nil || resp.Error == nil
		errMsg := ""
		if resp != nil && resp.Error != nil {
			resp.Error.Message = s.redact(resp.Error.Message)
			errMsg = resp.Error.Message
		}
		s.recordToolCall(sessionID, params.Name, time.Since(start), success, errMsg, len(body), r.RemoteAddr)

		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.writeJSON(w, resp)
		return
	}

	resp := s.router.Dispatch(ctx, req, sessionID)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if req.Method == "initialize" {
		w.Header().Set("Mcp-Session-Id", sessionID)
	}
	s.writeJSON(w, resp)
}

// checkRateLimit consults the rate limiter, when one is wired. A server
// run without SetRateLimiter allows every request, same as before the
// limiter existed.
func (s *Server) checkRateLimit(rateKey string, bodySize int64) ratelimit.Decision {
	if s.rateLimiter == nil {
		return ratelimit.Allow
	}
	return s.rateLimiter.Check(rateKey, bodySize)
}

func (s *Server) reportRequestStarted(rateKey string) {
	if s.rateLimiter != nil {
		s.rateLimiter.Started(rateKey)
	}
}

func (s *Server) reportRequestCompleted(rateKey string) {
	if s.rateLimiter != nil {
		s.rateLimiter.Completed(rateKey)
	}
}

// recordToolCall mirrors a tools/call outcome into the metrics collector and
// the audit trail, when wired. Both are no-ops (nil-checked) so a server run
// without them behaves exactly as before they existed.
func (s *Server) recordToolCall(sessionID, toolName string, dur time.Duration, success bool, errMsg string, reqSize int, clientAddr string) {
	if s.metrics != nil {
		s.metrics.RecordRequest(sessionID, toolName, dur, success)
	}
	if s.auditLog != nil {
		statusCode := http.StatusOK
		if !success {
			statusCode = http.StatusInternalServerError
		}
		s.auditLog.LogToolCall(context.Background(), sessionID, toolName, nil, dur, statusCode, success, errMsg, clientAddr, int64(reqSize), 0)
	}
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// tryHandleStreamingCall inspects the registry for a streaming tool ahead
// of generic dispatch. When the named tool is streaming, it always
// terminates the request itself (writing either an SSE stream or a
// downgraded JSON response) and returns true; any other tool falls
// through to the router untouched. It records its own audit/metrics entry
// since a streaming call's duration spans the whole SSE lifetime, not just
// dispatch.
func (s *Server) tryHandleStreamingCall(ctx context.Context, w http.ResponseWriter, r *http.Request, req *rpc.Request, sessionID string) bool {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return false
	}
	tool, err := s.handlers.Registry().Lookup(params.Name)
	if err != nil || !tool.IsStreaming {
		return false
	}
	start := time.Now()
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.Validate(args); err != nil {
		msg := s.redact(err.Error())
		s.writeJSON(w, rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, msg, nil))
		s.recordToolCall(sessionID, params.Name, time.Since(start), false, msg, 0, r.RemoteAddr)
		return true
	}

	acceptsSSE := auth.HasAccept(r.Header, "text/event-stream")
	lastEventID := r.Header.Get("Last-Event-ID")

	result, streamErr := s.coordinator.Handle(ctx, w, params.Name, args, req.ID, sessionID, lastEventID, acceptsSSE)
	success := streamErr == nil
	errMsg := ""
	if streamErr != nil {
		errMsg = s.redact(streamErr.Error())
	}
	s.recordToolCall(sessionID, params.Name, time.Since(start), success, errMsg, 0, r.RemoteAddr)

	if !acceptsSSE {
		if streamErr != nil {
			s.writeJSON(w, rpc.ErrorResponse(req.ID, rpc.CodeInternalError, errMsg, nil))
			return true
		}
		s.writeJSON(w, rpc.Success(req.ID, normalizeResult(result)))
	}
	return true
}

// normalizeResult mirrors internal/handlers' synchronous result shaping,
// for the downgraded-to-synchronous branch of a streaming tool call.
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

func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var rawBatch []json.RawMessage
	if err := json.Unmarshal(body, &rawBatch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var responses []*rpc.Response
	for _, raw := range rawBatch {
		req, errResp := rpc.Parse(raw)
		if errResp != nil {
			responses = append(responses, errResp)
			continue
		}
		sessionID := ""
		if resp := s.router.Dispatch(ctx, req, sessionID); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeJSON(w, responses)
}

func (s *Server) handleDELETE(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		return
	}
	if s.sessions.remove(sessionID) {
		if s.sessionHook != nil {
			s.sessionHook(sessionID, false)
		}
		if s.metrics != nil {
			s.metrics.RecordSession(false)
		}
		if s.auditLog != nil {
			s.auditLog.LogSessionEvent(sessionID, "session_close", "", r.RemoteAddr)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOPTIONS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("transport: encode response failed", "error", err)
	}
}
