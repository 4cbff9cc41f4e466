// Package router implements the C8 RPC router: a name-keyed dispatch table
// that knows nothing about method semantics, only how to find a handler
// and how to shape the response envelope around whatever it returns.
package router

import (
	"context"
	"log/slog"

	"mcprelay/internal/rpc"
)

// Handler processes one parsed request and returns a response, or nil for
// a notification that produces no reply.
type Handler func(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response

// Router dispatches by method name. Safe for concurrent use after all
// handlers have been registered; registration itself is not
// goroutine-safe and is expected to happen once at startup.
type Router struct {
	handlers map[string]Handler
	log      *slog.Logger
}

// New builds an empty Router.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{handlers: make(map[string]Handler), log: log}
}

// Register binds method to handler, overwriting any existing binding.
func (r *Router) Register(method string, handler Handler) {
	r.handlers[method] = handler
}

// Dispatch looks up req.Method and invokes its handler. An unknown method
// returns a -32601 response carrying req's id (per spec.md §4.8), except
// for a notification, which gets no response at all.
//
// A notification (no id) whose handler produces a non-nil response has
// that response suppressed here, never reaching the caller.
func (r *Router) Dispatch(ctx context.Context, req *rpc.Request, sessionID string) *rpc.Response {
	handler, ok := r.handlers[req.Method]
	if !ok {
		if req.IsNotification() {
			return nil
		}
		return rpc.ErrorResponse(req.ID, rpc.CodeMethodNotFound, "Method not supported: "+req.Method, nil)
	}

	resp := handler(ctx, req, sessionID)
	if req.IsNotification() {
		return nil
	}
	return resp
}
