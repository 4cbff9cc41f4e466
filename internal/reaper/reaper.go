// Package reaper implements the C11 expiry reaper: a periodic scan that
// frees stream generators whose sessions have gone idle, so a dropped
// client doesn't pin a generator (and whatever process or VM backs it)
// alive forever.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"mcprelay/internal/plugin"
	"mcprelay/internal/sessioncache"
)

// DefaultInterval is the scan period spec.md §4.11 mandates.
const DefaultInterval = 5 * time.Minute

// DefaultIdleTimeout is how long a session may go without a state update
// before it is considered expired.
const DefaultIdleTimeout = 5 * time.Minute

// Registry is the subset of *stream.Coordinator the reaper needs. Defined
// here (rather than imported) to avoid a reaper→stream dependency cycle;
// *stream.Coordinator satisfies it as-is.
type Registry interface {
	Snapshot() map[string]plugin.Generator
	Remove(sessionID string)
}

// Reaper periodically scans a generator registry and expires idle
// sessions.
type Reaper struct {
	registry    Registry
	cache       *sessioncache.Cache
	log         *slog.Logger
	interval    time.Duration
	idleTimeout time.Duration

	// nowFunc allows tests to inject a fake clock.
	nowFunc func() time.Time
}

// New builds a Reaper with the spec-mandated 5-minute interval and idle
// timeout.
func New(registry Registry, cache *sessioncache.Cache, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		registry:    registry,
		cache:       cache,
		log:         log,
		interval:    DefaultInterval,
		idleTimeout: DefaultIdleTimeout,
		nowFunc:     time.Now,
	}
}

// Run blocks, scanning every r.interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one scan-and-expire pass. Exported so tests and a manual
// admin trigger can call it without waiting on the ticker.
func (r *Reaper) Sweep() {
	candidates := r.registry.Snapshot()
	now := r.nowFunc()

	expired := make(map[string]time.Time)
	for sessionID := range candidates {
		state, ok := r.cache.GetSessionState(sessionID)
		if !ok {
			expired[sessionID] = time.Time{}
			continue
		}
		if now.Sub(state.LastUpdate) > r.idleTimeout {
			expired[sessionID] = state.LastUpdate
		}
	}

	for sessionID, lastUpdate := range expired {
		gen := candidates[sessionID]
		r.registry.Remove(sessionID)
		if err := gen.Free(); err != nil {
			r.log.Warn("reaper: free generator failed", "session_id", sessionID, "error", err)
		}
		r.cache.CleanupSession(sessionID)
		idleFor := "unknown"
		if !lastUpdate.IsZero() {
			idleFor = humanize.Time(lastUpdate)
		}
		r.log.Debug("reaper: expired idle session", "session_id", sessionID, "last_active", idleFor)
	}
}
