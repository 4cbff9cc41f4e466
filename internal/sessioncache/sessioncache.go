// Package sessioncache is a typed façade over internal/cache for the three
// stores a streaming MCP session needs: session state, per-event payload
// data, and per-session event-id lists.
package sessioncache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mcprelay/internal/cache"
)

// State is the per-session record keyed by session id.
type State struct {
	SessionID   string    `json:"session_id"`
	ToolName    string    `json:"tool_name"`
	LastEventID int64     `json:"last_event_id"`
	IsActive    bool      `json:"is_active"`
	LastUpdate  time.Time `json:"last_update"`
}

// Config sizes the three underlying caches.
type Config struct {
	MaxSessions         int
	MaxEventsPerSession int
	TTL                 time.Duration
}

// Cache is the C2 session cache façade.
type Cache struct {
	log *slog.Logger

	maxEventsPerSession int
	ttl                 time.Duration

	session   *cache.Cache[string, []byte]
	data      *cache.Cache[string, []byte]
	eventList *cache.Cache[string, []byte]
}

// New builds a Cache per cfg. Capacities follow spec: session_cache sized to
// max_sessions, data_cache to max_sessions*max_events_per_session*2, and
// event_list_cache to max_sessions.
func New(cfg Config, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		log:                 log,
		maxEventsPerSession: cfg.MaxEventsPerSession,
		ttl:                 cfg.TTL,
		session:             cache.New[string, []byte](cache.Config{Capacity: cfg.MaxSessions, DefaultTTL: cfg.TTL}),
		data:                cache.New[string, []byte](cache.Config{Capacity: cfg.MaxSessions * cfg.MaxEventsPerSession * 2, DefaultTTL: cfg.TTL}),
		eventList:           cache.New[string, []byte](cache.Config{Capacity: cfg.MaxSessions, DefaultTTL: cfg.TTL}),
	}
}

func sessionKey(id string) string { return "session:" + id }
func dataKey(id string, eventID int64) string {
	return fmt.Sprintf("data:%s:%d", id, eventID)
}
func eventListKey(id string) string { return "event_list:" + id }

// SaveSessionState inserts or overwrites a session's state.
func (c *Cache) SaveSessionState(state State) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sessioncache: marshal session state: %w", err)
	}
	c.session.Put(sessionKey(state.SessionID), b, 0)
	return nil
}

// GetSessionState returns the state for id, if present and unexpired.
func (c *Cache) GetSessionState(id string) (State, bool) {
	b, ok := c.session.Get(sessionKey(id))
	if !ok {
		return State{}, false
	}
	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		c.log.Warn("sessioncache: corrupt session state", "session_id", id, "error", err)
		return State{}, false
	}
	return state, true
}

// UpdateSessionState reads the current state, bumps last_event_id and
// last_update, and writes it back. Returns false if no state existed.
func (c *Cache) UpdateSessionState(id string, newLastEventID int64) bool {
	state, ok := c.GetSessionState(id)
	if !ok {
		c.log.Warn("sessioncache: update on unknown session", "session_id", id)
		return false
	}
	state.LastEventID = newLastEventID
	state.LastUpdate = time.Now()
	if err := c.SaveSessionState(state); err != nil {
		c.log.Warn("sessioncache: failed to persist updated session state", "session_id", id, "error", err)
		return false
	}
	return true
}

// CacheStreamData writes payload keyed by (id, eventID) and appends eventID
// to the session's event list, deduplicated, trimmed from the front to at
// most maxEventsPerSession entries.
func (c *Cache) CacheStreamData(id string, eventID int64, payload json.RawMessage) error {
	c.data.Put(dataKey(id, eventID), []byte(payload), 0)

	ids := c.loadEventList(id)
	for _, existing := range ids {
		if existing == eventID {
			return nil
		}
	}
	ids = append(ids, eventID)
	if c.maxEventsPerSession > 0 && len(ids) > c.maxEventsPerSession {
		ids = ids[len(ids)-c.maxEventsPerSession:]
	}
	return c.storeEventList(id, ids)
}

// GetReconnectData returns payloads whose event_id is strictly greater than
// lastReceivedEventID, in ascending order. Evicted payloads are skipped.
func (c *Cache) GetReconnectData(id string, lastReceivedEventID int64) []EventPayload {
	ids := c.loadEventList(id)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]EventPayload, 0, len(ids))
	for _, eventID := range ids {
		if eventID <= lastReceivedEventID {
			continue
		}
		b, ok := c.data.Get(dataKey(id, eventID))
		if !ok {
			continue
		}
		out = append(out, EventPayload{EventID: eventID, Data: append([]byte(nil), b...)})
	}
	return out
}

// EventPayload is a single replayable stream event.
type EventPayload struct {
	EventID int64
	Data    json.RawMessage
}

// CleanupSession deletes session state, its event list, and every payload
// the list referenced. Idempotent.
func (c *Cache) CleanupSession(id string) {
	ids := c.loadEventList(id)
	for _, eventID := range ids {
		c.data.Remove(dataKey(id, eventID))
	}
	c.eventList.Remove(eventListKey(id))
	c.session.Remove(sessionKey(id))
}

func (c *Cache) loadEventList(id string) []int64 {
	b, ok := c.eventList.Get(eventListKey(id))
	if !ok {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal(b, &ids); err != nil {
		c.log.Warn("sessioncache: corrupt event list", "session_id", id, "error", err)
		return nil
	}
	return ids
}

func (c *Cache) storeEventList(id string, ids []int64) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("sessioncache: marshal event list: %w", err)
	}
	c.eventList.Put(eventListKey(id), b, 0)
	return nil
}
