// Package resources implements the MCP resources capability: a
// name/URI-keyed catalogue of readable server content, grounded on the
// original server's mcp::resources::ResourceManager (register_resource,
// get_resources, read_resource, subscribe/unsubscribe, notify_*). Unlike
// the original's resources/list and resources/read handlers, which each
// construct a fresh, unseeded ResourceManager per request (so they always
// return empty lists), this Manager is long-lived and seeded at startup so
// the capabilities a session negotiates during initialize are backed by
// real data.
package resources

import (
	"fmt"
	"sort"
	"sync"
)

// Resource describes one static, addressable piece of server content.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// Template describes a family of resources addressable by an RFC 6570 URI
// template rather than a single fixed URI.
type Template struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
}

// Content is one item of a resources/read result.
type Content struct {
	URI      string
	MimeType string
	Text     string
	Blob     []byte
}

// Manager holds the registered resource catalogue and the set of sessions
// subscribed to each URI's update notifications. The original's
// ResourceManager::subscribe/unsubscribe are stubs ("todo set a
// subscription here instead of returning an empty success response");
// this Manager actually tracks subscriptions so resources/subscribe
// doesn't silently no-op against the capability the server advertises.
type Manager struct {
	mu sync.RWMutex

	resources []Resource
	templates []Template
	content   map[string]func() []Content

	subs map[string]map[string]struct{} // uri -> session ids
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{
		content: make(map[string]func() []Content),
		subs:    make(map[string]map[string]struct{}),
	}
}

// Register adds a static resource and the function that produces its
// content on read. gen is called fresh on every resources/read so content
// backed by live server state (e.g. the tool registry) stays current.
func (m *Manager) Register(r Resource, gen func() []Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, r)
	m.content[r.URI] = gen
}

// RegisterTemplate adds a resource template to the catalogue returned by
// resources/list. Templates are descriptive only; Manager does not expand
// them against concrete URIs.
func (m *Manager) RegisterTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = append(m.templates, t)
}

// List returns the registered resources and templates, sorted by URI /
// URITemplate for a stable resources/list response.
func (m *Manager) List() ([]Resource, []Template) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]Resource, len(m.resources))
	copy(res, m.resources)
	sort.Slice(res, func(i, j int) bool { return res[i].URI < res[j].URI })

	tmpl := make([]Template, len(m.templates))
	copy(tmpl, m.templates)
	sort.Slice(tmpl, func(i, j int) bool { return tmpl[i].URITemplate < tmpl[j].URITemplate })

	return res, tmpl
}

// ErrNotFound is returned by Read, Subscribe, and Unsubscribe for a URI
// with no registered resource.
type ErrNotFound struct{ URI string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("resource not found: %s", e.URI) }

// Read returns uri's content, regenerated fresh from its registered
// generator, per the original's read_resource(uri).
func (m *Manager) Read(uri string) ([]Content, error) {
	m.mu.RLock()
	gen, ok := m.content[uri]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{URI: uri}
	}
	return gen(), nil
}

// Subscribe registers sessionID for update notifications on uri.
func (m *Manager) Subscribe(uri, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[uri]; !ok {
		return &ErrNotFound{URI: uri}
	}
	if m.subs[uri] == nil {
		m.subs[uri] = make(map[string]struct{})
	}
	m.subs[uri][sessionID] = struct{}{}
	return nil
}

// Unsubscribe removes sessionID's subscription to uri, if any. Unlike
// Subscribe, unsubscribing from an unknown or unsubscribed URI is not an
// error — it matches the state the caller wanted.
func (m *Manager) Unsubscribe(uri, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[uri], sessionID)
}

// Subscribers returns the session ids currently subscribed to uri, for the
// transport layer to target resources/updated notifications.
func (m *Manager) Subscribers(uri string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subs[uri]))
	for id := range m.subs[uri] {
		out = append(out, id)
	}
	return out
}
