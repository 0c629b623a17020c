package xgate

import (
	"sort"
	"sync"
)

// SessionTable owns the resource -> session handle map shared by gateway
// implementations. At most one sync worker touches a resource, so a single
// mutex is enough.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]string
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]string)}
}

// Put records the session of a resource, replacing any previous one.
func (t *SessionTable) Put(resourceKey, handle string) {
	t.mu.Lock()
	t.sessions[resourceKey] = handle
	t.mu.Unlock()
}

// Get returns the session of a resource.
func (t *SessionTable) Get(resourceKey string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[resourceKey]
	return h, ok
}

// Delete forgets a resource's session and returns the removed handle.
func (t *SessionTable) Delete(resourceKey string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[resourceKey]
	delete(t.sessions, resourceKey)
	return h, ok
}

// Len returns the number of open sessions.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Keys lists resources with an open session, sorted.
func (t *SessionTable) Keys() []string {
	t.mu.Lock()
	keys := make([]string, 0, len(t.sessions))
	for k := range t.sessions {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	sort.Strings(keys)
	return keys
}
