// Package sessionmap implements the bounded, least-recently-used session
// affinity map (spec.md §4.3): session_id -> deployment name.
package sessionmap

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	sessionID string
	name      string
	lastUsed  time.Time
}

// Map is a capacity-bounded LRU cache from session id to deployment name.
type Map struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// New builds a Map with the given capacity (spec.md §4.3 default: 1024).
func New(capacity int) *Map {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Map{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Get returns the deployment bound to sessionID, refreshing its recency.
func (m *Map) Get(sessionID string) (name string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, found := m.index[sessionID]
	if !found {
		return "", false
	}
	m.order.MoveToFront(el)
	e := el.Value.(*entry)
	e.lastUsed = time.Now()
	return e.name, true
}

// Put inserts or updates the (sessionID -> name) binding, evicting the
// least-recently-used entry if capacity is exceeded.
func (m *Map) Put(sessionID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[sessionID]; ok {
		e := el.Value.(*entry)
		e.name = name
		e.lastUsed = time.Now()
		m.order.MoveToFront(el)
		return
	}
	el := m.order.PushFront(&entry{sessionID: sessionID, name: name, lastUsed: time.Now()})
	m.index[sessionID] = el
	for m.order.Len() > m.capacity {
		m.evictOldestLocked()
	}
}

// Evict removes sessionID's binding if present (explicit eviction on
// affinity failover per spec.md §4.3 — not automatic on DC unhealthy).
func (m *Map) Evict(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[sessionID]; ok {
		m.order.Remove(el)
		delete(m.index, sessionID)
	}
}

func (m *Map) evictOldestLocked() {
	oldest := m.order.Back()
	if oldest == nil {
		return
	}
	m.order.Remove(oldest)
	delete(m.index, oldest.Value.(*entry).sessionID)
}

// Len reports the current number of bindings, for tests/telemetry.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
