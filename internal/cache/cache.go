// Package cache provides the snapshot read-through cache. Snapshots are
// derived state, so the cache is strictly advisory: a miss or a backend
// failure falls through to the store, and the recompute coordinator
// invalidates entries after every rebuild. Memory serves single-process
// deployments; Redis serves shared ones.
package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/neotoma-io/neotoma/internal/types"
)

// DefaultMemoryCapacity bounds the in-memory cache when no capacity is given.
const DefaultMemoryCapacity = 4096

type memoryKey struct {
	userID   string
	entityID string
}

type memoryEntry struct {
	key  memoryKey
	snap *types.EntitySnapshot
}

// Memory is a bounded LRU cache of entity snapshots. Returned snapshots are
// shared; callers must treat them as read-only.
type Memory struct {
	mu    sync.Mutex
	cap   int
	order *list.List // front is most recently used
	items map[memoryKey]*list.Element
}

// NewMemory returns an LRU cache holding at most capacity snapshots.
// A non-positive capacity selects DefaultMemoryCapacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		cap:   capacity,
		order: list.New(),
		items: make(map[memoryKey]*list.Element),
	}
}

// Get returns the cached snapshot for (userID, entityID), if any.
func (m *Memory) Get(_ context.Context, userID, entityID string) (*types.EntitySnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[memoryKey{userID, entityID}]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*memoryEntry).snap, true
}

// Put stores snap, evicting the least recently used entries when full.
func (m *Memory) Put(_ context.Context, snap *types.EntitySnapshot) {
	if snap == nil {
		return
	}
	key := memoryKey{snap.UserID, snap.EntityID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value.(*memoryEntry).snap = snap
		m.order.MoveToFront(el)
		return
	}
	m.items[key] = m.order.PushFront(&memoryEntry{key: key, snap: snap})
	for len(m.items) > m.cap {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*memoryEntry).key)
	}
}

// Invalidate drops the entry for (userID, entityID). Satisfies
// reduce.Invalidator.
func (m *Memory) Invalidate(_ context.Context, userID, entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey{userID, entityID}
	if el, ok := m.items[key]; ok {
		m.order.Remove(el)
		delete(m.items, key)
	}
}

// Len reports the number of cached snapshots.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close releases nothing for the in-memory cache.
func (m *Memory) Close() error { return nil }
