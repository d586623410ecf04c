package cowmap

import (
	"sync"
	"sync/atomic"
)

type mapData[K comparable, V any] struct {
	data map[K]V
}

// Map is a read-mostly concurrent map. Reads load an immutable snapshot and
// never block; every mutation copies the whole table under a lock. The right
// tradeoff when mutations are rare relative to lookups.
type Map[K comparable, V any] struct {
	fastMap  atomic.Pointer[mapData[K, V]]
	slowLock sync.Mutex
}

func NewMap[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{}
	m.fastMap.Store(&mapData[K, V]{
		data: make(map[K]V),
	})
	return m
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	data := m.fastMap.Load().data
	v, ok := data[k]
	return v, ok
}

func (m *Map[K, V]) Len() int {
	return len(m.fastMap.Load().data)
}

// Snapshot returns the current table. Callers must not mutate it.
func (m *Map[K, V]) Snapshot() map[K]V {
	return m.fastMap.Load().data
}

func (m *Map[K, V]) copyLocked() map[K]V {
	oldData := m.fastMap.Load().data
	newData := make(map[K]V, len(oldData)+1)
	for k, v := range oldData {
		newData[k] = v
	}
	return newData
}

// Insert stores v under k unless the key is already present, and reports
// whether the store happened.
func (m *Map[K, V]) Insert(k K, v V) bool {
	m.slowLock.Lock()
	defer m.slowLock.Unlock()

	if _, ok := m.fastMap.Load().data[k]; ok {
		return false
	}

	newData := m.copyLocked()
	newData[k] = v
	m.fastMap.Store(&mapData[K, V]{data: newData})
	return true
}

// Set stores v under k, replacing any previous value.
func (m *Map[K, V]) Set(k K, v V) {
	m.slowLock.Lock()
	defer m.slowLock.Unlock()

	newData := m.copyLocked()
	newData[k] = v
	m.fastMap.Store(&mapData[K, V]{data: newData})
}

// Delete removes k. Deleting an absent key is a no-op.
func (m *Map[K, V]) Delete(k K) {
	m.slowLock.Lock()
	defer m.slowLock.Unlock()

	if _, ok := m.fastMap.Load().data[k]; !ok {
		return
	}

	newData := m.copyLocked()
	delete(newData, k)
	m.fastMap.Store(&mapData[K, V]{data: newData})
}
