package cowmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapBasic(t *testing.T) {
	m := NewMap[string, int]()

	_, ok := m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())

	assert.True(t, m.Insert("a", 1))
	assert.False(t, m.Insert("a", 2))

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Set("a", 3)
	v, _ = m.Get("a")
	assert.Equal(t, 3, v)

	m.Set("b", 4)
	assert.Equal(t, 2, m.Len())

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())

	m.Delete("no-such-key")
	assert.Equal(t, 1, m.Len())
}

func TestMapSnapshotIsolation(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("a", 1)

	snap := m.Snapshot()
	m.Set("b", 2)
	m.Delete("a")

	// The snapshot taken before the mutations is unchanged.
	assert.Equal(t, map[string]int{"a": 1}, snap)
	assert.Equal(t, 1, m.Len())
}

func TestMapConcurrentAccess(t *testing.T) {
	m := NewMap[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := base*100 + j
				m.Set(k, k)
				_, _ = m.Get(k)
				_ = m.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 800, m.Len())
}
