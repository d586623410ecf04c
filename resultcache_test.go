package cqcorex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCqResultKeyCacheLifecycle(t *testing.T) {
	cache := newCqResultKeyCache()
	assert.False(t, cache.IsInitialized())

	cache.Add("k1")
	cache.MarkInitialized()
	assert.True(t, cache.IsInitialized())
	assert.True(t, cache.Contains("k1"))
	assert.Equal(t, 1, cache.Size())

	// A tombstoned key is no longer a member but is not yet forgotten.
	cache.MarkDestroyed("k1")
	assert.False(t, cache.Contains("k1"))
	assert.Equal(t, 1, cache.Size())

	// Re-adding resurrects it.
	cache.Add("k1")
	assert.True(t, cache.Contains("k1"))

	cache.MarkDestroyed("k1")
	cache.RemoveDestroyed("k1")
	assert.False(t, cache.Contains("k1"))
	assert.Equal(t, 0, cache.Size())

	// Tombstoning a key that was never a member records nothing.
	cache.MarkDestroyed("k2")
	cache.RemoveDestroyed("k2")
	assert.Equal(t, 0, cache.Size())

	cache.Add("k3")
	cache.Clear()
	assert.False(t, cache.IsInitialized())
	assert.False(t, cache.Contains("k3"))
	assert.Equal(t, 0, cache.Size())
}
