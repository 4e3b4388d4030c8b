package sessionmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapPutGet(t *testing.T) {
	m := New(4)
	m.Put("s1", "a")
	name, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "a", name)
}

func TestMapGetMissing(t *testing.T) {
	m := New(4)
	_, ok := m.Get("nope")
	assert.False(t, ok)
}

func TestMapEvictsLeastRecentlyUsed(t *testing.T) {
	m := New(2)
	m.Put("s1", "a")
	m.Put("s2", "b")
	m.Put("s3", "c")

	_, ok := m.Get("s1")
	assert.False(t, ok, "s1 should have been evicted as least recently used")
	_, ok = m.Get("s2")
	assert.True(t, ok)
	_, ok = m.Get("s3")
	assert.True(t, ok)
}

func TestMapGetRefreshesRecency(t *testing.T) {
	m := New(2)
	m.Put("s1", "a")
	m.Put("s2", "b")

	m.Get("s1")
	m.Put("s3", "c")

	_, ok := m.Get("s2")
	assert.False(t, ok, "s2 should be evicted since s1 was refreshed")
	_, ok = m.Get("s1")
	assert.True(t, ok)
}

func TestMapPutUpdatesExistingBinding(t *testing.T) {
	m := New(4)
	m.Put("s1", "a")
	m.Put("s1", "b")
	name, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "b", name)
	assert.Equal(t, 1, m.Len())
}

func TestMapEvict(t *testing.T) {
	m := New(4)
	m.Put("s1", "a")
	m.Evict("s1")
	_, ok := m.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMapEvictMissingIsNoop(t *testing.T) {
	m := New(4)
	m.Evict("nope")
	assert.Equal(t, 0, m.Len())
}

func TestMapDefaultCapacity(t *testing.T) {
	m := New(0)
	for i := 0; i < 1025; i++ {
		m.Put(string(rune(i)), "d")
	}
	assert.Equal(t, 1024, m.Len())
}
