package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCandidate struct {
	name        string
	healthy     bool
	utilization float64
	inFlight    int64
}

func (f fakeCandidate) Name() string        { return f.name }
func (f fakeCandidate) Healthy() bool       { return f.healthy }
func (f fakeCandidate) Utilization() float64 { return f.utilization }
func (f fakeCandidate) InFlight() int64     { return f.inFlight }

type fakeSessionMap struct {
	bindings map[string]string
}

func newFakeSessionMap() *fakeSessionMap {
	return &fakeSessionMap{bindings: make(map[string]string)}
}

func (m *fakeSessionMap) Get(sessionID string) (string, bool) {
	name, ok := m.bindings[sessionID]
	return name, ok
}

func (m *fakeSessionMap) Put(sessionID, name string) {
	m.bindings[sessionID] = name
}

func TestSelectNoHealthyReturnsErr(t *testing.T) {
	candidates := []fakeCandidate{{name: "a", healthy: false}, {name: "b", healthy: false}}
	_, _, err := Select(candidates, newFakeSessionMap(), "")
	require.ErrorIs(t, err, ErrNoHealthyDeployment)
}

func TestSelectSingleHealthyReturnsIt(t *testing.T) {
	candidates := []fakeCandidate{{name: "a", healthy: false}, {name: "b", healthy: true}}
	chosen, event, err := Select(candidates, newFakeSessionMap(), "")
	require.NoError(t, err)
	assert.Equal(t, "b", chosen.Name())
	assert.Equal(t, AffinityNone, event)
}

func TestSelectPowerOfTwoPicksLessLoaded(t *testing.T) {
	candidates := []fakeCandidate{
		{name: "a", healthy: true, utilization: 0.9},
		{name: "b", healthy: true, utilization: 0.1},
	}
	for i := 0; i < 20; i++ {
		chosen, _, err := Select(candidates, newFakeSessionMap(), "")
		require.NoError(t, err)
		assert.Equal(t, "b", chosen.Name())
	}
}

func TestSelectTieBreaksOnInFlightThenName(t *testing.T) {
	candidates := []fakeCandidate{
		{name: "b", healthy: true, utilization: 0.5, inFlight: 3},
		{name: "a", healthy: true, utilization: 0.5, inFlight: 1},
	}
	for i := 0; i < 20; i++ {
		chosen, _, err := Select(candidates, newFakeSessionMap(), "")
		require.NoError(t, err)
		assert.Equal(t, "a", chosen.Name())
	}

	equalLoad := []fakeCandidate{
		{name: "z", healthy: true, utilization: 0.5, inFlight: 1},
		{name: "a", healthy: true, utilization: 0.5, inFlight: 1},
	}
	for i := 0; i < 20; i++ {
		chosen, _, err := Select(equalLoad, newFakeSessionMap(), "")
		require.NoError(t, err)
		assert.Equal(t, "a", chosen.Name())
	}
}

func TestSelectNeverReturnsUnhealthy(t *testing.T) {
	candidates := []fakeCandidate{
		{name: "a", healthy: false, utilization: 0.0},
		{name: "b", healthy: true, utilization: 0.8},
		{name: "c", healthy: false, utilization: 0.0},
	}
	for i := 0; i < 30; i++ {
		chosen, _, err := Select(candidates, newFakeSessionMap(), "")
		require.NoError(t, err)
		assert.Equal(t, "b", chosen.Name())
	}
}

func TestSelectAffinityHitReusesBoundDeployment(t *testing.T) {
	candidates := []fakeCandidate{
		{name: "a", healthy: true, utilization: 0.1},
		{name: "b", healthy: true, utilization: 0.1},
	}
	sm := newFakeSessionMap()
	sm.Put("sess-1", "b")

	chosen, event, err := Select(candidates, sm, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "b", chosen.Name())
	assert.Equal(t, AffinityHit, event)
}

func TestSelectAffinityFailoverWhenBoundUnhealthy(t *testing.T) {
	candidates := []fakeCandidate{
		{name: "a", healthy: true, utilization: 0.1},
		{name: "b", healthy: false, utilization: 0.0},
	}
	sm := newFakeSessionMap()
	sm.Put("sess-1", "b")

	chosen, event, err := Select(candidates, sm, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "a", chosen.Name())
	assert.Equal(t, AffinityRebind, event)
	name, ok := sm.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "a", name)
}

func TestSelectAffinityMissOnFirstBind(t *testing.T) {
	candidates := []fakeCandidate{{name: "a", healthy: true}}
	sm := newFakeSessionMap()

	_, event, err := Select(candidates, sm, "sess-new")
	require.NoError(t, err)
	assert.Equal(t, AffinityMiss, event)
}

func TestTwoDistinctIndicesAreDistinct(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := twoDistinctIndices(5)
		assert.NotEqual(t, a, b)
		assert.True(t, a >= 0 && a < 5)
		assert.True(t, b >= 0 && b < 5)
	}
}
