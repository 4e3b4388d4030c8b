package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeployment struct {
	name       string
	inCooldown bool
	probeOK    bool

	mu         sync.Mutex
	probeCalls int
	resetCalls int
}

func (f *fakeDeployment) Name() string { return f.name }
func (f *fakeDeployment) Probe(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	return f.probeOK
}
func (f *fakeDeployment) ResetUsage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
}
func (f *fakeDeployment) InCooldown() bool { return f.inCooldown }

func (f *fakeDeployment) counts() (probes, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls, f.resetCalls
}

type recordingObserver struct {
	mu     sync.Mutex
	probes []string
	resets []string
}

func (r *recordingObserver) OnProbe(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, name)
}
func (r *recordingObserver) OnReset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, name)
}

func TestSupervisorHealthLoopSkipsInCooldown(t *testing.T) {
	healthy := &fakeDeployment{name: "a", probeOK: true}
	cooling := &fakeDeployment{name: "b", inCooldown: true, probeOK: true}
	obs := &recordingObserver{}

	s := New([]Deployment{healthy, cooling}, 5*time.Millisecond, 0, obs)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	s.Stop()

	probes, _ := healthy.counts()
	assert.Greater(t, probes, 0)
	coolingProbes, _ := cooling.counts()
	assert.Equal(t, 0, coolingProbes)
}

func TestSupervisorResetLoopDisabledWhenZero(t *testing.T) {
	d := &fakeDeployment{name: "a", probeOK: true}
	obs := &recordingObserver{}

	s := New([]Deployment{d}, 5*time.Millisecond, 0, obs)
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	_, resets := d.counts()
	assert.Equal(t, 0, resets)
}

func TestSupervisorResetLoopRunsWhenConfigured(t *testing.T) {
	d := &fakeDeployment{name: "a", probeOK: true}
	obs := &recordingObserver{}

	s := New([]Deployment{d}, time.Hour, 5*time.Millisecond, obs)
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	_, resets := d.counts()
	assert.Greater(t, resets, 0)
}

func TestSupervisorStartIsIdempotent(t *testing.T) {
	d := &fakeDeployment{name: "a", probeOK: true}
	s := New([]Deployment{d}, time.Hour, 0, nil)
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	d := &fakeDeployment{name: "a", probeOK: true}
	s := New([]Deployment{d}, time.Hour, 0, nil)
	s.Start(context.Background())
	s.Stop()
	require.NotPanics(t, func() { s.Stop() })
}
