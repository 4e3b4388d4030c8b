package switchboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/supervisor"
)

// fakeInferenceClient is a test double for the external collaborator boundary
// (spec.md §9 Polymorphism): no network calls, deterministic behavior driven
// by test-controlled fields.
type fakeInferenceClient struct {
	mu        sync.Mutex
	name      string
	failTimes int
	err       error
	calls     int
}

func (f *fakeInferenceClient) Complete(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failTimes {
		return nil, f.err
	}
	return &Response{Deployment: f.name, Content: "ok from " + f.name, Usage: Usage{TotalTokens: 10}}, nil
}

func (f *fakeInferenceClient) CompleteStream(ctx context.Context, req Request) (*Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failTimes {
		return nil, f.err
	}
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Delta: "chunk1"}
	ch <- StreamChunk{Usage: &Usage{TotalTokens: 4}}
	close(ch)
	return &Stream{Deployment: f.name, chunks: ch}, nil
}

func newTestSwitchboard(t *testing.T, clients map[string]*fakeInferenceClient, extra ...Option) *Switchboard {
	t.Helper()
	cfg := Defaults()
	cfg.MaxAttempts = 3
	cfg.HealthcheckInterval = time.Hour
	cfg.RatelimitWindow = 0
	for name := range clients {
		cfg.Deployments = append(cfg.Deployments, Deployment{Name: name, RPMRatelimit: 100, TPMRatelimit: 10000})
	}
	opts := append([]Option{WithClientFactory(func(d Deployment) InferenceClient {
		return clients[d.Name]
	})}, extra...)
	sb, err := New(cfg, opts...)
	require.NoError(t, err)
	return sb
}

func TestScenarioSingleDeploymentPassThrough(t *testing.T) {
	clients := map[string]*fakeInferenceClient{"only": {name: "only"}}
	sb := newTestSwitchboard(t, clients)

	resp, err := sb.Create(context.Background(), Request{Model: "gpt-4o-mini", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "only", resp.Deployment)
	assert.Equal(t, "ok from only", resp.Content)
}

func TestScenarioAffinityStickToSameDeployment(t *testing.T) {
	clients := map[string]*fakeInferenceClient{
		"a": {name: "a"},
		"b": {name: "b"},
	}
	sb := newTestSwitchboard(t, clients)

	var first string
	for i := 0; i < 10; i++ {
		resp, err := sb.Create(context.Background(), Request{SessionID: "sess-1", Messages: []Message{{Role: "user", Content: "hi"}}})
		require.NoError(t, err)
		if first == "" {
			first = resp.Deployment
		} else {
			assert.Equal(t, first, resp.Deployment, "session should stick to the same deployment")
		}
	}
}

func TestScenarioAffinityFailoverOnUnhealthyBoundDeployment(t *testing.T) {
	clients := map[string]*fakeInferenceClient{
		"a": {name: "a"},
		"b": {name: "b"},
	}
	sb := newTestSwitchboard(t, clients)

	resp, err := sb.Create(context.Background(), Request{SessionID: "sess-1", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	bound := resp.Deployment

	sb.byName[bound].Cooldown(time.Hour)

	resp2, err := sb.Create(context.Background(), Request{SessionID: "sess-1", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.NotEqual(t, bound, resp2.Deployment)
}

func TestScenarioNoHealthyDeploymentExhaustion(t *testing.T) {
	clients := map[string]*fakeInferenceClient{"a": {name: "a"}, "b": {name: "b"}}
	sb := newTestSwitchboard(t, clients)
	for _, c := range sb.dcs {
		c.Cooldown(time.Hour)
	}

	_, err := sb.Create(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	var fail *AllDeploymentsFailed
	require.ErrorAs(t, err, &fail)
}

func TestScenarioRetriesAcrossDeployments(t *testing.T) {
	clients := map[string]*fakeInferenceClient{
		"a": {name: "a", failTimes: 100, err: &TransientUpstream{Deployment: "a", Err: errors.New("503")}},
		"b": {name: "b"},
	}
	sb := newTestSwitchboard(t, clients)

	resp, err := sb.Create(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Deployment)
}

func TestScenarioRatelimitWindowReset(t *testing.T) {
	clients := map[string]*fakeInferenceClient{"a": {name: "a"}}
	sb := newTestSwitchboard(t, clients)
	sb.sup.Stop()
	deployments := make([]supervisor.Deployment, len(sb.dcs))
	for i, c := range sb.dcs {
		deployments[i] = c
	}
	sb.sup = supervisor.New(deployments, time.Hour, 20*time.Millisecond, sb)

	_, err := sb.Create(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	tpm, _ := sb.dcs[0].Usage()
	assert.Greater(t, tpm, int64(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb.sup.Start(ctx)
	time.Sleep(80 * time.Millisecond)
	sb.sup.Stop()

	tpm, _ = sb.dcs[0].Usage()
	assert.Equal(t, int64(0), tpm)
}

func TestPropertyNeverReturnsUnhealthyDeployment(t *testing.T) {
	clients := map[string]*fakeInferenceClient{"a": {name: "a"}, "b": {name: "b"}}
	sb := newTestSwitchboard(t, clients)
	sb.dcs[0].Cooldown(time.Hour)

	for i := 0; i < 20; i++ {
		chosen, err := sb.SelectDeployment(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, sb.dcs[1].Name(), chosen.Name())
	}
}

func TestPropertyAllDeploymentsUnhealthyReturnsSentinel(t *testing.T) {
	clients := map[string]*fakeInferenceClient{"a": {name: "a"}}
	sb := newTestSwitchboard(t, clients)
	sb.dcs[0].Cooldown(time.Hour)

	_, err := sb.SelectDeployment(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoHealthyDeployment)
}

func TestPropertyUnauthorizedNeverRetries(t *testing.T) {
	clients := map[string]*fakeInferenceClient{
		"a": {name: "a", failTimes: 100, err: &Unauthorized{Deployment: "a", Err: errors.New("bad key")}},
		"b": {name: "b"},
	}
	sb := newTestSwitchboard(t, clients)

	_, err := sb.Create(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	var unauth *Unauthorized
	assert.ErrorAs(t, err, &unauth)
	assert.Equal(t, 0, clients["b"].calls, "the outer loop must not have tried the second deployment")
}

func TestPropertyDuplicateDeploymentNamesRejected(t *testing.T) {
	cfg := Defaults()
	cfg.Deployments = []Deployment{{Name: "a"}, {Name: "a"}}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestPropertyRequiresAtLeastOneDeployment(t *testing.T) {
	_, err := New(Defaults())
	assert.Error(t, err)
}

func TestCreateStreamReturnsChunksThenCloses(t *testing.T) {
	clients := map[string]*fakeInferenceClient{"a": {name: "a"}}
	sb := newTestSwitchboard(t, clients)

	stream, err := sb.CreateStream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	var deltas []string
	for {
		chunk, ok := stream.Next(context.Background())
		if !ok {
			break
		}
		if chunk.Delta != "" {
			deltas = append(deltas, chunk.Delta)
		}
	}
	assert.Equal(t, []string{"chunk1"}, deltas)
}

func TestStartStopIdempotent(t *testing.T) {
	clients := map[string]*fakeInferenceClient{"a": {name: "a"}}
	sb := newTestSwitchboard(t, clients)
	ctx := context.Background()
	require.NoError(t, sb.Start(ctx))
	require.NoError(t, sb.Start(ctx))
	require.NoError(t, sb.Stop())
	require.NoError(t, sb.Stop())
}
