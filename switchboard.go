// Package switchboard is a client-side, coordination-free load balancer
// distributing chat-completion requests across a pool of Azure OpenAI-style
// deployments (spec.md §1).
package switchboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/configwatch"
	"switchboard/internal/dc"
	"switchboard/internal/selection"
	"switchboard/internal/sessionmap"
	"switchboard/internal/supervisor"
	"switchboard/internal/telemetry/events"
	"switchboard/internal/telemetry/health"
	"switchboard/internal/telemetry/metrics"
	"switchboard/internal/telemetry/tracing"
)

// Switchboard is the facade: holds the DC set, Session Map and Background
// Supervisor, and orchestrates the outer retry/failover loop across
// deployments (spec.md §2.5, §4.5).
type Switchboard struct {
	cfg    Config
	dcs    []*dc.Client
	byName map[string]*dc.Client
	sm     *sessionmap.Map
	sup    *supervisor.Supervisor

	metricsProvider metrics.Provider
	eventBus        events.Bus
	tracer          tracing.Tracer
	healthEval      *health.Evaluator
	watcher         *configwatch.Watcher

	mRequests     metrics.Counter
	mDuration     metrics.Histogram
	mTokens       metrics.Counter
	mRPMUtil      metrics.Gauge
	mTPMUtil      metrics.Gauge
	mHealthy      metrics.Gauge
	mAffinity     metrics.Counter

	mu      sync.Mutex
	started bool
}

// New constructs a Switchboard from cfg, applying opts first (spec.md §6).
func New(cfg Config, opts ...Option) (*Switchboard, error) {
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	cfg = cfg.normalized()
	if len(cfg.Deployments) == 0 {
		return nil, errors.New("switchboard: at least one deployment is required")
	}

	sb := &Switchboard{cfg: cfg, byName: make(map[string]*dc.Client)}
	sb.metricsProvider = selectMetricsProvider(cfg)
	sb.eventBus = events.NewBus(sb.metricsProvider)
	if cfg.TracingEnabled {
		pct := cfg.TracingSamplePercent
		sb.tracer = tracing.NewAdaptiveTracer(func() float64 { return pct })
	} else {
		sb.tracer = tracing.NewTracer(false)
	}
	sb.sm = sessionmap.New(cfg.SessionCapacity)
	sb.initMetrics()

	factory := cfg.ClientFactory
	if factory == nil {
		factory = newAzureOpenAIClient
	}

	seen := make(map[string]bool, len(cfg.Deployments))
	for _, d := range cfg.Deployments {
		if seen[d.Name] {
			return nil, fmt.Errorf("switchboard: duplicate deployment name %q", d.Name)
		}
		seen[d.Name] = true

		client := factory(d)
		dcCfg := dc.Config{
			Name:                d.Name,
			APIBase:             d.APIBase,
			APIKey:              d.APIKey,
			APIVersion:          d.APIVersion,
			Timeout:             d.Timeout,
			TPMRatelimit:        d.TPMRatelimit,
			RPMRatelimit:        d.RPMRatelimit,
			HealthcheckInterval: d.HealthcheckInterval,
			CooldownPeriod:      d.CooldownPeriod,
		}
		c := dc.New(dcCfg, &dcClientAdapter{inner: client})
		sb.dcs = append(sb.dcs, c)
		sb.byName[d.Name] = c
	}

	deployments := make([]supervisor.Deployment, len(sb.dcs))
	for i, c := range sb.dcs {
		deployments[i] = c
	}
	sb.sup = supervisor.New(deployments, cfg.HealthcheckInterval, cfg.RatelimitWindow, sb)

	probes := make([]health.Probe, 0, len(sb.dcs))
	for _, c := range sb.dcs {
		c := c
		probes = append(probes, health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if c.Healthy() {
				return health.Healthy(c.Name())
			}
			return health.Unhealthy(c.Name(), "cooldown or failed probe")
		}))
	}
	sb.healthEval = health.NewEvaluator(2*time.Second, probes...)

	return sb, nil
}

func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func (sb *Switchboard) initMetrics() {
	p := sb.metricsProvider
	sb.mRequests = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Name: metrics.NameRequestsTotal, Help: "total completions issued", Labels: []string{"deployment", "model", "status"},
	}})
	sb.mDuration = p.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
		Name: metrics.NameRequestDurationSeconds, Help: "completion latency", Labels: []string{"deployment", "model", "status"},
	}})
	sb.mTokens = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Name: metrics.NameTokensTotal, Help: "tokens observed", Labels: []string{"deployment", "model", "kind"},
	}})
	sb.mRPMUtil = p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Name: metrics.NameRPMUtilization, Help: "RPM utilization ratio", Labels: []string{"deployment"},
	}})
	sb.mTPMUtil = p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Name: metrics.NameTPMUtilization, Help: "TPM utilization ratio", Labels: []string{"deployment"},
	}})
	sb.mHealthy = p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Name: metrics.NameDeploymentHealthy, Help: "1 if healthy else 0", Labels: []string{"deployment"},
	}})
	sb.mAffinity = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Name: metrics.NameSessionAffinityEvents, Help: "session affinity outcomes", Labels: []string{"outcome"},
	}})
}

// Start launches the Background Supervisor and, if configured, the
// deployment-list file watcher. Idempotent (spec.md §6).
func (sb *Switchboard) Start(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.started {
		return nil
	}
	sb.started = true
	sb.sup.Start(ctx)

	if sb.cfg.ConfigPath != "" {
		w, err := configwatch.NewWatcher(sb.cfg.ConfigPath)
		if err != nil {
			return fmt.Errorf("switchboard: %w", err)
		}
		sb.watcher = w
		changes, errs := w.Watch(ctx)
		go sb.watchConfigChanges(ctx, changes, errs)
	}
	return nil
}

func (sb *Switchboard) watchConfigChanges(ctx context.Context, changes <-chan configwatch.DeploymentSetChange, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			sb.eventBus.PublishCtx(ctx, events.Event{
				Category: events.CategoryConfig,
				Type:     "deployment_set_changed",
				Fields:   map[string]interface{}{"count": len(change.Deployments)},
			})
		case err, ok := <-errs:
			if !ok {
				return
			}
			sb.eventBus.PublishCtx(ctx, events.Event{Category: events.CategoryConfig, Type: "watch_error", Fields: map[string]interface{}{"error": err.Error()}})
		}
	}
}

// Stop cancels the supervisor and releases watcher resources. Idempotent.
func (sb *Switchboard) Stop() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.started {
		return nil
	}
	sb.started = false
	sb.sup.Stop()
	if sb.watcher != nil {
		return sb.watcher.Close()
	}
	return nil
}

// OnProbe implements supervisor.Observer, feeding the deployment_healthy
// gauge and the event bus.
func (sb *Switchboard) OnProbe(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	sb.mHealthy.Set(v, name)
	sb.eventBus.Publish(events.Event{Category: events.CategoryHealth, Type: "probe", Deployment: name, Fields: map[string]interface{}{"healthy": healthy}})
}

// OnReset implements supervisor.Observer.
func (sb *Switchboard) OnReset(name string) {
	sb.eventBus.Publish(events.Event{Category: events.CategoryCooldown, Type: "usage_reset", Deployment: name})
}

// Events exposes the event bus for external observers (spec.md §9.1).
func (sb *Switchboard) Events() events.Bus { return sb.eventBus }

// HealthSnapshot rolls up per-deployment probe state (spec.md §9.1).
func (sb *Switchboard) HealthSnapshot(ctx context.Context) health.Snapshot {
	return sb.healthEval.Evaluate(ctx)
}

func (sb *Switchboard) candidatesExcluding(excluded map[string]bool) []*dc.Client {
	out := make([]*dc.Client, 0, len(sb.dcs))
	for _, c := range sb.dcs {
		if !excluded[c.Name()] {
			out = append(out, c)
		}
	}
	return out
}

// SelectDeployment exposes the Selection Engine for testing/inspection
// (spec.md §6).
func (sb *Switchboard) SelectDeployment(ctx context.Context, sessionID string) (*dc.Client, error) {
	chosen, event, err := selection.Select(sb.dcs, sb.sm, sessionID)
	if err != nil {
		return nil, translateSelectionErr(err)
	}
	sb.recordAffinityEvent(event)
	return chosen, nil
}

func translateSelectionErr(err error) error {
	if errors.Is(err, selection.ErrNoHealthyDeployment) {
		return ErrNoHealthyDeployment
	}
	return err
}

func (sb *Switchboard) recordAffinityEvent(event selection.AffinityEvent) {
	if event == selection.AffinityNone {
		return
	}
	sb.mAffinity.Inc(1, string(event))
	sb.eventBus.Publish(events.Event{Category: events.CategoryAffinity, Type: string(event)})
}

// Create implements the outer retry/failover loop across deployments
// (spec.md §4.5).
func (sb *Switchboard) Create(ctx context.Context, req Request) (*Response, error) {
	ctx, span := sb.tracer.StartSpan(ctx, "switchboard.Create")
	defer span.End()

	requestID := uuid.NewString()
	excluded := make(map[string]bool)
	var attempts []AttemptError

	for attempt := 0; attempt < sb.cfg.MaxAttempts; attempt++ {
		candidates := sb.candidatesExcluding(excluded)
		chosen, event, err := selection.Select(candidates, sb.sm, req.SessionID)
		if err != nil {
			attempts = append(attempts, AttemptError{RequestID: requestID, Err: translateSelectionErr(err)})
			continue
		}
		sb.recordAffinityEvent(event)

		start := time.Now()
		resp, cerr := chosen.Create(ctx, toDCRequest(req), classifyForDC)
		dur := time.Since(start)

		if cerr == nil {
			sb.recordCompletion(chosen.Name(), req.Model, dur, resp.Usage, true)
			return &Response{Deployment: chosen.Name(), Content: resp.Content, Usage: fromDCUsage(resp.Usage), Raw: resp.Raw}, nil
		}

		sb.recordCompletion(chosen.Name(), req.Model, dur, dc.Usage{}, false)
		attempts = append(attempts, AttemptError{RequestID: requestID, Deployment: chosen.Name(), Err: cerr})

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(cerr) {
			return nil, cerr
		}

		excluded[chosen.Name()] = true
		if req.SessionID != "" {
			sb.sm.Evict(req.SessionID)
		}
	}
	return nil, &AllDeploymentsFailed{Attempts: attempts}
}

func (sb *Switchboard) recordCompletion(deployment, model string, dur time.Duration, usage dc.Usage, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	sb.mRequests.Inc(1, deployment, model, status)
	sb.mDuration.Observe(dur.Seconds(), deployment, model, status)
	if success {
		sb.mTokens.Inc(float64(usage.PromptTokens), deployment, model, "prompt")
		sb.mTokens.Inc(float64(usage.CompletionTokens), deployment, model, "completion")
		sb.mTokens.Inc(float64(usage.CachedTokens), deployment, model, "cached")
	}
	if c, ok := sb.byName[deployment]; ok {
		rpmRatio, tpmRatio := c.UtilizationRatios()
		sb.mRPMUtil.Set(rpmRatio, deployment)
		sb.mTPMUtil.Set(tpmRatio, deployment)
	}
}

// CreateStream implements the outer retry loop for streaming completions.
// Retries only apply before the stream has been handed to the caller; once
// returned, mid-stream errors are terminal (spec.md §4.5, §9 design notes).
func (sb *Switchboard) CreateStream(ctx context.Context, req Request) (*Stream, error) {
	requestID := uuid.NewString()
	excluded := make(map[string]bool)
	var attempts []AttemptError

	for attempt := 0; attempt < sb.cfg.MaxAttempts; attempt++ {
		candidates := sb.candidatesExcluding(excluded)
		chosen, event, err := selection.Select(candidates, sb.sm, req.SessionID)
		if err != nil {
			attempts = append(attempts, AttemptError{RequestID: requestID, Err: translateSelectionErr(err)})
			continue
		}
		sb.recordAffinityEvent(event)

		dcStream, serr := chosen.CreateStream(ctx, toDCRequest(req))
		if serr != nil {
			attempts = append(attempts, AttemptError{RequestID: requestID, Deployment: chosen.Name(), Err: serr})
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !isRetryable(serr) {
				return nil, serr
			}
			if isDeploymentLevel(serr) {
				chosen.Cooldown(0)
			}
			excluded[chosen.Name()] = true
			if req.SessionID != "" {
				sb.sm.Evict(req.SessionID)
			}
			continue
		}
		return &Stream{Deployment: chosen.Name(), chunks: sb.wrapDCStream(dcStream, chosen.Name(), req.Model)}, nil
	}
	return nil, &AllDeploymentsFailed{Attempts: attempts}
}

func (sb *Switchboard) wrapDCStream(in <-chan dc.StreamChunk, deployment, model string) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		start := time.Now()
		success := true
		for chunk := range in {
			sc := StreamChunk{Delta: chunk.Delta, Raw: chunk.Raw, Err: chunk.Err}
			if chunk.Usage != nil {
				u := fromDCUsage(*chunk.Usage)
				sc.Usage = &u
				sb.mTokens.Inc(float64(u.PromptTokens), deployment, model, "prompt")
				sb.mTokens.Inc(float64(u.CompletionTokens), deployment, model, "completion")
				sb.mTokens.Inc(float64(u.CachedTokens), deployment, model, "cached")
			}
			if chunk.Err != nil {
				success = false
			}
			out <- sc
		}
		status := "success"
		if !success {
			status = "error"
		}
		sb.mRequests.Inc(1, deployment, model, status)
		sb.mDuration.Observe(time.Since(start).Seconds(), deployment, model, status)
	}()
	return out
}
