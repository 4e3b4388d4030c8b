// Package dc implements the Deployment Client: one per configured endpoint,
// owning its mutable runtime state (health, cooldown, windowed usage
// counters, in-flight count) and the retry policy around the underlying
// inference client (spec.md §4.1).
package dc

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Usage mirrors switchboard.Usage without importing the root package
// (avoids an import cycle; reconciled 1:1 by the caller).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	TotalTokens      int
}

// Request is the minimal shape the DC needs to estimate and dispatch a
// completion; the root package's Request satisfies it structurally via an
// adapter in adapter.go.
type Request struct {
	Model     string
	Messages  []Message
	Stream    bool
	MaxTokens int
	Extra     map[string]any
}

type Message struct {
	Role    string
	Content string
}

// Response is the DC's non-streaming result.
type Response struct {
	Content string
	Usage   Usage
	Raw     any
}

type StreamChunk struct {
	Delta string
	Usage *Usage
	Raw   any
	Err   error
}

// InferenceClient is the pluggable per-deployment collaborator that actually
// issues the HTTP request (spec.md §1).
type InferenceClient interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// Config is the immutable per-deployment configuration (spec.md §3).
type Config struct {
	Name    string
	APIBase string
	APIKey  string

	APIVersion string
	Timeout    time.Duration

	TPMRatelimit int64
	RPMRatelimit int64

	HealthcheckInterval time.Duration
	CooldownPeriod      time.Duration

	// MaxRetries bounds the DC's own inner retry loop on transient errors.
	MaxRetries int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// State is the DC's externally-observable health state (spec.md §4.1).
type State string

const (
	StateHealthy     State = "healthy"
	StateCoolingDown State = "cooling_down"
	StateUnhealthy   State = "unhealthy"
)

// Client is one Deployment Client: immutable Config plus mutex-guarded
// mutable runtime state, matching the "single-threaded cooperative runtime"
// of spec.md §5 mapped onto Go's true parallelism via sync.Mutex.
type Client struct {
	cfg    Config
	client InferenceClient

	mu            sync.Mutex
	healthy       bool
	cooldownUntil time.Time
	tpmUsed       int64
	rpmUsed       int64
	lastResetAt   time.Time
	inFlight      int64
	state         State
}

// New constructs a Client in the initial Healthy state (spec.md §4.1).
func New(cfg Config, client InferenceClient) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	return &Client{
		cfg:         cfg,
		client:      client,
		healthy:     true,
		state:       StateHealthy,
		lastResetAt: time.Now(),
	}
}

func (c *Client) Name() string { return c.cfg.Name }
func (c *Client) Config() Config { return c.cfg }

// Healthy reports current eligibility for selection, including the
// `healthy = false whenever now < cooldown_until` invariant (spec.md §3).
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthyLocked()
}

func (c *Client) healthyLocked() bool {
	if !c.cooldownUntil.IsZero() && time.Now().Before(c.cooldownUntil) {
		return false
	}
	return c.healthy
}

// InCooldown reports whether the DC is still serving a cooldown deadline;
// the Background Supervisor skips probing these (spec.md §4.4).
func (c *Client) InCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.cooldownUntil.IsZero() && time.Now().Before(c.cooldownUntil)
}

// State returns the current state-machine value for inspection/telemetry.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cooldownUntil.IsZero() && time.Now().Before(c.cooldownUntil) {
		return StateCoolingDown
	}
	if c.healthy {
		return StateHealthy
	}
	return StateUnhealthy
}

// InFlight returns the current in-flight request count.
func (c *Client) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Utilization returns max(rpm_used/rpm_limit, tpm_used/tpm_limit), treating
// an unlimited (0) side as 0 contribution (spec.md §4.1).
func (c *Client) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rpmRatio, tpmRatio float64
	if c.cfg.RPMRatelimit > 0 {
		rpmRatio = float64(c.rpmUsed) / float64(c.cfg.RPMRatelimit)
	}
	if c.cfg.TPMRatelimit > 0 {
		tpmRatio = float64(c.tpmUsed) / float64(c.cfg.TPMRatelimit)
	}
	if rpmRatio > tpmRatio {
		return rpmRatio
	}
	return tpmRatio
}

// UtilizationRatios returns the separate RPM and TPM ratios backing
// Utilization, for telemetry that reports them as distinct gauges
// (spec.md §6 `rpm_utilization`/`tpm_utilization`).
func (c *Client) UtilizationRatios() (rpmRatio, tpmRatio float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.RPMRatelimit > 0 {
		rpmRatio = float64(c.rpmUsed) / float64(c.cfg.RPMRatelimit)
	}
	if c.cfg.TPMRatelimit > 0 {
		tpmRatio = float64(c.tpmUsed) / float64(c.cfg.TPMRatelimit)
	}
	return rpmRatio, tpmRatio
}

// Usage returns a snapshot of the windowed counters, for telemetry/tests.
func (c *Client) Usage() (tpmUsed, rpmUsed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tpmUsed, c.rpmUsed
}

// Cooldown marks the DC unhealthy for d (or the configured CooldownPeriod
// when d <= 0), per spec.md §4.1.
func (c *Client) Cooldown(d time.Duration) {
	if d <= 0 {
		d = c.cfg.CooldownPeriod
	}
	c.mu.Lock()
	c.cooldownUntil = time.Now().Add(d)
	c.healthy = false
	c.mu.Unlock()
}

// ResetUsage rolls the windowed counters at an accounting window boundary
// (called by the Background Supervisor's usage-reset loop, spec.md §4.4).
func (c *Client) ResetUsage() {
	c.mu.Lock()
	c.tpmUsed = 0
	c.rpmUsed = 0
	c.lastResetAt = time.Now()
	c.mu.Unlock()
}

// estimateTokens computes a conservative pre-dispatch token cost so
// concurrent selections do not over-subscribe a deployment before the
// authoritative server-reported usage is available (spec.md §4.1 "Token
// estimation"): chars/4 heuristic over the message text, plus the
// requested (or a default) completion allowance.
func estimateTokens(req Request) int64 {
	const charsPerToken = 4
	const defaultCompletionAllowance = 256

	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	promptEstimate := int64(chars / charsPerToken)
	completionAllowance := int64(req.MaxTokens)
	if completionAllowance <= 0 {
		completionAllowance = defaultCompletionAllowance
	}
	return promptEstimate + completionAllowance
}

var errNoClient = errors.New("dc: no inference client configured")

// Create issues a completion, retrying transient upstream failures inside
// the DC per the bounded exponential-backoff-with-jitter policy, and
// reconciling the provisional token estimate against the server's
// authoritative usage on success (spec.md §4.1).
func (c *Client) Create(ctx context.Context, req Request, classify func(error) (retry, cooldownWorthy bool, retryAfter time.Duration)) (*Response, error) {
	if c.client == nil {
		return nil, errNoClient
	}

	estimate := estimateTokens(req)
	c.beginAttempt(estimate)
	defer c.endAttempt()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, err := c.client.Complete(cctx, req)
		cancel()
		if err == nil {
			c.reconcile(estimate, resp.Usage)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		retry, cooldownWorthy, retryAfter := classify(err)
		if !retry || attempt > c.cfg.MaxRetries {
			if cooldownWorthy {
				c.Cooldown(retryAfter)
			}
			return nil, lastErr
		}
		wait := c.backoffDelay(attempt)
		if retryAfter > 0 {
			wait = retryAfter
		}
		if !sleepWithJitter(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// CreateStream issues a streaming completion. The provisional estimate is
// reconciled when the final chunk's Usage is observed.
func (c *Client) CreateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if c.client == nil {
		return nil, errNoClient
	}
	estimate := estimateTokens(req)
	c.beginAttempt(estimate)

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	upstream, err := c.client.CompleteStream(cctx, req)
	if err != nil {
		cancel()
		c.endAttempt()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer cancel()
		defer c.endAttempt()
		defer close(out)
		for chunk := range upstream {
			if chunk.Usage != nil {
				c.reconcile(estimate, *chunk.Usage)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Probe issues a minimal (near-zero token) completion with a short timeout
// to evaluate health independent of the normal request path (spec.md §4.1).
func (c *Client) Probe(ctx context.Context) bool {
	if c.client == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.client.Complete(pctx, Request{
		Model:     "",
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.healthy = false
		if c.cooldownUntil.IsZero() {
			c.cooldownUntil = time.Now().Add(c.cfg.CooldownPeriod)
		}
		return false
	}
	if !c.cooldownUntil.IsZero() && time.Now().Before(c.cooldownUntil) {
		return false
	}
	c.healthy = true
	c.cooldownUntil = time.Time{}
	return true
}

func (c *Client) beginAttempt(estimate int64) {
	c.mu.Lock()
	c.inFlight++
	c.tpmUsed += estimate
	c.rpmUsed++
	c.mu.Unlock()
}

func (c *Client) endAttempt() {
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}

func (c *Client) reconcile(estimate int64, actual Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	actualTotal := int64(actual.TotalTokens)
	if actualTotal == 0 {
		actualTotal = int64(actual.PromptTokens + actual.CompletionTokens)
	}
	c.tpmUsed += actualTotal - estimate
	if c.tpmUsed < 0 {
		c.tpmUsed = 0
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.cfg.RetryBaseDelay
	max := c.cfg.RetryMaxDelay
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) + 1))
	return jitter
}

func sleepWithJitter(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
