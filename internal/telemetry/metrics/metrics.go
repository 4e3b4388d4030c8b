// Package metrics defines the pluggable measurement abstraction the core
// emits named measurements through (spec.md §6 metric names).
package metrics

import "context"

// Counter represents a monotonically increasing value.
type Counter interface {
	Inc(delta float64, labels ...string)
}

// Gauge represents a value that can go up or down.
type Gauge interface {
	Set(value float64, labels ...string)
	Add(delta float64, labels ...string)
}

// Histogram records observations into buckets and tracks count + sum.
type Histogram interface {
	Observe(value float64, labels ...string)
}

// Timer is a handle returned by a Histogram's start-timer constructor; it
// records the elapsed time since creation when ObserveDuration is called.
type Timer interface {
	ObserveDuration(labels ...string)
}

// Provider is the top-level metrics provider abstraction. Both the
// Prometheus and OpenTelemetry backends implement it, as does NoopProvider.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

// CommonOpts is embedded into each metric option struct.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }

type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

// NewNoopProvider returns a provider that discards every measurement.
func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (noopProvider) Health(context.Context) error { return nil }

func (noopCounter) Inc(float64, ...string)   {}
func (noopGauge) Set(float64, ...string)     {}
func (noopGauge) Add(float64, ...string)     {}
func (noopHistogram) Observe(float64, ...string) {}
func (noopTimer) ObserveDuration(...string)  {}

// Names are the stable metric names the core is required to emit.
const (
	NameRequestsTotal           = "requests_total"
	NameRequestDurationSeconds  = "request_duration_seconds"
	NameTokensTotal             = "tokens_total"
	NameRPMUtilization          = "rpm_utilization"
	NameTPMUtilization          = "tpm_utilization"
	NameDeploymentHealthy       = "deployment_healthy"
	NameSessionAffinityEvents   = "session_affinity_events_total"
)
