package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures an OTelProvider.
type OTelProviderOptions struct {
	// MeterProvider, when nil, defaults to a fresh in-process
	// sdkmetric.MeterProvider with no exporter attached (the caller wires
	// readers/exporters onto it before or after construction).
	MeterProvider *sdkmetric.MeterProvider
	MeterName     string
}

// NewOTelProvider returns a Provider backed by the OpenTelemetry metrics SDK,
// the alternative backend named in spec.md §9.1/§10.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	mp := opts.MeterProvider
	if mp == nil {
		mp = sdkmetric.NewMeterProvider()
	}
	name := opts.MeterName
	if name == "" {
		name = "switchboard"
	}
	return &otelProvider{mp: mp, meter: mp.Meter(name)}
}

type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

func buildOTelName(c CommonOpts) string {
	switch {
	case c.Namespace != "" && c.Subsystem != "":
		return c.Namespace + "." + c.Subsystem + "." + c.Name
	case c.Namespace != "":
		return c.Namespace + "." + c.Name
	case c.Subsystem != "":
		return c.Subsystem + "." + c.Name
	default:
		return c.Name
	}
}

func attrsFor(labelNames, labelValues []string) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(labelValues))
	for i, v := range labelValues {
		if i < len(labelNames) {
			kvs = append(kvs, attribute.String(labelNames[i], v))
		}
	}
	return attribute.NewSet(kvs...)
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(buildOTelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labels: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(buildOTelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labels: opts.Labels, prev: make(map[attribute.Distinct]float64)}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(buildOTelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labels: opts.Labels}
}

func (p *otelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &otelTimer{hist: hist, start: time.Now()} }
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

type otelCounter struct {
	c      metric.Float64Counter
	labels []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.c.Add(context.Background(), delta, metric.WithAttributeSet(attrsFor(c.labels, labels)))
}

type otelGauge struct {
	g      metric.Float64UpDownCounter
	labels []string
	mu     sync.Mutex
	prev   map[attribute.Distinct]float64
}

func (g *otelGauge) Set(v float64, labels ...string) {
	set := attrsFor(g.labels, labels)
	g.mu.Lock()
	diff := v - g.prev[set.Equivalent()]
	g.prev[set.Equivalent()] = v
	g.mu.Unlock()
	if diff != 0 {
		g.g.Add(context.Background(), diff, metric.WithAttributeSet(set))
	}
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	set := attrsFor(g.labels, labels)
	g.mu.Lock()
	g.prev[set.Equivalent()] += delta
	g.mu.Unlock()
	g.g.Add(context.Background(), delta, metric.WithAttributeSet(set))
}

type otelHistogram struct {
	h      metric.Float64Histogram
	labels []string
}

func (h *otelHistogram) Observe(value float64, labels ...string) {
	h.h.Record(context.Background(), value, metric.WithAttributeSet(attrsFor(h.labels, labels)))
}

type otelTimer struct {
	hist  Histogram
	start time.Time
}

func (t *otelTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}
