package switchboard

// Option mutates a Config before construction, following the functional
// option pattern the teacher's engine.New(cfg, opts...) uses.
type Option func(*Config)

// WithClientFactory overrides how each Deployment's InferenceClient is built.
func WithClientFactory(f func(Deployment) InferenceClient) Option {
	return func(c *Config) { c.ClientFactory = f }
}

// WithMetrics toggles and selects the metrics backend ("prom", "otel", "noop").
func WithMetrics(enabled bool, backend string) Option {
	return func(c *Config) {
		c.MetricsEnabled = enabled
		c.MetricsBackend = backend
	}
}

// WithConfigPath enables watching a YAML deployment-list file; changes are
// published as config_change events and do not rebuild the live deployment set.
func WithConfigPath(path string) Option {
	return func(c *Config) { c.ConfigPath = path }
}

// WithTracing enables adaptive span sampling at samplePercent (0-100).
func WithTracing(samplePercent float64) Option {
	return func(c *Config) {
		c.TracingEnabled = true
		c.TracingSamplePercent = samplePercent
	}
}
