package switchboard

import "time"

// Deployment is the immutable, per-endpoint configuration for one Azure
// OpenAI deployment. Name is the primary key within a Switchboard; it must
// be unique across the configured set.
type Deployment struct {
	Name    string
	APIBase string
	APIKey  string

	APIVersion string
	Timeout    time.Duration

	TPMRatelimit int64
	RPMRatelimit int64

	HealthcheckInterval time.Duration
	CooldownPeriod      time.Duration
}

func (d Deployment) withDefaults() Deployment {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.HealthcheckInterval <= 0 {
		d.HealthcheckInterval = 10 * time.Second
	}
	if d.CooldownPeriod <= 0 {
		d.CooldownPeriod = 10 * time.Second
	}
	if d.APIVersion == "" {
		d.APIVersion = "2024-06-01"
	}
	return d
}

// Config is the public configuration surface for constructing a Switchboard.
// It intentionally narrows and normalizes underlying component configs,
// following the facade shape of the teacher's engine.Config.
type Config struct {
	Deployments []Deployment

	// ClientFactory, when non-nil, is used to construct the inference client
	// for each Deployment instead of the default Azure OpenAI HTTP client.
	// This is the pluggable DC contract described in spec.md §6.
	ClientFactory func(Deployment) InferenceClient

	HealthcheckInterval time.Duration
	RatelimitWindow      time.Duration
	SessionCapacity      int
	MaxAttempts          int

	// MetricsEnabled toggles metrics provider wiring.
	MetricsEnabled bool
	// MetricsBackend selects the provider implementation: "prom" (default),
	// "otel", or "noop".
	MetricsBackend string

	// ConfigPath, when set, is watched for deployment-list changes via
	// internal/configwatch; a change is published as a config_change event and
	// does not rebuild the live deployment set. Optional; the Switchboard works
	// fine without it.
	ConfigPath string

	// TracingEnabled toggles the adaptive-sampling tracer.
	TracingEnabled       bool
	TracingSamplePercent float64
}

// Defaults returns a Config with the defaults named in spec.md §6.
func Defaults() Config {
	return Config{
		HealthcheckInterval: 10 * time.Second,
		RatelimitWindow:      60 * time.Second,
		SessionCapacity:      1024,
		MaxAttempts:          3,
		MetricsEnabled:       false,
		MetricsBackend:       "prom",
	}
}

func (c Config) normalized() Config {
	if c.HealthcheckInterval <= 0 {
		c.HealthcheckInterval = 10 * time.Second
	}
	if c.SessionCapacity <= 0 {
		c.SessionCapacity = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	deployments := make([]Deployment, len(c.Deployments))
	for i, d := range c.Deployments {
		deployments[i] = d.withDefaults()
	}
	c.Deployments = deployments
	return c
}
