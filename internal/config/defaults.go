package config

import (
	"github.com/rickgao/courier/internal/dispatch"
	"github.com/rickgao/courier/internal/reaper"
)

// Default values for optional configuration fields.
const (
	DefaultInstanceID     = "courier"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultHTTPPort       = 9090
	DefaultMetricsPath    = "/metrics"
	DefaultHealthPath     = "/health"
	DefaultEscalateAfter  = dispatch.DefaultEscalateAfter
	DefaultReaperInterval = reaper.DefaultInterval
	DefaultInputFormat    = "json"
)

// Default returns a configuration with every default applied and no
// subscribers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// HTTP defaults
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.MetricsPath == "" {
		c.HTTP.MetricsPath = DefaultMetricsPath
	}
	if c.HTTP.HealthPath == "" {
		c.HTTP.HealthPath = DefaultHealthPath
	}

	if c.Worker.EscalateAfter == 0 {
		c.Worker.EscalateAfter = DefaultEscalateAfter
	}
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = DefaultReaperInterval
	}
	if c.Input.Format == "" {
		c.Input.Format = DefaultInputFormat
	}
}
