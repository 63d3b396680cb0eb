package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if !strings.HasPrefix(c.HTTP.MetricsPath, "/") {
		return errors.New("http.metrics_path must start with /")
	}
	if !strings.HasPrefix(c.HTTP.HealthPath, "/") {
		return errors.New("http.health_path must start with /")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}

	if c.Worker.EscalateAfter <= 0 {
		return errors.New("worker.escalate_after must be positive")
	}
	if c.Reaper.Interval <= 0 {
		return errors.New("reaper.interval must be positive")
	}
	if c.Input.Format != "json" && c.Input.Format != "text" {
		return fmt.Errorf("input.format must be json or text, got %q", c.Input.Format)
	}

	subscribers := make(map[string]bool, len(c.Subscribers))
	for i, s := range c.Subscribers {
		prefix := fmt.Sprintf("subscribers[%d]", i)
		if s.ID == "" {
			return fmt.Errorf("%s.id is required", prefix)
		}
		if subscribers[s.ID] {
			return fmt.Errorf("%s.id %q is not unique", prefix, s.ID)
		}
		subscribers[s.ID] = true
		if err := validateURI(prefix, s.URI); err != nil {
			return err
		}
	}

	subscriptors := make(map[string]bool, len(c.Subscriptors))
	for i, s := range c.Subscriptors {
		prefix := fmt.Sprintf("subscriptors[%d]", i)
		if s.ID == "" {
			return fmt.Errorf("%s.id is required", prefix)
		}
		if subscriptors[s.ID] {
			return fmt.Errorf("%s.id %q is not unique", prefix, s.ID)
		}
		subscriptors[s.ID] = true
		if !subscribers[s.SubscriberID] {
			return fmt.Errorf("%s.subscriber_id %q does not name a subscriber", prefix, s.SubscriberID)
		}
	}

	return nil
}

func validateURI(prefix, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s.uri is required", prefix)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s.uri: %w", prefix, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("%s.uri %q has no scheme", prefix, raw)
	}
	return nil
}
