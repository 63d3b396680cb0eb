// Package config loads the courier daemon configuration from YAML with
// environment expansion, .env files and COURIER_* overrides.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rickgao/courier/internal/model"
)

// Config is the root configuration for cmd/courier.
type Config struct {
	Instance     InstanceConfig      `yaml:"instance"`
	Log          LogConfig           `yaml:"log"`
	HTTP         HTTPConfig          `yaml:"http"`
	TLS          TLSConfig           `yaml:"tls"`
	Defaults     DefaultsConfig      `yaml:"defaults"`
	Worker       WorkerConfig        `yaml:"worker"`
	Reaper       ReaperConfig        `yaml:"reaper"`
	Input        InputConfig         `yaml:"input"`
	Subscribers  []model.Subscriber  `yaml:"subscribers"`
	Subscriptors []model.Subscriptor `yaml:"subscriptors"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id" env:"INSTANCE_ID"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// SlogLevel maps Level onto slog, defaulting to Info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HTTPConfig configures the health and metrics listener.
type HTTPConfig struct {
	Port        int    `yaml:"port" env:"HTTP_PORT"`
	MetricsPath string `yaml:"metrics_path" env:"HTTP_METRICS_PATH"`
	HealthPath  string `yaml:"health_path" env:"HTTP_HEALTH_PATH"`
}

// TLSConfig is client TLS material injected into transports that accept it.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file" env:"TLS_CA_FILE"`
	CertFile           string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile            string `yaml:"key_file" env:"TLS_KEY_FILE"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
}

// Enabled reports whether any TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CAFile != "" || t.CertFile != "" || t.InsecureSkipVerify
}

// Build loads the configured material. It returns nil when nothing is set.
func (t TLSConfig) Build() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca file contains no certificates")
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// DefaultsConfig holds process-wide subscriber property defaults.
type DefaultsConfig struct {
	Properties model.Properties `yaml:"properties"`
}

// WorkerConfig tunes dispatch workers.
type WorkerConfig struct {
	EscalateAfter time.Duration `yaml:"escalate_after" env:"WORKER_ESCALATE_AFTER"`
}

// ReaperConfig tunes completed-send cleanup.
type ReaperConfig struct {
	Interval time.Duration `yaml:"interval" env:"REAPER_INTERVAL"`
}

// InputConfig selects how stdin lines are decoded into messages.
type InputConfig struct {
	Format string `yaml:"format" env:"INPUT_FORMAT"`
}
