package database

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Pool size defaults.
const (
	DefaultMinConns = 0
	DefaultMaxConns = 4
)

// DBConfig describes one PostgreSQL database.
type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MinConns int
	MaxConns int
}

// FromURL builds a DBConfig from a postgres:// destination. The pool_min and
// pool_max query parameters size the pool.
func FromURL(u *url.URL) (DBConfig, error) {
	cfg := DBConfig{
		Host:     u.Hostname(),
		Port:     5432,
		Name:     strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
		MinConns: DefaultMinConns,
		MaxConns: DefaultMaxConns,
	}
	if cfg.Host == "" {
		return DBConfig{}, fmt.Errorf("database host must be set")
	}
	if cfg.Name == "" || strings.Contains(cfg.Name, "/") {
		return DBConfig{}, fmt.Errorf("database name %q is invalid", cfg.Name)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return DBConfig{}, fmt.Errorf("parse port: %w", err)
		}
		cfg.Port = n
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}

	q := u.Query()
	for key, dst := range map[string]*int{"pool_min": &cfg.MinConns, "pool_max": &cfg.MaxConns} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return DBConfig{}, fmt.Errorf("%s %q must be a non-negative integer", key, raw)
		}
		*dst = n
	}
	if cfg.MaxConns < 1 || cfg.MinConns > cfg.MaxConns {
		return DBConfig{}, fmt.Errorf("pool size %d..%d is invalid", cfg.MinConns, cfg.MaxConns)
	}
	return cfg, nil
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}
