package transport

import (
	"net"
	"net/url"
	"time"

	"github.com/rickgao/courier/internal/model"
)

// DefaultTimeout bounds connect and write operations when a transport's
// timeout property is unset.
const DefaultTimeout = 10 * time.Second

// TimeoutOf reads a millisecond timeout property, falling back to def.
func TimeoutOf(props model.Properties, key string, def time.Duration) (time.Duration, error) {
	d, ok, err := props.Duration(key)
	if err != nil {
		return 0, Validationf("%s: %v", key, err)
	}
	if !ok {
		return def, nil
	}
	if d <= 0 {
		return 0, Validationf("%s must be positive", key)
	}
	return d, nil
}

// HostPort returns u's host and port, failing when the port is missing.
func HostPort(u *url.URL) (string, error) {
	if u.Hostname() == "" {
		return "", Validationf("destination host must be set")
	}
	if u.Port() == "" {
		return "", Validationf("destination port must be set")
	}
	return net.JoinHostPort(u.Hostname(), u.Port()), nil
}
