package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Property keys understood by the dispatch layer and the built-in transports.
const (
	PropertyMimeType     = "Transport.MimeType"
	PropertyTransformer  = "Transport.Transformer"
	PropertyResendPeriod = "Transport.Resend.RepeatPeriod"
	PropertyQueueSize    = "Transport.Resend.QueueSize"

	PropertyTCPTimeout     = "Transport.TCP.Timeout"
	PropertyUDPTimeout     = "Transport.UDP.Timeout"
	PropertyHTTPTimeout    = "Transport.HTTP.Timeout"
	PropertyHTTPMethod     = "Transport.HTTP.Method"
	PropertyHTTPSBypassSSL = "Transport.HTTPS.BypassSSLVerification"
	PropertyWSTimeout      = "Transport.WS.Timeout"
	PropertyMQTTTimeout    = "Transport.MQTT.Timeout"
	PropertyNATSTimeout    = "Transport.NATS.Timeout"
	PropertyRedisTimeout   = "Transport.Redis.Timeout"
	PropertySQLTable       = "Transport.SQL.Table"
	PropertySQLTimeout     = "Transport.SQL.Timeout"
)

// ErrInvalidProperty is returned by the typed getters for malformed values.
var ErrInvalidProperty = errors.New("invalid property")

// Properties is a flat key/value configuration bag.
type Properties map[string]string

// Clone returns a copy, or nil for a nil bag.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns defaults overlaid with p. Values in p win.
func (p Properties) Merge(defaults Properties) Properties {
	out := make(Properties, len(defaults)+len(p))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the value for key and whether it is set to a non-empty value.
func (p Properties) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok && v != ""
}

// Keys returns the keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Int parses key as an integer. ok is false when the key is unset.
func (p Properties) Int(key string) (n int, ok bool, err error) {
	v, set := p.Get(key)
	if !set {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidProperty, key, v)
	}
	return n, true, nil
}

// Duration parses key as a number of milliseconds.
func (p Properties) Duration(key string) (d time.Duration, ok bool, err error) {
	n, ok, err := p.Int(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if n < 0 {
		return 0, true, fmt.Errorf("%w: %s=%d must not be negative", ErrInvalidProperty, key, n)
	}
	return time.Duration(n) * time.Millisecond, true, nil
}

// Bool parses key with strconv.ParseBool.
func (p Properties) Bool(key string) (b bool, ok bool, err error) {
	v, set := p.Get(key)
	if !set {
		return false, false, nil
	}
	b, err = strconv.ParseBool(v)
	if err != nil {
		return false, true, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidProperty, key, v)
	}
	return b, true, nil
}
