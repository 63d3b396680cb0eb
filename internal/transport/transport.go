package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"

	"github.com/rickgao/courier/internal/model"
)

// Error classes.
var (
	// ErrValidation marks bad configuration or arguments. Never retried.
	ErrValidation = errors.New("validation failure")

	// ErrConnectivity marks transient network or broker unavailability.
	ErrConnectivity = errors.New("connectivity failure")

	// ErrTransport marks any other transport error. Never retried.
	ErrTransport = errors.New("transport failure")

	// ErrUnsupported is returned for operations a transport does not offer.
	ErrUnsupported = fmt.Errorf("%w: operation not supported", ErrTransport)
)

// Validationf formats a validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Connectivity wraps err as a connectivity failure.
func Connectivity(err error) error {
	if err == nil || errors.Is(err, ErrConnectivity) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}

// Failure wraps err as a generic transport failure unless it is already classified.
func Failure(err error) error {
	if err == nil || IsClassified(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// IsClassified reports whether err carries one of the error classes.
func IsClassified(err error) bool {
	return errors.Is(err, ErrConnectivity) || errors.Is(err, ErrTransport) || errors.Is(err, ErrValidation)
}

// Callback receives inbound messages on a registered path.
type Callback interface {
	Arrived(path string, msg any)
}

// CallbackFunc adapts a function to a Callback. Function values are not
// comparable, so a CallbackFunc can be added but not removed by value; use a
// pointer type when RemovePath is needed.
type CallbackFunc func(path string, msg any)

// Arrived calls f.
func (f CallbackFunc) Arrived(path string, msg any) {
	f(path, msg)
}

// Transporter is implemented by every wire protocol.
type Transporter interface {
	// Init parses the destination and properties. It must not block on I/O
	// for longer than the transport's configured timeout.
	Init(u *url.URL, props model.Properties) error

	// Send delivers msg to the destination.
	Send(ctx context.Context, msg any) error

	// SendTo delivers msg with an explicit name, path and per-route properties.
	SendTo(ctx context.Context, msg any, name, path string, props model.Properties) error

	// AddPath registers cb for inbound messages on path.
	AddPath(path string, cb Callback) error

	// RemovePath unregisters cb from path.
	RemovePath(path string, cb Callback) error

	// SupportsTLS reports whether SetTLSConfig is honoured.
	SupportsTLS() bool

	// SetTLSConfig injects client TLS material.
	SetTLSConfig(cfg *tls.Config) error

	// Dispose releases all resources. The transporter must not be used afterwards.
	Dispose()
}

// Outbound can be embedded by send-only transports. It rejects inbound paths
// and TLS injection.
type Outbound struct{}

// AddPath returns ErrUnsupported.
func (Outbound) AddPath(string, Callback) error { return ErrUnsupported }

// RemovePath returns ErrUnsupported.
func (Outbound) RemovePath(string, Callback) error { return ErrUnsupported }

// SupportsTLS returns false.
func (Outbound) SupportsTLS() bool { return false }

// SetTLSConfig returns ErrUnsupported.
func (Outbound) SetTLSConfig(*tls.Config) error { return ErrUnsupported }
