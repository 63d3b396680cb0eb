package dispatch

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/monitor"
	"github.com/rickgao/courier/internal/transform"
	"github.com/rickgao/courier/internal/transport"
)

// ErrListenerConsumed is returned when a listener is asked to receive twice.
var ErrListenerConsumed = errors.New("listener already received its message")

// TLSProvider returns client TLS material for a subscription, or nil for none.
type TLSProvider func(id string) (*tls.Config, error)

// FactoryConfig holds settings applied to every worker the factory opens.
type FactoryConfig struct {
	EscalateAfter time.Duration
}

// Factory opens workers from destination URIs and properties.
type Factory struct {
	cfg        FactoryConfig
	transports *transport.Registry
	transforms *transform.Registry
	broker     monitor.Broker
	tls        TLSProvider
	logger     *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithTLSProvider sets the source of TLS material for transports that accept it.
func WithTLSProvider(p TLSProvider) FactoryOption {
	return func(f *Factory) {
		f.tls = p
	}
}

// WithBroker sets the health notification sink.
func WithBroker(b monitor.Broker) FactoryOption {
	return func(f *Factory) {
		f.broker = b
	}
}

// WithTransforms sets the transformer registry.
func WithTransforms(r *transform.Registry) FactoryOption {
	return func(f *Factory) {
		f.transforms = r
	}
}

// NewFactory creates a factory that resolves schemes through transports.
func NewFactory(cfg FactoryConfig, transports *transport.Registry, logger *slog.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:        cfg,
		transports: transports,
		transforms: transform.NewRegistry(),
		broker:     monitor.Nop,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Schemes lists the URI schemes the factory can open.
func (f *Factory) Schemes() []string {
	return f.transports.Schemes()
}

// Open creates a worker for the subscription id delivering to rawURI.
// All failures are ValidationFailures except transport init errors, which
// keep their own class.
func (f *Factory) Open(id, rawURI string, props model.Properties) (*Worker, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, transport.Validationf("invalid uri %q: %v", rawURI, err)
	}
	if u.Scheme == "" {
		return nil, transport.Validationf("uri %q has no scheme", rawURI)
	}

	cfg, transformer, err := f.workerConfig(props)
	if err != nil {
		return nil, err
	}
	cfg.URI = u
	cfg.Source = rawURI

	t, err := f.transports.New(u.Scheme)
	if err != nil {
		return nil, err
	}
	if err := t.Init(u, props); err != nil {
		t.Dispose()
		if !transport.IsClassified(err) {
			err = fmt.Errorf("%w: %w", transport.ErrValidation, err)
		}
		return nil, fmt.Errorf("init %s transport: %w", u.Scheme, err)
	}
	if t.SupportsTLS() && f.tls != nil {
		tlsCfg, err := f.tls(id)
		if err != nil {
			t.Dispose()
			return nil, transport.Validationf("tls config for %s: %v", id, err)
		}
		if tlsCfg != nil {
			if err := t.SetTLSConfig(tlsCfg); err != nil {
				t.Dispose()
				return nil, fmt.Errorf("set tls config: %w", err)
			}
		}
	}

	return NewWorker(cfg, t, transformer, f.broker, f.logger), nil
}

// OpenListener creates a one-shot worker that hands its first message to l
// and disposes itself.
func (f *Factory) OpenListener(l Listener, props model.Properties) (*Worker, error) {
	if l == nil {
		return nil, transport.Validationf("listener must not be nil")
	}
	cfg, transformer, err := f.workerConfig(props)
	if err != nil {
		return nil, err
	}
	cfg.Source = ListenerSource

	t := newListenerTransport(l)
	w := NewWorker(cfg, t, transformer, f.broker, f.logger)
	t.onceDone = w.Dispose
	return w, nil
}

func (f *Factory) workerConfig(props model.Properties) (Config, transform.Transformer, error) {
	cfg := Config{EscalateAfter: f.cfg.EscalateAfter}

	period, ok, err := props.Duration(model.PropertyResendPeriod)
	if err != nil {
		return cfg, nil, fmt.Errorf("%w: %w", transport.ErrValidation, err)
	}
	if ok {
		if period < MinResendPeriod {
			return cfg, nil, transport.Validationf("%s must be at least %d", model.PropertyResendPeriod, MinResendPeriod.Milliseconds())
		}
		cfg.ResendPeriod = period
	}

	size, ok, err := props.Int(model.PropertyQueueSize)
	if err != nil {
		return cfg, nil, fmt.Errorf("%w: %w", transport.ErrValidation, err)
	}
	if ok {
		if size < MinQueueSize {
			return cfg, nil, transport.Validationf("%s must be at least %d", model.PropertyQueueSize, MinQueueSize)
		}
		cfg.QueueSize = size
	}

	name, ok := props.Get(model.PropertyTransformer)
	if !ok {
		return cfg, nil, nil
	}
	transformer, err := f.transforms.New(name, props)
	if err != nil {
		return cfg, nil, fmt.Errorf("%w: %w", transport.ErrValidation, err)
	}
	return cfg, transformer, nil
}
