// Package transform provides message transformers applied by a dispatch
// worker before each send.
package transform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/courier/internal/model"
)

// Transformer rewrites a message. A nil result aborts the send.
type Transformer interface {
	Init(props model.Properties) error
	Transform(msg any) (any, error)
}

// ErrUnknown is returned for a transformer name nobody registered.
var ErrUnknown = errors.New("unknown transformer")

// Registry maps transformer names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]func() Transformer
}

// NewRegistry returns a registry holding the built-in transformers.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]func() Transformer)}
	r.Register("envelope", func() Transformer { return &Envelope{} })
	r.Register("fields", func() Transformer { return &Fields{} })
	return r
}

// Register binds name to ctor.
func (r *Registry) Register(name string, ctor func() Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// New creates and initializes the transformer called name.
func (r *Registry) New(name string, props model.Properties) (Transformer, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknown, name)
	}
	t := ctor()
	if err := t.Init(props); err != nil {
		return nil, fmt.Errorf("init transformer %q: %w", name, err)
	}
	return t, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Property keys read by the built-in transformers.
const (
	PropertyEnvelopeSource = "Transform.Envelope.Source"
	PropertyFields         = "Transform.Fields"
)

// Envelope wraps each message with a timestamp and source tag.
type Envelope struct {
	source string
	now    func() time.Time
}

// Init reads Transform.Envelope.Source.
func (e *Envelope) Init(props model.Properties) error {
	e.source, _ = props.Get(PropertyEnvelopeSource)
	e.now = time.Now
	return nil
}

// Transform returns the wrapped message.
func (e *Envelope) Transform(msg any) (any, error) {
	out := map[string]any{
		"timestamp": e.now().UTC().Format(time.RFC3339Nano),
		"payload":   msg,
	}
	if e.source != "" {
		out["source"] = e.source
	}
	return out, nil
}

// Fields keeps only selected keys of map messages.
type Fields struct {
	keys []string
}

// Init reads the comma separated Transform.Fields list.
func (f *Fields) Init(props model.Properties) error {
	v, ok := props.Get(PropertyFields)
	if !ok {
		return fmt.Errorf("%s is required", PropertyFields)
	}
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			f.keys = append(f.keys, k)
		}
	}
	if len(f.keys) == 0 {
		return fmt.Errorf("%s lists no fields", PropertyFields)
	}
	return nil
}

// Transform returns the projected map, or nil when no selected key is present.
func (f *Fields) Transform(msg any) (any, error) {
	m, ok := msg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("fields transformer expects map[string]any, got %T", msg)
	}
	out := make(map[string]any, len(f.keys))
	for _, k := range f.keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
