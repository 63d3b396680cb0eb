package transport

import (
	"sort"
	"strings"
	"sync"
)

// Factory creates an uninitialized Transporter.
type Factory func() Transporter

// Registry maps URI schemes to transport factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds f to each scheme. Later registrations replace earlier ones.
func (r *Registry) Register(f Factory, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.factories[strings.ToLower(s)] = f
	}
}

// New returns a fresh transporter for scheme.
func (r *Registry) New(scheme string) (Transporter, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, Validationf("no transporter registered for scheme %q", scheme)
	}
	return f(), nil
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
