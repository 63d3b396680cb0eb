package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/courier/internal/dispatch"
	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/reaper"
	"github.com/rickgao/courier/internal/transport"
)

var (
	// ErrResourceBusy rejects changes to a subscriber that routes still depend on.
	ErrResourceBusy = errors.New("resource busy")

	// ErrNotFound is returned for unknown subscriber IDs.
	ErrNotFound = fmt.Errorf("%w: subscriber not found", transport.ErrValidation)

	// ErrDisabled is returned when a route tries to use a disabled subscriber.
	ErrDisabled = fmt.Errorf("%w: subscriber is disabled", transport.ErrValidation)
)

// Opener creates workers. *dispatch.Factory implements it.
type Opener interface {
	Open(id, rawURI string, props model.Properties) (*dispatch.Worker, error)
	OpenListener(l dispatch.Listener, props model.Properties) (*dispatch.Worker, error)
	Schemes() []string
}

// Config holds registry configuration.
type Config struct {
	// DefaultProperties apply to every subscriber; subscriber values win.
	DefaultProperties model.Properties

	Reaper reaper.Config
}

// Target identifies a send destination to a Filter.
type Target struct {
	ID         string
	Subscriber model.Subscriber // zero for listeners
	Listener   bool
}

// Filter selects the targets of a send.
type Filter func(Target) bool

// binding is an active worker, in activation order.
type binding struct {
	id       string
	listener bool
	worker   *dispatch.Worker
}

// Registry holds subscribers and their workers.
type Registry struct {
	cfg    Config
	opener Opener
	reaper *reaper.Reaper
	logger *slog.Logger

	mu       sync.Mutex
	order    []string
	subs     map[string]*model.Subscriber
	bindings []*binding
	locks    map[string]int
	uses     map[string]int
}

// New creates a registry from an initial set of subscribers. IDs must be
// present and unique. Enabled subscribers whose worker cannot be opened are
// kept disabled.
func New(cfg Config, opener Opener, subscribers []model.Subscriber, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]struct{}, len(subscribers))
	for i, s := range subscribers {
		if s.ID == "" {
			return nil, transport.Validationf("subscribers[%d]: id must be set", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, transport.Validationf("subscribers[%d]: id %q is not unique", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	r := &Registry{
		cfg:    cfg,
		opener: opener,
		reaper: reaper.New(cfg.Reaper, logger),
		logger: logger.With("component", "subscriber"),
		subs:   make(map[string]*model.Subscriber),
		locks:  make(map[string]int),
		uses:   make(map[string]int),
	}

	for _, s := range subscribers {
		s := s.Clone()
		if s.Enabled {
			w, err := r.open(s)
			if err != nil {
				r.logger.Error("failed to open subscriber, disabling", "id", s.ID, "uri", s.URI, "error", err)
				s.Enabled = false
			} else {
				r.bindings = append(r.bindings, &binding{id: s.ID, worker: w})
			}
		}
		r.order = append(r.order, s.ID)
		r.subs[s.ID] = &s
	}

	r.reaper.Start(context.Background())
	r.logger.Info("subscriber registry started", "subscribers", len(r.order), "active", len(r.bindings))
	return r, nil
}

// Add registers a new subscriber and returns its generated ID. The ID field
// must be empty. If the subscriber is enabled but its worker cannot be
// opened, it is registered disabled and the failure is logged.
func (r *Registry) Add(s model.Subscriber) (string, error) {
	if s.ID != "" {
		return "", transport.Validationf("subscriber id must not be set")
	}
	s = s.Clone()
	s.ID = uuid.NewString()

	var w *dispatch.Worker
	if s.Enabled {
		var err error
		if w, err = r.open(s); err != nil {
			r.logger.Error("failed to open subscriber, disabling", "id", s.ID, "uri", s.URI, "error", err)
			s.Enabled = false
		}
	}

	r.mu.Lock()
	r.order = append(r.order, s.ID)
	r.subs[s.ID] = &s
	if w != nil {
		r.bindings = append(r.bindings, &binding{id: s.ID, worker: w})
	}
	r.mu.Unlock()

	r.logger.Info("subscriber added", "id", s.ID, "uri", s.URI, "enabled", s.Enabled)
	return s.ID, nil
}

// AddListener registers a one-shot listener. It receives the next message
// sent to all targets and is then removed.
func (r *Registry) AddListener(l dispatch.Listener) (string, error) {
	w, err := r.opener.OpenListener(l, r.cfg.DefaultProperties)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	r.mu.Lock()
	r.bindings = append(r.bindings, &binding{id: id, listener: true, worker: w})
	r.mu.Unlock()
	return id, nil
}

// Update replaces the fields of an existing subscriber. It fails with
// ErrResourceBusy while enabled routes use the subscriber. The replacement
// worker is opened before the registry is locked; the superseded worker is
// disposed after it is unlocked.
func (r *Registry) Update(s model.Subscriber) error {
	if s.ID == "" {
		return transport.Validationf("subscriber id must be set")
	}
	s = s.Clone()

	var next *dispatch.Worker
	if s.Enabled {
		var err error
		if next, err = r.open(s); err != nil {
			return fmt.Errorf("update subscriber %s: %w", s.ID, err)
		}
	}

	old, err := r.swap(s, next)
	if err != nil {
		if next != nil {
			next.Dispose()
		}
		return err
	}

	if old != nil {
		old.Dispose()
		r.reaper.CancelAllFor(s.ID)
	}
	r.logger.Info("subscriber updated", "id", s.ID, "uri", s.URI, "enabled", s.Enabled)
	return nil
}

func (r *Registry) swap(s model.Subscriber, next *dispatch.Worker) (*dispatch.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.subs[s.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	if r.uses[s.ID] > 0 {
		return nil, fmt.Errorf("%w: subscriber %s is in use", ErrResourceBusy, s.ID)
	}

	var old *dispatch.Worker
	if i := r.bindingIndex(s.ID); i >= 0 {
		old = r.bindings[i].worker
		if next != nil {
			r.bindings[i].worker = next
		} else {
			r.bindings = slices.Delete(r.bindings, i, i+1)
		}
	} else if next != nil {
		r.bindings = append(r.bindings, &binding{id: s.ID, worker: next})
	}
	*current = s
	return old, nil
}

// Remove deletes a subscriber. It fails with ErrResourceBusy while any route
// is bound to it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, ok := r.subs[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.locks[id] > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: subscriber %s is referenced", ErrResourceBusy, id)
	}

	var old *dispatch.Worker
	if i := r.bindingIndex(id); i >= 0 {
		old = r.bindings[i].worker
		r.bindings = slices.Delete(r.bindings, i, i+1)
	}
	delete(r.subs, id)
	delete(r.locks, id)
	delete(r.uses, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.mu.Unlock()

	if old != nil {
		old.Dispose()
		r.reaper.CancelAllFor(id)
	}
	r.logger.Info("subscriber removed", "id", id)
	return nil
}

// Get returns a copy of the subscriber with id.
func (r *Registry) Get(id string) (model.Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return model.Subscriber{}, false
	}
	return s.Clone(), true
}

// Subscribers returns copies of all subscribers in registration order.
func (r *Registry) Subscribers() []model.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Subscriber, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id].Clone())
	}
	return out
}

// HasEnabledSubscribers reports whether any subscriber has an active worker.
func (r *Registry) HasEnabledSubscribers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bindings {
		if !b.listener {
			return true
		}
	}
	return false
}

// HasListeners reports whether any listener is waiting for a message.
func (r *Registry) HasListeners() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bindings {
		if b.listener {
			return true
		}
	}
	return false
}

// WorkerStats returns the counters of every active subscriber worker.
func (r *Registry) WorkerStats() map[string]dispatch.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]dispatch.Stats, len(r.bindings))
	for _, b := range r.bindings {
		if !b.listener {
			out[b.id] = b.worker.Stats()
		}
	}
	return out
}

// Schemes lists the destination URI schemes that can be opened.
func (r *Registry) Schemes() []string {
	return r.opener.Schemes()
}

// Send submits msg to every active subscriber and listener.
func (r *Registry) Send(msg any) map[string]*dispatch.Handle {
	return r.SendFiltered(msg, nil)
}

// SendListeners submits msg to the waiting listeners only.
func (r *Registry) SendListeners(msg any) map[string]*dispatch.Handle {
	return r.SendFiltered(msg, func(t Target) bool { return t.Listener })
}

// SendFiltered submits msg to the targets accepted by filter, or all targets
// when filter is nil. The filter runs under the registry lock and must not
// call back into the registry. Selected listeners are consumed.
func (r *Registry) SendFiltered(msg any, filter Filter) map[string]*dispatch.Handle {
	r.mu.Lock()
	selected := make([]*binding, 0, len(r.bindings))
	kept := r.bindings[:0:0]
	for _, b := range r.bindings {
		take := true
		if filter != nil {
			t := Target{ID: b.id, Listener: b.listener}
			if !b.listener {
				t.Subscriber = r.subs[b.id].Clone()
			}
			take = filter(t)
		}
		if take {
			selected = append(selected, b)
		}
		if !(take && b.listener) {
			kept = append(kept, b)
		}
	}
	r.bindings = kept
	r.mu.Unlock()

	out := make(map[string]*dispatch.Handle, len(selected))
	for _, b := range selected {
		h := b.worker.Submit(msg)
		r.reaper.Track(b.id, h)
		out[b.id] = h
	}
	return out
}

// Dispose stops every subscriber worker, those in error first. Waiting
// listeners are cancelled only when cancelListeners is set; otherwise they
// stay registered for their one message.
func (r *Registry) Dispose(cancelListeners bool) {
	r.mu.Lock()
	snapshot := slices.Clone(r.bindings)
	r.mu.Unlock()

	var failing, rest []*binding
	disposed := make(map[*binding]bool, len(snapshot))
	for _, b := range snapshot {
		switch {
		case b.listener:
			if cancelListeners {
				rest = append(rest, b)
			}
		case !b.worker.Healthy():
			failing = append(failing, b)
		default:
			rest = append(rest, b)
		}
	}

	for _, pass := range [][]*binding{failing, rest} {
		var g errgroup.Group
		for _, b := range pass {
			disposed[b] = true
			g.Go(func() error {
				b.worker.Dispose()
				return nil
			})
		}
		_ = g.Wait()
	}

	r.mu.Lock()
	r.bindings = slices.DeleteFunc(r.bindings, func(b *binding) bool { return disposed[b] })
	r.mu.Unlock()

	r.reaper.DisposeAll()
	r.logger.Info("subscriber registry disposed", "workers", len(disposed), "failing_first", len(failing))
}

// Lock records a route bound to subscriber id.
func (r *Registry) Lock(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.locks[id]++
	return nil
}

// Unlock releases a route binding taken with Lock.
func (r *Registry) Unlock(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[id] > 0 {
		r.locks[id]--
	}
}

// Use records an enabled route delivering through subscriber id. It fails
// unless the subscriber is enabled with an active worker.
func (r *Registry) Use(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !s.Enabled || r.bindingIndex(id) < 0 {
		return fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	r.uses[id]++
	return nil
}

// Unuse releases a use taken with Use.
func (r *Registry) Unuse(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uses[id] > 0 {
		r.uses[id]--
	}
}

// LockCount returns the number of routes bound to id.
func (r *Registry) LockCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[id]
}

// UseCount returns the number of enabled routes using id.
func (r *Registry) UseCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uses[id]
}

// Worker returns the active worker of subscriber id, or nil.
func (r *Registry) Worker(id string) *dispatch.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.bindingIndex(id); i >= 0 && !r.bindings[i].listener {
		return r.bindings[i].worker
	}
	return nil
}

// open builds a worker with the default properties merged under the subscriber's own.
func (r *Registry) open(s model.Subscriber) (*dispatch.Worker, error) {
	return r.opener.Open(s.ID, s.URI, s.Properties.Merge(r.cfg.DefaultProperties))
}

// bindingIndex must be called with mu held.
func (r *Registry) bindingIndex(id string) int {
	return slices.IndexFunc(r.bindings, func(b *binding) bool { return b.id == id })
}
