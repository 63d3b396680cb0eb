// Package router maps subscriptors onto subscribers and keeps the
// subscriber registry's lock and use counts in step with them.
//
// Every transition acquires the new target before releasing the old one and
// registers the new path before unregistering the old, so a subscriber is
// never removable or updatable while a route still points at it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/courier/internal/dispatch"
	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/reaper"
	"github.com/rickgao/courier/internal/transport"
)

// Subscribers is the part of the subscriber registry the router relies on.
type Subscribers interface {
	Get(id string) (model.Subscriber, bool)
	Lock(id string) error
	Unlock(id string)
	Use(id string) error
	Unuse(id string)
	Worker(id string) *dispatch.Worker
}

type route struct {
	sub  model.Subscriptor
	busy bool
}

// Router delivers messages along subscriptors.
type Router struct {
	cfg      Config
	subs     Subscribers
	callback transport.Callback
	reaper   *reaper.Reaper
	logger   *slog.Logger

	mu     sync.Mutex
	order  []string
	routes map[string]*route

	sent    atomic.Int64
	skipped atomic.Int64
}

// New creates a router. callback, when non-nil, is registered for inbound
// messages on every enabled route's path. Initial subscriptors that are
// invalid or cannot be attached are logged and skipped.
func New(cfg Config, subs Subscribers, callback transport.Callback, subscriptors []model.Subscriptor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:      cfg,
		subs:     subs,
		callback: callback,
		reaper:   reaper.New(cfg.Reaper, logger),
		logger:   logger.With("component", "router"),
		routes:   make(map[string]*route),
	}

	for _, s := range subscriptors {
		s := s.Clone()
		if err := r.load(s); err != nil {
			r.logger.Warn("failed to load subscriptor", "id", s.ID, "subscriber", s.SubscriberID, "error", err)
		}
	}

	r.reaper.Start(context.Background())
	r.logger.Info("router started", "subscriptors", len(r.order))
	return r
}

func (r *Router) load(s model.Subscriptor) error {
	if s.ID == "" {
		return transport.Validationf("subscriptor id must be set")
	}
	if _, dup := r.routes[s.ID]; dup {
		return transport.Validationf("subscriptor id %q is not unique", s.ID)
	}
	if err := r.attach(s); err != nil {
		return err
	}
	r.order = append(r.order, s.ID)
	r.routes[s.ID] = &route{sub: s}
	return nil
}

// Add registers a new subscriptor and returns its generated ID.
func (r *Router) Add(s model.Subscriptor) (string, error) {
	if s.ID != "" {
		return "", transport.Validationf("subscriptor id must not be set")
	}
	s = s.Clone()
	s.ID = uuid.NewString()

	if err := r.attach(s); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.order = append(r.order, s.ID)
	r.routes[s.ID] = &route{sub: s}
	r.mu.Unlock()

	r.logger.Info("subscriptor added", "id", s.ID, "subscriber", s.SubscriberID, "path", s.Path, "enabled", s.Enabled)
	return s.ID, nil
}

// attach validates s and takes its lock, use and path on the target subscriber.
func (r *Router) attach(s model.Subscriptor) error {
	if err := validate(s); err != nil {
		return err
	}
	if _, ok := r.subs.Get(s.SubscriberID); !ok {
		return transport.Validationf("unknown subscriber %q", s.SubscriberID)
	}
	if err := r.subs.Lock(s.SubscriberID); err != nil {
		return err
	}
	if s.Enabled {
		if err := r.enable(s, s.SubscriberID); err != nil {
			r.subs.Unlock(s.SubscriberID)
			return err
		}
	}
	return nil
}

// Update replaces an existing subscriptor, moving its counts and path
// registration to the new target and state.
func (r *Router) Update(s model.Subscriptor) error {
	if s.ID == "" {
		return transport.Validationf("subscriptor id must be set")
	}
	if err := validate(s); err != nil {
		return err
	}
	s = s.Clone()

	cur, err := r.begin(s)
	if err != nil {
		return err
	}

	if err := r.transition(cur, s); err != nil {
		r.end(s.ID, nil)
		return err
	}
	r.end(s.ID, &s)

	if cur.Enabled && !s.Enabled {
		r.reaper.CancelAllFor(s.ID)
	}
	r.logger.Info("subscriptor updated", "id", s.ID, "subscriber", s.SubscriberID, "path", s.Path, "enabled", s.Enabled)
	return nil
}

// begin checks the update under the lock and marks the route busy.
func (r *Router) begin(s model.Subscriptor) (model.Subscriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.routes[s.ID]
	if !ok {
		return model.Subscriptor{}, fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	if rt.busy {
		return model.Subscriptor{}, fmt.Errorf("%w: subscriptor %s is being reconfigured", ErrResourceBusy, s.ID)
	}
	cur := rt.sub

	target, ok := r.subs.Get(s.SubscriberID)
	if !ok {
		return model.Subscriptor{}, transport.Validationf("unknown subscriber %q", s.SubscriberID)
	}
	if s.Enabled && !target.Enabled {
		sameTarget := s.SubscriberID == cur.SubscriberID
		if !sameTarget || !cur.Enabled {
			return model.Subscriptor{}, transport.Validationf("cannot enable subscriptor %s on disabled subscriber %s", s.ID, s.SubscriberID)
		}
	}

	rt.busy = true
	return cur, nil
}

// end clears the busy mark and stores next when the update succeeded.
func (r *Router) end(id string, next *model.Subscriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[id]
	if !ok {
		return
	}
	rt.busy = false
	if next != nil {
		rt.sub = *next
	}
}

func (r *Router) transition(cur, next model.Subscriptor) error {
	oldID, newID := cur.SubscriberID, next.SubscriberID
	retarget := oldID != newID

	if retarget {
		if err := r.subs.Lock(newID); err != nil {
			return err
		}
	}

	switch {
	case cur.Enabled && !next.Enabled:
		r.removePath(cur, oldID)
		r.subs.Unuse(oldID)

	case cur.Enabled && next.Enabled && retarget:
		if err := r.enable(next, newID); err != nil {
			r.subs.Unlock(newID)
			return err
		}
		r.removePath(cur, oldID)
		r.subs.Unuse(oldID)

	case cur.Enabled && next.Enabled:
		if composedChanged(r.subs.Worker(oldID), cur.Path, next.Path) {
			if err := r.addPath(next, oldID); err != nil {
				return err
			}
			r.removePath(cur, oldID)
		}

	case !cur.Enabled && next.Enabled:
		if err := r.enable(next, newID); err != nil {
			if retarget {
				r.subs.Unlock(newID)
			}
			return err
		}
	}

	if retarget {
		r.subs.Unlock(oldID)
	}
	return nil
}

// enable takes a use on target and registers the route's path, rolling back
// the use when the path cannot be added.
func (r *Router) enable(s model.Subscriptor, target string) error {
	if err := r.subs.Use(target); err != nil {
		return fmt.Errorf("enable subscriptor %s: %w", s.ID, err)
	}
	if err := r.addPath(s, target); err != nil {
		r.subs.Unuse(target)
		return err
	}
	return nil
}

// Remove deletes a subscriptor and releases its hold on the subscriber.
func (r *Router) Remove(id string) error {
	r.mu.Lock()
	rt, ok := r.routes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rt.busy {
		r.mu.Unlock()
		return fmt.Errorf("%w: subscriptor %s is being reconfigured", ErrResourceBusy, id)
	}
	s := rt.sub
	delete(r.routes, id)
	r.order = slices.DeleteFunc(r.order, func(o string) bool { return o == id })
	r.mu.Unlock()

	r.detach(s)
	r.logger.Info("subscriptor removed", "id", id)
	return nil
}

func (r *Router) detach(s model.Subscriptor) {
	if s.Enabled {
		r.removePath(s, s.SubscriberID)
		r.subs.Unuse(s.SubscriberID)
		r.reaper.CancelAllFor(s.ID)
	}
	r.subs.Unlock(s.SubscriberID)
}

// Get returns a copy of the subscriptor with id.
func (r *Router) Get(id string) (model.Subscriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[id]
	if !ok {
		return model.Subscriptor{}, false
	}
	return rt.sub.Clone(), true
}

// Subscriptors returns copies of all subscriptors in registration order.
func (r *Router) Subscriptors() []model.Subscriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Subscriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.routes[id].sub.Clone())
	}
	return out
}

// HasEnabledSubscriptors reports whether any route is enabled.
func (r *Router) HasEnabledSubscriptors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routes {
		if rt.sub.Enabled {
			return true
		}
	}
	return false
}

// Send submits msg along every enabled subscriptor. The result is keyed by
// subscriptor ID.
func (r *Router) Send(msg any) map[string]*dispatch.Handle {
	r.mu.Lock()
	snapshot := make([]model.Subscriptor, 0, len(r.order))
	for _, id := range r.order {
		if rt := r.routes[id]; rt.sub.Enabled {
			snapshot = append(snapshot, rt.sub)
		}
	}
	r.mu.Unlock()

	out := make(map[string]*dispatch.Handle, len(snapshot))
	for _, s := range snapshot {
		w := r.subs.Worker(s.SubscriberID)
		if w == nil {
			r.skipped.Add(1)
			r.logger.Debug("no active worker for subscriptor", "id", s.ID, "subscriber", s.SubscriberID)
			continue
		}
		h := w.SubmitTo(msg, s.Name, composePath(w.BasePath(), s.Path), s.Properties)
		r.reaper.Track(s.ID, h)
		out[s.ID] = h
		r.sent.Add(1)
	}
	return out
}

// Stats returns current router statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	st := Stats{Subscriptors: len(r.routes)}
	for _, rt := range r.routes {
		if rt.sub.Enabled {
			st.Enabled++
		}
	}
	r.mu.Unlock()
	st.Sent = r.sent.Load()
	st.Skipped = r.skipped.Load()
	return st
}

// Dispose removes every subscriptor and stops the reaper.
func (r *Router) Dispose() {
	r.mu.Lock()
	routes := make([]model.Subscriptor, 0, len(r.order))
	for _, id := range r.order {
		routes = append(routes, r.routes[id].sub)
	}
	r.order = nil
	r.routes = make(map[string]*route)
	r.mu.Unlock()

	for _, s := range routes {
		r.detach(s)
	}
	r.reaper.DisposeAll()
	r.logger.Info("router disposed", "subscriptors", len(routes))
}

func (r *Router) addPath(s model.Subscriptor, target string) error {
	if r.callback == nil {
		return nil
	}
	w := r.subs.Worker(target)
	if w == nil {
		return transport.Validationf("subscriber %s has no active worker", target)
	}
	if err := w.AddPath(composePath(w.BasePath(), s.Path), r.callback); err != nil {
		// Send-only destinations still route outbound messages.
		if errors.Is(err, transport.ErrUnsupported) {
			return nil
		}
		return fmt.Errorf("add path for subscriptor %s: %w", s.ID, err)
	}
	return nil
}

func (r *Router) removePath(s model.Subscriptor, target string) {
	if r.callback == nil {
		return
	}
	w := r.subs.Worker(target)
	if w == nil {
		return
	}
	if err := w.RemovePath(composePath(w.BasePath(), s.Path), r.callback); err != nil && !errors.Is(err, transport.ErrUnsupported) {
		r.logger.Debug("failed to remove path", "id", s.ID, "subscriber", target, "error", err)
	}
}

func composedChanged(w *dispatch.Worker, oldPath, newPath string) bool {
	if w == nil {
		return oldPath != newPath
	}
	return composePath(w.BasePath(), oldPath) != composePath(w.BasePath(), newPath)
}

func validate(s model.Subscriptor) error {
	if s.SubscriberID == "" {
		return transport.Validationf("subscriber id must be set")
	}
	if _, ok := s.Properties.Get(model.PropertyMimeType); ok {
		return fmt.Errorf("%w: %s: %w", transport.ErrValidation, model.PropertyMimeType, errMimeType)
	}
	return nil
}
