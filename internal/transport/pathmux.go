package transport

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
)

// PathMux tracks inbound callbacks per path for transports that can receive.
type PathMux struct {
	paths *xsync.Map[string, []Callback]
}

// NewPathMux creates an empty mux.
func NewPathMux() *PathMux {
	return &PathMux{paths: xsync.NewMap[string, []Callback]()}
}

// Add registers cb on path and reports whether it is the first callback for
// that path, in which case the transport should start listening.
func (m *PathMux) Add(path string, cb Callback) (first bool) {
	m.paths.Compute(path, func(old []Callback, loaded bool) ([]Callback, xsync.ComputeOp) {
		first = len(old) == 0
		next := make([]Callback, 0, len(old)+1)
		next = append(next, old...)
		return append(next, cb), xsync.UpdateOp
	})
	return first
}

// Remove unregisters cb from path. last reports whether path has no callbacks
// left, in which case the transport should stop listening.
func (m *PathMux) Remove(path string, cb Callback) (last, found bool) {
	m.paths.Compute(path, func(old []Callback, loaded bool) ([]Callback, xsync.ComputeOp) {
		next := make([]Callback, 0, len(old))
		for _, c := range old {
			if !found && sameCallback(c, cb) {
				found = true
				continue
			}
			next = append(next, c)
		}
		if len(next) == 0 {
			last = loaded
			return nil, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
	return last, found
}

// Dispatch hands msg to every callback on path and returns how many ran.
func (m *PathMux) Dispatch(path string, msg any) int {
	cbs, ok := m.paths.Load(path)
	if !ok {
		return 0
	}
	for _, cb := range cbs {
		cb.Arrived(path, msg)
	}
	return len(cbs)
}

// Paths returns the registered paths in sorted order.
func (m *PathMux) Paths() []string {
	var out []string
	m.paths.Range(func(path string, _ []Callback) bool {
		out = append(out, path)
		return true
	})
	sort.Strings(out)
	return out
}

// Clear drops every registration.
func (m *PathMux) Clear() {
	m.paths.Clear()
}

func sameCallback(a, b Callback) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
