package monitor

import "sync/atomic"

// State is the value held by a HealthState.
type State int32

const (
	StateUnknown State = iota
	StateError
	StateOK
)

func (s State) String() string {
	switch s {
	case StateError:
		return "error"
	case StateOK:
		return "ok"
	default:
		return "unknown"
	}
}

// HealthState is a lock-free tri-state transition tracker. The zero value is
// StateUnknown and ready to use.
type HealthState struct {
	v atomic.Int32
}

// Fail moves to StateError. It reports true only when the state was not
// already StateError, so the caller notifies once per outage.
func (h *HealthState) Fail() bool {
	for {
		cur := h.v.Load()
		if State(cur) == StateError {
			return false
		}
		if h.v.CompareAndSwap(cur, int32(StateError)) {
			return true
		}
	}
}

// Resolve moves to StateOK. It reports true only when leaving StateError.
func (h *HealthState) Resolve() bool {
	if h.v.CompareAndSwap(int32(StateError), int32(StateOK)) {
		return true
	}
	h.v.CompareAndSwap(int32(StateUnknown), int32(StateOK))
	return false
}

// Current returns the current state.
func (h *HealthState) Current() State {
	return State(h.v.Load())
}

// IsError reports whether the last transition was to StateError.
func (h *HealthState) IsError() bool {
	return h.Current() == StateError
}
