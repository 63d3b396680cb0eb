// Package monitor tracks destination health and forwards health transitions
// to a notification sink.
//
// A HealthState only reports transitions: the first error (even from the
// initial unknown state) and the first recovery after a reported error.
// Repeated failures or successes are silent.
package monitor
