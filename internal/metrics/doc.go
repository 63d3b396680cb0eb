// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Destination health transitions and current health per kind
//   - Per-subscriber submitted, delivered, failed and discarded counts
//   - Pending sends and connection escalations per subscriber
//   - Subscriptor counts and routed sends
package metrics
