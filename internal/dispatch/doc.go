// Package dispatch implements the per-destination delivery lane.
//
// A Worker owns one Transporter and a FIFO of pending sends. Sends run one at
// a time in submission order. Connectivity failures are retried in place
// when a resend period is configured, which holds back everything queued
// behind the failing message. When a queue size is configured, submissions
// beyond it are shed immediately with an already completed Handle.
//
// Two health machines are kept per worker, one for delivery errors and one
// for queue overflow. Each reports only its transitions to the monitor.Broker.
package dispatch
