// Package model defines the configuration entities shared across the delivery engine.
//
// Conventions:
//   - IDs: opaque strings (UUIDs when generated by the registry or router)
//   - URIs: destination addresses whose scheme selects the transport
//   - Properties: flat dotted keys, durations in milliseconds
package model
