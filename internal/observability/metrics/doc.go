// Package metrics exposes fleet counters (cycles, policy decisions,
// transfers, HTTP requests) in the Prometheus text format.
package metrics
