// Package metrics exposes guardian's Prometheus collectors and the
// optional metrics/health HTTP listener.
package metrics
