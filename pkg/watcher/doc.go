// Package watcher runs the per-node detection loop: it parses the log
// stream, applies per-inbound concurrency limits through the state
// store, and turns evictions into fleet-wide firewall bans.
package watcher
