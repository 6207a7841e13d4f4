// Package store is the redis-backed session-state client: age-ordered
// address slots per (inbound, user) with bounded retention, and
// recent-ban markers with TTL for fleet-wide dedup.
package store
