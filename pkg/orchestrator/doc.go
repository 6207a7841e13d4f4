// Package orchestrator composes the fleet: one watcher and one
// firewall worker per configured node, startup health checks, and the
// control-plane operations (fleet status, force ensure, unban).
package orchestrator
