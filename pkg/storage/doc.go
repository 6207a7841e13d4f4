// Package storage persists the small pieces of local guardian state
// that must survive restarts, backed by bbolt.
package storage
