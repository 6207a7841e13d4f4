// Package types contains the shared data structures used across guardian
// packages: node descriptors, stream sentinels, firewall state, and ban
// events.
package types
