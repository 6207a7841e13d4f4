// Package events provides the in-process event bus connecting the node
// watchers to the operator notifier.
package events
