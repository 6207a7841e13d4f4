// Package stream supervises the per-node log stream: it attaches to
// the proxy process inside the target container over the remote shell,
// re-attaches across process and container restarts, and classifies
// control sentinels for the watcher.
package stream
