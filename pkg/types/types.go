package types

import (
	"fmt"
	"net"
	"time"
)

// NodeSpec describes a remote node running the proxy container.
// Immutable after config load.
type NodeSpec struct {
	Name      string
	Host      string
	SSHPort   int
	SSHUser   string
	Container string

	// Exactly one of SSHKey (path to private key) or SSHPass is set.
	SSHKey  string
	SSHPass string
}

// Key returns the host:port identity used for per-host caches.
func (n NodeSpec) Key() string {
	return fmt.Sprintf("%s:%d", n.Host, n.SSHPort)
}

func (n NodeSpec) String() string {
	return fmt.Sprintf("<Node %s@%s:%d>", n.Name, n.Host, n.SSHPort)
}

// NodeState represents the watcher's view of a node
type NodeState string

const (
	NodeStateStarting     NodeState = "starting"
	NodeStateAttached     NodeState = "attached"
	NodeStateAbusing      NodeState = "abusing"
	NodeStateDetached     NodeState = "detached"
	NodeStateReconnecting NodeState = "reconnecting"
)

// Sentinel identifies an in-band control line emitted by the remote
// stream script (or synthesized by the supervisor).
type Sentinel string

const (
	SentinelNone         Sentinel = ""
	SentinelAttach       Sentinel = "attach"
	SentinelFollow       Sentinel = "follow"
	SentinelNoDocker     Sentinel = "no_docker"
	SentinelNoContainer  Sentinel = "no_container"
	SentinelNoProcess    Sentinel = "no_xray_process"
	SentinelFDUnreadable Sentinel = "fd_unreadable"
	SentinelStreamExit   Sentinel = "log_stream_exit"
)

// StreamLine is one line surfaced by the log-stream supervisor. Raw log
// lines have Sentinel == SentinelNone.
type StreamLine struct {
	Sentinel Sentinel
	Text     string
}

// Backend identifies the firewall toolchain available on a node
type Backend string

const (
	BackendUnknown  Backend = ""
	BackendIPTables Backend = "iptables"
	BackendNFT      Backend = "nftables"
	BackendNone     Backend = "none"
)

// FirewallStatus reports the enforcement state probed on one node
type FirewallStatus struct {
	Node    string
	Backend Backend
	SetV4   bool
	SetV6   bool
	// Rules maps chain name to drop-rule presence in that chain.
	Rules   map[string]bool
	Ensured bool
	Err     string
}

// BanEvent records one eviction that was enforced across the fleet
type BanEvent struct {
	Address      string
	User         string
	Inbound      string
	Duration     time.Duration
	SuccessNodes []string
	FailedNodes  []string
	DetectedAt   time.Time
}

// SessionEntry is one (inbound, user) slot listed from the state store
type SessionEntry struct {
	Inbound   string
	User      string
	Addresses []string
}

// BannedEntry is one recent-ban marker listed from the state store
type BannedEntry struct {
	Address   string
	Remaining time.Duration
}

// IsIPv6 reports whether addr is a valid IPv6 address. Invalid input
// returns false for both IsIPv6 and ValidAddress.
func IsIPv6(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() == nil
}

// ValidAddress reports whether addr parses as IPv4 or IPv6. Every
// address handed to the firewall layer must pass this check.
func ValidAddress(addr string) bool {
	return net.ParseIP(addr) != nil
}
