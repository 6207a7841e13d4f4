package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/remote"
	"github.com/zeroharbor/guardian/pkg/types"
)

var (
	// ErrNoBackend marks a node with neither iptables nor nftables
	ErrNoBackend = errors.New("no firewall backend available")
	// ErrInvalidAddress rejects anything that is not an IPv4/IPv6 literal
	ErrInvalidAddress = errors.New("invalid address")
	// ErrVerifyFailed marks an ensure pass whose fixtures did not come back
	ErrVerifyFailed = errors.New("firewall verification failed")
)

// Enforcer manages the timed ban sets and drop rules across the fleet.
// One instance serves every watcher; per-node state (backend, ensured
// flag, batching worker) is keyed by host:port.
type Enforcer struct {
	runner *remote.Runner
	logger zerolog.Logger

	mu       sync.Mutex
	backends map[string]types.Backend
	ensured  map[string]bool
	workers  map[string]*banWorker
}

// NewEnforcer creates an enforcer
func NewEnforcer(runner *remote.Runner) *Enforcer {
	return &Enforcer{
		runner:   runner,
		logger:   log.WithComponent("firewall"),
		backends: make(map[string]types.Backend),
		ensured:  make(map[string]bool),
		workers:  make(map[string]*banWorker),
	}
}

// StartWorker starts the node's batching worker eagerly. Repeated
// calls for the same node are no-ops.
func (e *Enforcer) StartWorker(ctx context.Context, node types.NodeSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workers[node.Key()]; ok {
		return
	}
	w := newBanWorker(node, func(ctx context.Context, items []banItem) error {
		return e.submitBatch(ctx, node, items)
	})
	e.workers[node.Key()] = w
	go w.run(ctx)
}

func (e *Enforcer) worker(node types.NodeSpec) *banWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers[node.Key()]
}

// EnsureRules idempotently installs the timed sets and drop rules on
// the node, verifying the result before caching. force re-runs the
// script even when the node is already marked ensured.
func (e *Enforcer) EnsureRules(ctx context.Context, node types.NodeSpec, force bool) error {
	key := node.Key()
	e.mu.Lock()
	done := e.ensured[key]
	e.mu.Unlock()
	if done && !force {
		return nil
	}

	backend := e.detectBackend(ctx, node)
	switch backend {
	case types.BackendNone:
		return fmt.Errorf("node %s: %w", node.Name, ErrNoBackend)
	case types.BackendUnknown:
		return fmt.Errorf("node %s: backend probe failed", node.Name)
	}

	if err := e.ensureOnce(ctx, node, backend); err == nil {
		e.mu.Lock()
		e.ensured[key] = true
		e.mu.Unlock()
		return nil
	}

	// one remediation pass: re-run the full script and re-verify.
	// Unverified hosts stay uncached so the next attempt starts fresh.
	if err := e.ensureOnce(ctx, node, backend); err != nil {
		return err
	}
	e.mu.Lock()
	e.ensured[key] = true
	e.mu.Unlock()
	return nil
}

func (e *Enforcer) ensureOnce(ctx context.Context, node types.NodeSpec, backend types.Backend) error {
	res := e.runner.Run(ctx, node, "sh -lc "+shellQuote(buildEnsureScript(backend)), 60*time.Second)
	if !res.Ok() {
		return fmt.Errorf("failed to ensure rules on %s (rc=%d): %s", node.Name, res.ExitCode, strings.TrimSpace(string(res.Output)))
	}

	verify := e.runner.Run(ctx, node, "sh -lc "+shellQuote(buildVerifyScript(backend)), 30*time.Second)
	out := string(verify.Output)
	for _, fixture := range []string{"SET_V4_OK", "SET_V6_OK", "RULES_V4_OK"} {
		if !strings.Contains(out, fixture) {
			return fmt.Errorf("node %s missing %s: %w", node.Name, fixture, ErrVerifyFailed)
		}
	}
	return nil
}

// ScheduleBan queues addr into the node's pending-ban slot. Returns
// false when the address is invalid, the worker is not running, or the
// slot is full (TTL raises on already-pending addresses still land).
func (e *Enforcer) ScheduleBan(node types.NodeSpec, addr string, ttl time.Duration) bool {
	if !types.ValidAddress(addr) {
		return false
	}
	w := e.worker(node)
	if w == nil {
		e.logger.Warn().Str("node", node.Name).Msg("no ban worker running for node")
		return false
	}
	return w.schedule(addr, ttl)
}

// BanNow adds a single address synchronously and confirms membership
func (e *Enforcer) BanNow(ctx context.Context, node types.NodeSpec, addr string, ttl time.Duration) bool {
	if !types.ValidAddress(addr) {
		return false
	}
	backend := e.detectBackend(ctx, node)
	if backend == types.BackendNone || backend == types.BackendUnknown {
		return false
	}
	res := e.runner.Run(ctx, node, "sh -lc "+shellQuote(buildBanScript(backend, addr, ttl)), 30*time.Second)
	return res.Ok() && !strings.Contains(string(res.Output), "__TEST_FAIL__")
}

// IsBanned tests membership of addr in the node's family set
func (e *Enforcer) IsBanned(ctx context.Context, node types.NodeSpec, addr string) bool {
	if !types.ValidAddress(addr) {
		return false
	}
	backend := e.detectBackend(ctx, node)
	if backend == types.BackendNone || backend == types.BackendUnknown {
		return false
	}
	res := e.runner.Run(ctx, node, buildMembershipScript(backend, addr), 0)
	return res.Ok()
}

// Unban removes addr from the node's set and flushes its conntrack
// entries. Safe on absent sets.
func (e *Enforcer) Unban(ctx context.Context, node types.NodeSpec, addr string) error {
	if !types.ValidAddress(addr) {
		return ErrInvalidAddress
	}
	backend := e.detectBackend(ctx, node)
	if backend == types.BackendNone || backend == types.BackendUnknown {
		return nil
	}
	res := e.runner.Run(ctx, node, "sh -lc "+shellQuote(buildUnbanScript(backend, addr)), 30*time.Second)
	if !res.Ok() {
		return fmt.Errorf("failed to unban %s on %s (rc=%d)", addr, node.Name, res.ExitCode)
	}
	return nil
}

// FlushSets empties both family sets on the node (unban-all)
func (e *Enforcer) FlushSets(ctx context.Context, node types.NodeSpec) error {
	backend := e.detectBackend(ctx, node)
	if backend == types.BackendNone || backend == types.BackendUnknown {
		return nil
	}
	res := e.runner.Run(ctx, node, "sh -lc "+shellQuote(buildFlushScript(backend)), 30*time.Second)
	if !res.Ok() {
		return fmt.Errorf("failed to flush sets on %s (rc=%d)", node.Name, res.ExitCode)
	}
	return nil
}

// Status probes the node's enforcement state
func (e *Enforcer) Status(ctx context.Context, node types.NodeSpec) types.FirewallStatus {
	status := types.FirewallStatus{
		Node:  node.Name,
		Rules: map[string]bool{},
	}

	backend := e.detectBackend(ctx, node)
	status.Backend = backend
	if backend == types.BackendNone || backend == types.BackendUnknown {
		status.Err = ErrNoBackend.Error()
		return status
	}

	e.mu.Lock()
	status.Ensured = e.ensured[node.Key()]
	e.mu.Unlock()

	res := e.runner.Run(ctx, node, "sh -lc "+shellQuote(buildStatusScript(backend)), 30*time.Second)
	if !res.Ok() {
		status.Err = fmt.Sprintf("status probe failed (rc=%d)", res.ExitCode)
		return status
	}
	for _, line := range strings.Split(string(res.Output), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "set_v4=1":
			status.SetV4 = true
		case line == "set_v6=1":
			status.SetV6 = true
		case strings.HasPrefix(line, "chain_") && strings.HasSuffix(line, "=1"):
			chain := strings.TrimSuffix(strings.TrimPrefix(line, "chain_"), "=1")
			status.Rules[chain] = true
		}
	}
	return status
}

// PendingDepth reports the node worker's current slot depth (0 when no
// worker runs).
func (e *Enforcer) PendingDepth(node types.NodeSpec) int {
	w := e.worker(node)
	if w == nil {
		return 0
	}
	return w.depth()
}

// submitBatch applies one drained batch on the node
func (e *Enforcer) submitBatch(ctx context.Context, node types.NodeSpec, items []banItem) error {
	backend := e.detectBackend(ctx, node)
	if backend == types.BackendNone || backend == types.BackendUnknown {
		return fmt.Errorf("node %s: %w", node.Name, ErrNoBackend)
	}
	res := e.runner.Run(ctx, node, "sh -lc "+shellQuote(buildBatchScript(backend, items)), 60*time.Second)
	if !res.Ok() {
		return fmt.Errorf("ban batch on %s failed (rc=%d): %s", node.Name, res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return nil
}
