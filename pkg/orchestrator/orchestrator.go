package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/config"
	"github.com/zeroharbor/guardian/pkg/events"
	"github.com/zeroharbor/guardian/pkg/firewall"
	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/metrics"
	"github.com/zeroharbor/guardian/pkg/remote"
	"github.com/zeroharbor/guardian/pkg/storage"
	"github.com/zeroharbor/guardian/pkg/store"
	"github.com/zeroharbor/guardian/pkg/types"
	"github.com/zeroharbor/guardian/pkg/watcher"
)

// rebootCommand tries every privilege/tool combination; any one
// succeeding is enough.
const rebootCommand = "sudo -n reboot || sudo -n /sbin/reboot || sudo -n systemctl reboot || " +
	"sudo -n shutdown -r now || reboot || /sbin/reboot || systemctl reboot || shutdown -r now"

// Orchestrator owns the fleet: it spawns one watcher and one firewall
// worker per node and exposes the control-plane surface.
type Orchestrator struct {
	cfgPath  string
	runner   *remote.Runner
	store    *store.Store
	enforcer *firewall.Enforcer
	broker   *events.Broker
	state    *storage.State
	logger   zerolog.Logger

	mu         sync.RWMutex
	nodes      []types.NodeSpec
	limits     map[string]int
	banMinutes int
}

// New creates the orchestrator from a loaded config
func New(cfg *config.Config, cfgPath string, st *store.Store, state *storage.State, broker *events.Broker) *Orchestrator {
	runner := remote.NewRunner()
	limits := make(map[string]int, len(cfg.InboundLimits))
	for k, v := range cfg.InboundLimits {
		limits[k] = v
	}
	return &Orchestrator{
		cfgPath:    cfgPath,
		runner:     runner,
		store:      st,
		enforcer:   firewall.NewEnforcer(runner),
		broker:     broker,
		state:      state,
		logger:     log.WithComponent("orchestrator"),
		nodes:      cfg.NodeSpecs(),
		limits:     limits,
		banMinutes: cfg.BanMinutes,
	}
}

// Run starts the fleet and blocks until ctx is cancelled. The store
// must be reachable and at least one node configured; per-node
// failures after that keep retrying forever.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.store.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}
	metrics.UpdateComponent("store", true, "")
	go o.store.HealthLoop(ctx)

	nodes := o.Nodes()
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes configured")
	}

	o.startupFirewallPass(ctx, nodes)

	var wg sync.WaitGroup
	for _, node := range nodes {
		o.enforcer.StartWorker(ctx, node)

		node := node
		w := watcher.New(watcher.Config{
			Node:        node,
			Fleet:       nodes,
			Store:       o.store,
			Enforcer:    o.enforcer,
			Broker:      o.broker,
			LimitFor:    o.LimitFor,
			BanDuration: o.BanDuration,
			Reboot: func(ctx context.Context) error {
				return o.rebootNode(ctx, node)
			},
			LastReboot: func() time.Time {
				at, _ := o.state.LastReboot(node.Name)
				return at
			},
			RecordReboot: func(at time.Time) {
				if err := o.state.SetLastReboot(node.Name, at); err != nil {
					o.logger.Debug().Err(err).Msg("failed to persist reboot time")
				}
			},
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, o.runner)
		}()
	}

	o.logger.Info().Int("nodes", len(nodes)).Msg("all watchers started")
	<-ctx.Done()
	wg.Wait()
	return nil
}

// startupFirewallPass probes every node, heals missing rules, and
// publishes a fleet summary for the operator.
func (o *Orchestrator) startupFirewallPass(ctx context.Context, nodes []types.NodeSpec) {
	statuses := o.FleetFirewallStatus(ctx)

	healed := map[string]error{}
	for _, node := range nodes {
		st := statuses[node.Name]
		if st.Err == "" && st.SetV4 && len(st.Rules) > 0 {
			continue
		}
		healed[node.Name] = o.enforcer.EnsureRules(ctx, node, false)
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("🛡 Guardian started\n")
	for _, name := range names {
		st := statuses[name]
		err, attempted := healed[name]
		switch {
		case attempted && err != nil:
			fmt.Fprintf(&b, "• %s: firewall setup failed: %v\n", name, err)
		case attempted:
			fmt.Fprintf(&b, "• %s: firewall installed (%s)\n", name, st.Backend)
		default:
			fmt.Fprintf(&b, "• %s: %s ok\n", name, st.Backend)
		}
	}
	o.broker.Publish(&events.Event{Type: events.EventFleetSummary, Message: b.String()})
}

// Nodes returns the immutable node descriptors
func (o *Orchestrator) Nodes() []types.NodeSpec {
	o.mu.RLock()
	defer o.mu.RUnlock()
	nodes := make([]types.NodeSpec, len(o.nodes))
	copy(nodes, o.nodes)
	return nodes
}

// LimitFor resolves the current limit for an inbound; only explicitly
// configured inbounds are enforced.
func (o *Orchestrator) LimitFor(inbound string) (int, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	limit, ok := o.limits[inbound]
	return limit, ok
}

// Limits returns a copy of the per-inbound limit map
func (o *Orchestrator) Limits() map[string]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]int, len(o.limits))
	for k, v := range o.limits {
		out[k] = v
	}
	return out
}

// SetLimit updates one inbound limit and persists the config
func (o *Orchestrator) SetLimit(inbound string, limit int) error {
	if inbound == "" || limit < 1 {
		return fmt.Errorf("invalid limit %d for inbound %q", limit, inbound)
	}
	o.mu.Lock()
	o.limits[inbound] = limit
	o.mu.Unlock()

	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return err
	}
	cfg.InboundLimits[inbound] = limit
	return cfg.Save(o.cfgPath)
}

// BanDuration returns the configured ban duration
func (o *Orchestrator) BanDuration() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return time.Duration(o.banMinutes) * time.Minute
}

// FleetFirewallStatus probes every node concurrently
func (o *Orchestrator) FleetFirewallStatus(ctx context.Context) map[string]types.FirewallStatus {
	nodes := o.Nodes()
	out := make(map[string]types.FirewallStatus, len(nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := o.enforcer.Status(ctx, node)
			mu.Lock()
			out[node.Name] = st
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// ForceEnsureFleet re-runs rule ensurance on every node
func (o *Orchestrator) ForceEnsureFleet(ctx context.Context) map[string]error {
	nodes := o.Nodes()
	out := make(map[string]error, len(nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.enforcer.EnsureRules(ctx, node, true)
			mu.Lock()
			out[node.Name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// UnbanFleet clears the recent-ban marker and removes addr from every
// node's set.
func (o *Orchestrator) UnbanFleet(ctx context.Context, addr string) error {
	if !types.ValidAddress(addr) {
		return firewall.ErrInvalidAddress
	}
	if err := o.store.UnmarkBanned(ctx, addr); err != nil {
		o.logger.Warn().Err(err).Str("ip", addr).Msg("failed to clear ban marker")
	}
	var firstErr error
	for _, node := range o.Nodes() {
		if err := o.enforcer.Unban(ctx, node, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnbanAll clears every ban marker in the store and flushes both sets
// on every node. Returns the number of markers removed.
func (o *Orchestrator) UnbanAll(ctx context.Context) (int, error) {
	n, err := o.store.UnmarkAllBanned(ctx)
	if err != nil {
		return n, err
	}
	for _, node := range o.Nodes() {
		if err := o.enforcer.FlushSets(ctx, node); err != nil {
			o.logger.Warn().Err(err).Str("ban_node", node.Name).Msg("set flush failed")
		}
	}
	return n, nil
}

// RebootNode issues the reboot command chain on the named node
func (o *Orchestrator) RebootNode(ctx context.Context, name string) error {
	for _, node := range o.Nodes() {
		if node.Name == name {
			return o.rebootNode(ctx, node)
		}
	}
	return fmt.Errorf("unknown node %q", name)
}

func (o *Orchestrator) rebootNode(ctx context.Context, node types.NodeSpec) error {
	res := o.runner.Run(ctx, node, rebootCommand, 20*time.Second)
	// the ssh session dying mid-reboot is expected; only spawn and
	// timeout failures are real
	if res.Kind == remote.SpawnFailed || res.Kind == remote.ConnectTimeout {
		return fmt.Errorf("reboot of %s failed: %s", node.Name, res.Kind)
	}
	return nil
}

// RestartService restarts the local guardian unit (best effort)
func (o *Orchestrator) RestartService(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "restart", "guardian")
	return cmd.Run()
}
