package watcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/events"
	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/metrics"
	"github.com/zeroharbor/guardian/pkg/parser"
	"github.com/zeroharbor/guardian/pkg/remote"
	"github.com/zeroharbor/guardian/pkg/stream"
	"github.com/zeroharbor/guardian/pkg/types"
)

const (
	// fdThreshold unreadable sentinels within fdWindow arm the reboot
	fdThreshold = 10
	fdWindow    = 10 * time.Minute
	// rebootGrace is the recovery window before the reboot fires
	rebootGrace = time.Minute
	// rebootCooldown separates automatic reboots of one node
	rebootCooldown = 20 * time.Minute

	// noticeInterval rate-limits repeated condition notices
	noticeInterval = 20 * time.Second
	// escalationInterval rate-limits in-loop escalation notices
	escalationInterval = 30 * time.Second

	statsInterval = time.Minute
)

// SessionStore is the slice of the state store the watcher needs
type SessionStore interface {
	AddAddress(ctx context.Context, inbound, user, addr string, limit int) (evicted []string, wasNew bool)
	IsBannedRecent(ctx context.Context, addr string) bool
	MarkBanned(ctx context.Context, addr string, ttl time.Duration) error
}

// Enforcer is the slice of the firewall enforcer the watcher needs
type Enforcer interface {
	EnsureRules(ctx context.Context, node types.NodeSpec, force bool) error
	ScheduleBan(node types.NodeSpec, addr string, ttl time.Duration) bool
}

// Config wires one watcher
type Config struct {
	Node  types.NodeSpec
	Fleet []types.NodeSpec

	Store    SessionStore
	Enforcer Enforcer
	Broker   *events.Broker

	// LimitFor resolves the per-inbound limit; ok=false means the
	// inbound is not enforced.
	LimitFor func(inbound string) (int, bool)
	// BanDuration resolves the current ban duration
	BanDuration func() time.Duration
	// Reboot issues the best-effort node reboot command
	Reboot func(ctx context.Context) error
	// LastReboot/RecordReboot persist reboot bookkeeping across restarts
	LastReboot   func() time.Time
	RecordReboot func(at time.Time)
}

// Watcher consumes one node's log stream, applies the concurrency
// limit, and fans evictions out across the fleet.
type Watcher struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	state types.NodeState

	upNotified bool

	fdCount       int
	fdWindowStart time.Time
	graceStart    time.Time
	lastReboot    time.Time

	notices map[string]time.Time

	lines  int
	parsed int
	lastStat time.Time
}

// New creates a watcher for one node
func New(cfg Config) *Watcher {
	w := &Watcher{
		cfg:      cfg,
		logger:   log.WithNode(cfg.Node.Name),
		state:    types.NodeStateStarting,
		notices:  make(map[string]time.Time),
		lastStat: time.Now(),
	}
	if cfg.LastReboot != nil {
		w.lastReboot = cfg.LastReboot()
	}
	return w
}

// State returns the watcher's current node state
func (w *Watcher) State() types.NodeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(s types.NodeState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run attaches the log-stream supervisor and consumes it until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context, runner *remote.Runner) {
	if err := w.cfg.Enforcer.EnsureRules(ctx, w.cfg.Node, false); err != nil {
		w.logger.Warn().Err(err).Msg("initial firewall ensure failed")
	} else {
		w.logger.Info().Msg("firewall rules ensured")
	}

	sup := stream.NewSupervisor(w.cfg.Node, runner)
	go sup.Run(ctx)
	w.Consume(ctx, sup.Lines())
}

// Consume processes classified stream lines until the channel closes
// or ctx is cancelled.
func (w *Watcher) Consume(ctx context.Context, lines <-chan types.StreamLine) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			w.handleLine(ctx, line)
		}
	}
}

func (w *Watcher) handleLine(ctx context.Context, line types.StreamLine) {
	w.lines++
	metrics.LinesTotal.WithLabelValues(w.cfg.Node.Name).Inc()
	if time.Since(w.lastStat) > statsInterval {
		w.logger.Debug().Int("lines", w.lines).Int("parsed", w.parsed).Msg("stats")
		w.lastStat = time.Now()
		w.lines = 0
		w.parsed = 0
	}

	if line.Sentinel != types.SentinelNone {
		w.handleSentinel(ctx, line)
		return
	}
	w.handleLogLine(ctx, line.Text)
}

func (w *Watcher) handleSentinel(ctx context.Context, line types.StreamLine) {
	switch line.Sentinel {
	case types.SentinelFollow:
		w.setState(types.NodeStateAttached)
		w.resetFDTracking()
		if !w.upNotified {
			w.upNotified = true
			w.publish(&events.Event{
				Type:    events.EventNodeAttached,
				Node:    w.cfg.Node.Name,
				Message: line.Text,
			})
			w.logger.Info().Str("detail", line.Text).Msg("attached and streaming logs")
		}
		metrics.UpdateComponent("node:"+w.cfg.Node.Name, true, "")

	case types.SentinelAttach:
		w.logger.Debug().Str("detail", line.Text).Msg("stream attached to container")

	case types.SentinelNoDocker, types.SentinelNoContainer, types.SentinelNoProcess:
		if w.allowNotice(string(line.Sentinel), noticeInterval) {
			w.publish(&events.Event{
				Type:    events.EventNodeUnreadable,
				Node:    w.cfg.Node.Name,
				Message: line.Text,
			})
			w.logger.Warn().Str("condition", string(line.Sentinel)).Msg("stream precondition missing")
		}

	case types.SentinelFDUnreadable:
		metrics.FDUnreadableTotal.WithLabelValues(w.cfg.Node.Name).Inc()
		w.trackFDUnreadable(ctx)

	case types.SentinelStreamExit:
		w.setState(types.NodeStateReconnecting)
		w.upNotified = false
		metrics.UpdateComponent("node:"+w.cfg.Node.Name, false, "stream lost")
		if w.allowNotice("stream_exit", noticeInterval) {
			w.publish(&events.Event{
				Type:    events.EventNodeDetached,
				Node:    w.cfg.Node.Name,
				Message: line.Text,
			})
		}
	}
}

// trackFDUnreadable implements the reboot escalation: a rolling
// 10-minute window of fd_unreadable sentinels arms a 60-second grace;
// persisting past grace reboots the node unless one happened within
// the cooldown.
func (w *Watcher) trackFDUnreadable(ctx context.Context) {
	now := time.Now()
	if w.fdWindowStart.IsZero() || now.Sub(w.fdWindowStart) > fdWindow {
		w.fdWindowStart = now
		w.fdCount = 0
		w.graceStart = time.Time{}
	}
	w.fdCount++

	switch w.fdCount {
	case 3, 5, 8, 10:
		if w.allowNotice("fd_unreadable", escalationInterval) {
			w.publish(&events.Event{
				Type:    events.EventNodeUnreadable,
				Node:    w.cfg.Node.Name,
				Message: "proxy output unreadable x" + strconv.Itoa(w.fdCount),
			})
		}
	}

	if w.fdCount < fdThreshold {
		return
	}

	if w.graceStart.IsZero() {
		w.graceStart = now
		w.publish(&events.Event{
			Type:    events.EventRebootScheduled,
			Node:    w.cfg.Node.Name,
			Message: "descriptor reads keep failing; rebooting in 60s unless it recovers",
		})
		return
	}
	if now.Sub(w.graceStart) < rebootGrace {
		return
	}
	if now.Sub(w.lastReboot) <= rebootCooldown {
		if w.allowNotice("reboot_cooldown", escalationInterval) {
			w.logger.Warn().Msg("fd_unreadable persists but reboot is in cooldown")
		}
		return
	}

	w.issueReboot(ctx)
	w.lastReboot = now
	if w.cfg.RecordReboot != nil {
		w.cfg.RecordReboot(now)
	}
	w.resetFDTracking()
}

func (w *Watcher) issueReboot(ctx context.Context) {
	metrics.RebootsTotal.WithLabelValues(w.cfg.Node.Name).Inc()
	w.publish(&events.Event{
		Type:    events.EventRebootIssued,
		Node:    w.cfg.Node.Name,
		Message: "automatic reboot issued after unrecovered descriptor failures",
	})
	if w.cfg.Reboot == nil {
		return
	}
	go func() {
		if err := w.cfg.Reboot(ctx); err != nil {
			w.logger.Error().Err(err).Msg("automatic reboot command failed")
		} else {
			w.logger.Info().Msg("reboot command sent")
		}
	}()
}

func (w *Watcher) resetFDTracking() {
	w.fdCount = 0
	w.fdWindowStart = time.Now()
	w.graceStart = time.Time{}
}

func (w *Watcher) handleLogLine(ctx context.Context, text string) {
	if !parser.Relevant(text) {
		return
	}
	tuple, ok := parser.Parse(text)
	if !ok {
		return
	}
	limit, enforced := w.cfg.LimitFor(tuple.Inbound)
	if !enforced {
		return
	}
	w.parsed++
	metrics.ParsedTotal.WithLabelValues(w.cfg.Node.Name).Inc()

	evicted, _ := w.cfg.Store.AddAddress(ctx, tuple.Inbound, tuple.User, tuple.Address, limit)
	if len(evicted) == 0 {
		return
	}

	w.setState(types.NodeStateAbusing)
	defer w.setState(types.NodeStateAttached)

	for _, old := range evicted {
		if old == tuple.Address {
			continue
		}
		// fail closed: nothing unparseable reaches the firewall layer
		if !types.ValidAddress(old) {
			continue
		}
		if w.cfg.Store.IsBannedRecent(ctx, old) {
			continue
		}
		w.banAddress(ctx, old, tuple)
	}
}

// banAddress enforces one eviction across the whole fleet
func (w *Watcher) banAddress(ctx context.Context, addr string, tuple parser.Tuple) {
	duration := w.cfg.BanDuration()
	metrics.EvictionsTotal.WithLabelValues(tuple.Inbound).Inc()

	var success, failed []string
	for _, node := range w.cfg.Fleet {
		if err := w.cfg.Enforcer.EnsureRules(ctx, node, false); err != nil {
			failed = append(failed, node.Name)
			w.logger.Debug().Str("ban_node", node.Name).Err(err).Msg("ensure failed during ban")
			continue
		}
		if w.cfg.Enforcer.ScheduleBan(node, addr, duration) {
			success = append(success, node.Name)
		} else {
			failed = append(failed, node.Name)
		}
	}

	w.logger.Warn().
		Str("ip", addr).
		Str("user", tuple.User).
		Str("inbound", tuple.Inbound).
		Strs("nodes", success).
		Strs("failed", failed).
		Dur("for", duration).
		Msg("banned ip")

	if err := w.cfg.Store.MarkBanned(ctx, addr, duration); err != nil {
		w.logger.Debug().Err(err).Msg("failed to mark ban in store")
	}

	w.publish(&events.Event{
		Type: events.EventBanScheduled,
		Node: w.cfg.Node.Name,
		Ban: &types.BanEvent{
			Address:      addr,
			User:         tuple.User,
			Inbound:      tuple.Inbound,
			Duration:     duration,
			SuccessNodes: success,
			FailedNodes:  failed,
			DetectedAt:   time.Now(),
		},
	})
}

func (w *Watcher) publish(ev *events.Event) {
	if w.cfg.Broker != nil {
		w.cfg.Broker.Publish(ev)
	}
}

// allowNotice rate-limits repeated notices per condition key
func (w *Watcher) allowNotice(key string, interval time.Duration) bool {
	now := time.Now()
	if last, ok := w.notices[key]; ok && now.Sub(last) < interval {
		return false
	}
	w.notices[key] = now
	return true
}
