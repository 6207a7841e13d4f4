package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/storage"
	"github.com/zeroharbor/guardian/pkg/types"
)

const (
	pollTimeout    = 10 // seconds, long poll
	pollRetryPause = 2 * time.Second
	listPageSize   = 30

	rebootCommandCooldown = 5 * time.Minute
)

// Controller is the fleet surface the control plane drives
type Controller interface {
	Nodes() []types.NodeSpec
	FleetFirewallStatus(ctx context.Context) map[string]types.FirewallStatus
	ForceEnsureFleet(ctx context.Context) map[string]error
	UnbanFleet(ctx context.Context, addr string) error
	UnbanAll(ctx context.Context) (int, error)
	RebootNode(ctx context.Context, name string) error
	Limits() map[string]int
	SetLimit(inbound string, limit int) error
	RestartService(ctx context.Context) error
}

// SessionLister is the store surface the control plane reads
type SessionLister interface {
	ListActive(ctx context.Context, limit int) ([]types.SessionEntry, error)
	ListBanned(ctx context.Context, limit int) ([]types.BannedEntry, error)
}

// Poller long-polls the Bot API for admin commands. The update cursor
// is persisted after each processed update so restarts never replay.
type Poller struct {
	notifier *Notifier
	ctrl     Controller
	lister   SessionLister
	state    *storage.State
	admins   map[int64]bool
	logger   zerolog.Logger

	lastReboot map[string]time.Time
}

// NewPoller creates the control-plane poller. extraAdmins widen the
// admin set beyond the notifier's primary chat.
func NewPoller(notifier *Notifier, ctrl Controller, lister SessionLister, state *storage.State, extraAdmins []string) *Poller {
	admins := map[int64]bool{}
	if notifier.Enabled() {
		admins[notifier.ChatID()] = true
	}
	for _, a := range extraAdmins {
		if id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64); err == nil {
			admins[id] = true
		}
	}
	return &Poller{
		notifier:   notifier,
		ctrl:       ctrl,
		lister:     lister,
		state:      state,
		admins:     admins,
		logger:     log.WithComponent("poller"),
		lastReboot: map[string]time.Time{},
	}
}

// Run polls until ctx is cancelled. A disabled notifier makes this a
// no-op.
func (p *Poller) Run(ctx context.Context) {
	if !p.notifier.Enabled() {
		return
	}
	p.notifier.DeleteWebhook()

	offset, err := p.state.Cursor()
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to load poll cursor")
	}
	p.logger.Info().Int64("offset", offset).Msg("control-plane poller started")

	for ctx.Err() == nil {
		u := tgbotapi.NewUpdate(int(offset))
		u.Timeout = pollTimeout
		updates, err := p.notifier.Bot().GetUpdates(u)
		if err != nil {
			p.logger.Debug().Err(err).Msg("poll error")
			select {
			case <-time.After(pollRetryPause):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, upd := range updates {
			if int64(upd.UpdateID)+1 > offset {
				offset = int64(upd.UpdateID) + 1
			}
			if err := p.state.SaveCursor(offset); err != nil {
				p.logger.Debug().Err(err).Msg("failed to persist poll cursor")
			}
			p.handle(ctx, upd)
		}
	}
}

func (p *Poller) handle(ctx context.Context, upd tgbotapi.Update) {
	if cb := upd.CallbackQuery; cb != nil {
		chatID := cb.Message.Chat.ID
		if !p.admins[chatID] {
			return
		}
		p.handleCallback(ctx, chatID, cb)
		return
	}
	msg := upd.Message
	if msg == nil || !p.admins[msg.Chat.ID] {
		return
	}
	p.handleCommand(ctx, msg.Chat.ID, strings.TrimSpace(msg.Text))
}

func (p *Poller) handleCallback(ctx context.Context, chatID int64, cb *tgbotapi.CallbackQuery) {
	// always ack so the client stops spinning
	if _, err := p.notifier.Bot().Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		p.logger.Debug().Err(err).Msg("callback ack failed")
	}

	data := cb.Data
	if addr, ok := strings.CutPrefix(data, "unban_now:"); ok {
		if err := p.ctrl.UnbanFleet(ctx, addr); err != nil {
			p.notifier.SendTo(chatID, fmt.Sprintf("Unban of %s failed: %v", addr, err))
			return
		}
		p.notifier.SendTo(chatID, fmt.Sprintf("✅ %s unbanned on all nodes.", addr))
	}
}

func (p *Poller) handleCommand(ctx context.Context, chatID int64, text string) {
	cmd, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/status":
		p.sendStatus(ctx, chatID)
	case "/sessions":
		p.sendSessions(ctx, chatID)
	case "/banned":
		p.sendBanned(ctx, chatID)
	case "/limits":
		p.sendLimits(chatID)
	case "/limit":
		p.setLimit(chatID, args)
	case "/unban":
		p.unban(ctx, chatID, args)
	case "/unban_all":
		p.unbanAll(ctx, chatID)
	case "/fix":
		p.fixFirewall(ctx, chatID)
	case "/reboot":
		p.reboot(ctx, chatID, args)
	case "/restart":
		p.restart(ctx, chatID)
	default:
		p.sendHelp(chatID)
	}
}

func (p *Poller) sendHelp(chatID int64) {
	p.notifier.SendTo(chatID, strings.Join([]string{
		"*🛡 Guardian*",
		"/status — fleet firewall status",
		"/sessions — active (inbound, user) slots",
		"/banned — recent ban markers",
		"/limits — per-inbound limits",
		"/limit <inbound> <n> — set a limit",
		"/unban <ip> — unban on every node",
		"/unban\\_all — clear all bans fleet-wide",
		"/fix — force firewall ensure on every node",
		"/reboot <node> — reboot a node",
		"/restart — restart the guardian service",
	}, "\n"))
}

func (p *Poller) sendStatus(ctx context.Context, chatID int64) {
	statuses := p.ctrl.FleetFirewallStatus(ctx)
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("*Fleet firewall status*\n")
	for _, name := range names {
		st := statuses[name]
		if st.Err != "" {
			fmt.Fprintf(&b, "• %s: ❌ %s\n", name, st.Err)
			continue
		}
		chains := make([]string, 0, len(st.Rules))
		for chain, ok := range st.Rules {
			if ok {
				chains = append(chains, chain)
			}
		}
		sort.Strings(chains)
		fmt.Fprintf(&b, "• %s: %s sets v4=%v v6=%v rules=[%s]\n",
			name, st.Backend, st.SetV4, st.SetV6, strings.Join(chains, ","))
	}
	p.notifier.SendTo(chatID, b.String())
}

func (p *Poller) sendSessions(ctx context.Context, chatID int64) {
	entries, err := p.lister.ListActive(ctx, listPageSize)
	if err != nil {
		p.notifier.SendTo(chatID, "Failed to list sessions: "+err.Error())
		return
	}
	if len(entries) == 0 {
		p.notifier.SendTo(chatID, "No active sessions.")
		return
	}
	var b strings.Builder
	b.WriteString("*Active sessions*\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "• `%s` / `%s`: %s\n", e.Inbound, e.User, strings.Join(e.Addresses, ", "))
	}
	p.notifier.SendTo(chatID, b.String())
}

func (p *Poller) sendBanned(ctx context.Context, chatID int64) {
	entries, err := p.lister.ListBanned(ctx, listPageSize)
	if err != nil {
		p.notifier.SendTo(chatID, "Failed to list bans: "+err.Error())
		return
	}
	if len(entries) == 0 {
		p.notifier.SendTo(chatID, "No banned addresses.")
		return
	}
	var b strings.Builder
	b.WriteString("*Banned addresses*\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "• `%s` (%s left)\n", e.Address, e.Remaining.Round(time.Second))
	}
	p.notifier.SendTo(chatID, b.String())
}

func (p *Poller) sendLimits(chatID int64) {
	limits := p.ctrl.Limits()
	if len(limits) == 0 {
		p.notifier.SendTo(chatID, "No inbound limits configured; nothing is enforced.")
		return
	}
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("*Inbound limits* (only these are enforced)\n")
	for _, name := range names {
		fmt.Fprintf(&b, "• `%s`: %d\n", name, limits[name])
	}
	p.notifier.SendTo(chatID, b.String())
}

func (p *Poller) setLimit(chatID int64, args string) {
	name, val, ok := strings.Cut(args, " ")
	if !ok {
		p.notifier.SendTo(chatID, "Usage: /limit <inbound> <n>")
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n < 1 {
		p.notifier.SendTo(chatID, "Limit must be a positive integer.")
		return
	}
	if err := p.ctrl.SetLimit(strings.TrimSpace(name), n); err != nil {
		p.notifier.SendTo(chatID, "Failed to set limit: "+err.Error())
		return
	}
	p.notifier.SendTo(chatID, fmt.Sprintf("✅ Limit for `%s` set to %d.", strings.TrimSpace(name), n))
}

func (p *Poller) unban(ctx context.Context, chatID int64, addr string) {
	if !types.ValidAddress(addr) {
		p.notifier.SendTo(chatID, "Usage: /unban <ip>")
		return
	}
	if err := p.ctrl.UnbanFleet(ctx, addr); err != nil {
		p.notifier.SendTo(chatID, fmt.Sprintf("Unban of %s failed: %v", addr, err))
		return
	}
	p.notifier.SendTo(chatID, fmt.Sprintf("✅ %s unbanned on all nodes.", addr))
}

func (p *Poller) unbanAll(ctx context.Context, chatID int64) {
	n, err := p.ctrl.UnbanAll(ctx)
	if err != nil {
		p.notifier.SendTo(chatID, "Unban-all failed: "+err.Error())
		return
	}
	p.notifier.SendTo(chatID, fmt.Sprintf("✅ Cleared %d ban markers and flushed sets on every node.", n))
}

func (p *Poller) fixFirewall(ctx context.Context, chatID int64) {
	results := p.ctrl.ForceEnsureFleet(ctx)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("*Firewall ensure*\n")
	for _, name := range names {
		if err := results[name]; err != nil {
			fmt.Fprintf(&b, "• %s: ❌ %v\n", name, err)
		} else {
			fmt.Fprintf(&b, "• %s: ✅\n", name)
		}
	}
	p.notifier.SendTo(chatID, b.String())
}

func (p *Poller) reboot(ctx context.Context, chatID int64, name string) {
	if name == "" {
		p.notifier.SendTo(chatID, "Usage: /reboot <node>")
		return
	}
	if last, ok := p.lastReboot[name]; ok && time.Since(last) < rebootCommandCooldown {
		p.notifier.SendTo(chatID, fmt.Sprintf("Node %s was rebooted recently; try again later.", name))
		return
	}
	if err := p.ctrl.RebootNode(ctx, name); err != nil {
		p.notifier.SendTo(chatID, fmt.Sprintf("Reboot of %s failed: %v", name, err))
		return
	}
	p.lastReboot[name] = time.Now()
	p.notifier.SendTo(chatID, fmt.Sprintf("♻️ Reboot command sent to %s.", name))
}

func (p *Poller) restart(ctx context.Context, chatID int64) {
	p.notifier.SendTo(chatID, "♻️ Restarting guardian service.")
	if err := p.ctrl.RestartService(ctx); err != nil {
		p.notifier.SendTo(chatID, "Restart failed: "+err.Error())
	}
}
