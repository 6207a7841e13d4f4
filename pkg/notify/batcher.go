package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/events"
	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/parser"
	"github.com/zeroharbor/guardian/pkg/types"
)

const (
	// batchWindow is how long ban events accumulate before one message
	batchWindow = 5 * time.Second
	// batchMax forces a flush regardless of the window
	batchMax = 10
)

// Batcher subscribes to the event bus and coalesces bursty ban events
// into periodic operator messages. Node-state events pass through
// immediately.
type Batcher struct {
	notifier *Notifier
	broker   *events.Broker
	logger   zerolog.Logger

	pending  []*types.BanEvent
	firstAt  time.Time
	lastSent time.Time
}

// NewBatcher creates a batcher
func NewBatcher(notifier *Notifier, broker *events.Broker) *Batcher {
	return &Batcher{
		notifier: notifier,
		broker:   broker,
		logger:   log.WithComponent("notify"),
	}
}

// Run consumes events until ctx is cancelled
func (b *Batcher) Run(ctx context.Context) {
	sub := b.broker.Subscribe()
	defer b.broker.Unsubscribe(sub)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			b.handle(ev)
		case <-ticker.C:
			if len(b.pending) > 0 && time.Since(b.firstAt) >= batchWindow {
				b.flush()
			}
		}
	}
}

func (b *Batcher) handle(ev *events.Event) {
	switch ev.Type {
	case events.EventBanScheduled:
		if ev.Ban == nil {
			return
		}
		if len(b.pending) == 0 {
			b.firstAt = time.Now()
		}
		b.pending = append(b.pending, ev.Ban)
		if len(b.pending) >= batchMax {
			b.flush()
		}

	case events.EventNodeAttached:
		b.notifier.Send(fmt.Sprintf("Node %s attached and streaming logs.", ev.Node))

	case events.EventNodeDetached:
		b.notifier.Send(fmt.Sprintf("⚠️ Node %s: log stream lost (%s), reconnecting.", ev.Node, ev.Message))

	case events.EventNodeUnreadable:
		b.notifier.Send(fmt.Sprintf("⚠️ Node %s: %s", ev.Node, ev.Message))

	case events.EventRebootScheduled:
		b.notifier.Send(fmt.Sprintf("⚠️ Node %s: %s", ev.Node, ev.Message))

	case events.EventRebootIssued:
		b.notifier.Send(fmt.Sprintf("♻️ Node %s: %s", ev.Node, ev.Message))

	case events.EventFleetSummary:
		b.notifier.Send(ev.Message)
	}
}

// flush sends the accumulated ban events as one message, preserving
// detection order. A single-event message carries an inline unban
// action.
func (b *Batcher) flush() {
	batch := b.pending
	b.pending = nil
	b.lastSent = time.Now()
	if len(batch) == 0 {
		return
	}

	text := FormatBans(batch)
	if len(batch) == 1 {
		b.notifier.SendWithInline(text, [][]Button{
			{{Label: "Unban now", Data: "unban_now:" + batch[0].Address}},
		})
		return
	}
	b.notifier.Send(text)
}

// FormatBans renders one or more ban events as a Markdown message
func FormatBans(batch []*types.BanEvent) string {
	var lines []string
	if len(batch) > 1 {
		lines = append(lines, "🚫 *Banned IPs*")
	} else {
		lines = append(lines, "🚫 *Banned IP*")
	}
	for i, ban := range batch {
		prefix := ""
		if len(batch) > 1 {
			prefix = fmt.Sprintf("%d. ", i+1)
		}
		nodes := strings.Join(ban.SuccessNodes, ", ")
		if nodes == "" {
			nodes = "-"
		}
		block := fmt.Sprintf("%sIP: `%s`\nUser: `%s`\nInbound: `%s`\nNodes: %s\nDuration: %d min",
			prefix, ban.Address, parser.DisplayUser(ban.User), ban.Inbound, nodes,
			int(ban.Duration.Minutes()))
		if len(ban.FailedNodes) > 0 {
			block += "\nFailed nodes: " + strings.Join(ban.FailedNodes, ", ")
		}
		lines = append(lines, block)
	}
	return strings.Join(lines, "\n\n")
}
