package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroharbor/guardian/pkg/events"
	"github.com/zeroharbor/guardian/pkg/types"
)

func TestNeedsPlain(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"plain text", false},
		{"", false},
		{"has `code` and _raw_ chars", false}, // backticks imply intentional markdown
		{"raw [guardian-stream] no_docker", true},
		{"under_score only", true},
		{"*bold* claim", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, needsPlain(tt.text), tt.text)
	}
}

func TestTruncate(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, truncate(short))

	long := make([]byte, maxMessageLen+100)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, truncate(string(long)), maxMessageLen)
}

func TestDisabledNotifier(t *testing.T) {
	n, err := NewNotifier("", "")
	require.NoError(t, err)
	assert.False(t, n.Enabled())

	// all sends must be safe no-ops
	n.Send("hello")
	n.SendWithInline("hello", [][]Button{{{Label: "x", Data: "y"}}})
	n.DeleteWebhook()
}

func TestNewNotifierBadChatID(t *testing.T) {
	_, err := NewNotifier("token", "not-a-number")
	assert.Error(t, err)
}

func ban(addr, user string) *types.BanEvent {
	return &types.BanEvent{
		Address:      addr,
		User:         user,
		Inbound:      "VMESS_TCP",
		Duration:     10 * time.Minute,
		SuccessNodes: []string{"alpha", "beta"},
		DetectedAt:   time.Now(),
	}
}

func TestFormatBansSingle(t *testing.T) {
	text := FormatBans([]*types.BanEvent{ban("203.0.113.5", "42.alice")})

	assert.Contains(t, text, "*Banned IP*")
	assert.Contains(t, text, "`203.0.113.5`")
	// display identity drops the numeric account prefix
	assert.Contains(t, text, "`alice`")
	assert.NotContains(t, text, "42.alice")
	assert.Contains(t, text, "alpha, beta")
	assert.Contains(t, text, "Duration: 10 min")
	assert.NotContains(t, text, "Failed nodes")
}

func TestFormatBansMultipleKeepsOrder(t *testing.T) {
	batch := []*types.BanEvent{
		ban("203.0.113.5", "alice"),
		ban("203.0.113.6", "bob"),
	}
	batch[1].FailedNodes = []string{"gamma"}

	text := FormatBans(batch)
	assert.Contains(t, text, "*Banned IPs*")
	assert.Contains(t, text, "1. IP: `203.0.113.5`")
	assert.Contains(t, text, "2. IP: `203.0.113.6`")
	assert.Contains(t, text, "Failed nodes: gamma")
	assert.Less(t, strings.Index(text, "203.0.113.5"), strings.Index(text, "203.0.113.6"))
}

func disabledBatcher(t *testing.T) (*Batcher, *events.Broker) {
	t.Helper()
	n, err := NewNotifier("", "")
	require.NoError(t, err)
	broker := events.NewBroker()
	return NewBatcher(n, broker), broker
}

func TestBatcherAccumulatesUntilMax(t *testing.T) {
	b, _ := disabledBatcher(t)

	for i := 0; i < batchMax-1; i++ {
		b.handle(&events.Event{Type: events.EventBanScheduled, Ban: ban("203.0.113.5", "alice")})
	}
	assert.Len(t, b.pending, batchMax-1)

	// the tenth event forces a flush
	b.handle(&events.Event{Type: events.EventBanScheduled, Ban: ban("203.0.113.6", "bob")})
	assert.Empty(t, b.pending)
	assert.False(t, b.lastSent.IsZero())
}

func TestBatcherIgnoresBanEventWithoutPayload(t *testing.T) {
	b, _ := disabledBatcher(t)
	b.handle(&events.Event{Type: events.EventBanScheduled})
	assert.Empty(t, b.pending)
}

func TestBatcherFlushOnEmptyAdvancesLastSent(t *testing.T) {
	b, _ := disabledBatcher(t)
	before := b.lastSent
	b.flush()
	// flush with nothing pending still advances lastSent bookkeeping
	assert.NotEqual(t, before, b.lastSent)
}

func TestForwardHookDisabledNotifierIsNoop(t *testing.T) {
	n, err := NewNotifier("", "")
	require.NoError(t, err)
	h := NewForwardHook(n)

	// disabled notifier: Run must be a no-op and never track
	h.Run(nil, zerolog.ErrorLevel, "boom")
	assert.Empty(t, h.last)
}
