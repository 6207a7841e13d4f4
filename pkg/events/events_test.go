package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroharbor/guardian/pkg/types"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{
		Type: EventBanScheduled,
		Node: "alpha",
		Ban:  &types.BanEvent{Address: "203.0.113.5", User: "42.alice", Inbound: "VMESS_TCP"},
	})

	select {
	case ev := <-sub:
		assert.Equal(t, EventBanScheduled, ev.Type)
		assert.Equal(t, "alpha", ev.Node)
		require.NotNil(t, ev.Ban)
		assert.Equal(t, "203.0.113.5", ev.Ban.Address)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	// fill the subscriber buffer and keep publishing; Publish must not
	// wedge the broker
	for i := 0; i < 120; i++ {
		b.Publish(&Event{Type: EventNodeAttached, Node: "alpha"})
	}

	deadline := time.After(time.Second)
	drained := 0
	for drained < 50 {
		select {
		case <-sub:
			drained++
		case <-deadline:
			t.Fatalf("only drained %d events", drained)
		}
	}
}
