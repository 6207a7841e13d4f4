package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroharbor/guardian/pkg/events"
	"github.com/zeroharbor/guardian/pkg/types"
)

type fakeStore struct {
	mu      sync.Mutex
	evict   map[string][]string // addr -> evictions to return
	banned  map[string]bool
	marked  map[string]time.Duration
	addSeen []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		evict:  map[string][]string{},
		banned: map[string]bool{},
		marked: map[string]time.Duration{},
	}
}

func (f *fakeStore) AddAddress(_ context.Context, inbound, user, addr string, limit int) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addSeen = append(f.addSeen, addr)
	return f.evict[addr], true
}

func (f *fakeStore) IsBannedRecent(_ context.Context, addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[addr]
}

func (f *fakeStore) MarkBanned(_ context.Context, addr string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[addr] = ttl
	return nil
}

type fakeEnforcer struct {
	mu        sync.Mutex
	scheduled map[string][]string // node -> addrs
	ensureErr map[string]error
}

func newFakeEnforcer() *fakeEnforcer {
	return &fakeEnforcer{scheduled: map[string][]string{}, ensureErr: map[string]error{}}
}

func (f *fakeEnforcer) EnsureRules(_ context.Context, node types.NodeSpec, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureErr[node.Name]
}

func (f *fakeEnforcer) ScheduleBan(node types.NodeSpec, addr string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[node.Name] = append(f.scheduled[node.Name], addr)
	return true
}

func fleet() []types.NodeSpec {
	return []types.NodeSpec{
		{Name: "alpha", Host: "10.0.0.1", SSHPort: 22, SSHKey: "/k"},
		{Name: "beta", Host: "10.0.0.2", SSHPort: 22, SSHKey: "/k"},
		{Name: "gamma", Host: "10.0.0.3", SSHPort: 22, SSHKey: "/k"},
	}
}

func testWatcher(store *fakeStore, enf *fakeEnforcer, broker *events.Broker) *Watcher {
	nodes := fleet()
	return New(Config{
		Node:     nodes[0],
		Fleet:    nodes,
		Store:    store,
		Enforcer: enf,
		Broker:   broker,
		LimitFor: func(inbound string) (int, bool) {
			if inbound == "VMESS_TCP" {
				return 1, true
			}
			return 0, false
		},
		BanDuration: func() time.Duration { return 600 * time.Second },
	})
}

const acceptLine = "from tcp:203.0.113.9:48290 accepted tcp:example.com:443 [VMESS_TCP -> IPv4] email: 42.alice"

func TestEvictionFansOutAcrossFleet(t *testing.T) {
	store := newFakeStore()
	enf := newFakeEnforcer()
	store.evict["203.0.113.9"] = []string{"203.0.113.5"}

	w := testWatcher(store, enf, nil)
	w.handleLogLine(context.Background(), acceptLine)

	// every fleet node, including the observing one, got the ban
	for _, n := range []string{"alpha", "beta", "gamma"} {
		assert.Equal(t, []string{"203.0.113.5"}, enf.scheduled[n], n)
	}
	assert.Equal(t, 600*time.Second, store.marked["203.0.113.5"])
}

func TestUnconfiguredInboundSkipped(t *testing.T) {
	store := newFakeStore()
	enf := newFakeEnforcer()

	w := testWatcher(store, enf, nil)
	w.handleLogLine(context.Background(),
		"from tcp:203.0.113.9:48290 accepted tcp:example.com:443 [UNLISTED -> IPv4] email: 42.alice")

	assert.Empty(t, store.addSeen)
	assert.Empty(t, enf.scheduled)
}

func TestRecentlyBannedSkipped(t *testing.T) {
	store := newFakeStore()
	enf := newFakeEnforcer()
	store.evict["203.0.113.9"] = []string{"203.0.113.5"}
	store.banned["203.0.113.5"] = true

	w := testWatcher(store, enf, nil)
	w.handleLogLine(context.Background(), acceptLine)

	assert.Empty(t, enf.scheduled)
	assert.Empty(t, store.marked)
}

func TestEvictionOfCurrentAddressSkipped(t *testing.T) {
	store := newFakeStore()
	enf := newFakeEnforcer()
	store.evict["203.0.113.9"] = []string{"203.0.113.9"}

	w := testWatcher(store, enf, nil)
	w.handleLogLine(context.Background(), acceptLine)

	assert.Empty(t, enf.scheduled)
}

func TestInvalidEvictedAddressNeverReachesFirewall(t *testing.T) {
	store := newFakeStore()
	enf := newFakeEnforcer()
	store.evict["203.0.113.9"] = []string{"not-an-address", "999.1.1.1"}

	w := testWatcher(store, enf, nil)
	w.handleLogLine(context.Background(), acceptLine)

	assert.Empty(t, enf.scheduled)
	assert.Empty(t, store.marked)
}

func TestEnsureFailureCountsNodeAsFailed(t *testing.T) {
	store := newFakeStore()
	enf := newFakeEnforcer()
	store.evict["203.0.113.9"] = []string{"203.0.113.5"}
	enf.ensureErr["beta"] = assert.AnError

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	w := testWatcher(store, enf, broker)
	w.handleLogLine(context.Background(), acceptLine)

	assert.NotContains(t, enf.scheduled, "beta")
	assert.Contains(t, enf.scheduled, "alpha")

	select {
	case ev := <-sub:
		require.Equal(t, events.EventBanScheduled, ev.Type)
		require.NotNil(t, ev.Ban)
		assert.ElementsMatch(t, []string{"alpha", "gamma"}, ev.Ban.SuccessNodes)
		assert.Equal(t, []string{"beta"}, ev.Ban.FailedNodes)
	case <-time.After(time.Second):
		t.Fatal("no ban event published")
	}
}

func TestAttachNotifiedOncePerAttach(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	w := testWatcher(newFakeStore(), newFakeEnforcer(), broker)
	ctx := context.Background()

	follow := types.StreamLine{Sentinel: types.SentinelFollow, Text: "follow pid=17"}
	w.handleLine(ctx, follow)
	w.handleLine(ctx, follow) // second follow, same attachment
	assert.Equal(t, types.NodeStateAttached, w.State())

	attached := 0
	deadline := time.After(500 * time.Millisecond)
drain:
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventNodeAttached {
				attached++
			}
		case <-deadline:
			break drain
		}
	}
	assert.Equal(t, 1, attached)

	// detach then re-attach notifies again
	w.handleLine(ctx, types.StreamLine{Sentinel: types.SentinelStreamExit, Text: "log_stream_exit rc=255"})
	assert.Equal(t, types.NodeStateReconnecting, w.State())
	w.handleLine(ctx, follow)

	select {
	case ev := <-sub:
		if ev.Type == events.EventNodeDetached {
			ev = <-sub
		}
		assert.Equal(t, events.EventNodeAttached, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no re-attach event")
	}
}

func TestRebootEscalation(t *testing.T) {
	rebooted := make(chan struct{}, 1)

	store := newFakeStore()
	enf := newFakeEnforcer()
	w := testWatcher(store, enf, nil)
	w.cfg.Reboot = func(context.Context) error {
		rebooted <- struct{}{}
		return nil
	}

	ctx := context.Background()
	for i := 0; i < fdThreshold; i++ {
		w.trackFDUnreadable(ctx)
	}
	// threshold reached: grace armed, no reboot yet
	assert.False(t, w.graceStart.IsZero())
	select {
	case <-rebooted:
		t.Fatal("rebooted before grace expired")
	case <-time.After(50 * time.Millisecond):
	}

	// grace expires and the condition persists
	w.graceStart = time.Now().Add(-rebootGrace - time.Second)
	w.trackFDUnreadable(ctx)

	select {
	case <-rebooted:
	case <-time.After(time.Second):
		t.Fatal("reboot not issued after grace")
	}
	// counters reset
	assert.Equal(t, 0, w.fdCount)
	assert.True(t, w.graceStart.IsZero())
}

func TestRebootCooldownBlocksSecondReboot(t *testing.T) {
	rebooted := make(chan struct{}, 1)

	w := testWatcher(newFakeStore(), newFakeEnforcer(), nil)
	w.cfg.Reboot = func(context.Context) error {
		rebooted <- struct{}{}
		return nil
	}
	w.lastReboot = time.Now().Add(-5 * time.Minute) // inside 20m cooldown

	ctx := context.Background()
	for i := 0; i < fdThreshold; i++ {
		w.trackFDUnreadable(ctx)
	}
	w.graceStart = time.Now().Add(-rebootGrace - time.Second)
	w.trackFDUnreadable(ctx)

	select {
	case <-rebooted:
		t.Fatal("reboot issued during cooldown")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFollowResetsFDTracking(t *testing.T) {
	w := testWatcher(newFakeStore(), newFakeEnforcer(), nil)
	ctx := context.Background()

	for i := 0; i < fdThreshold; i++ {
		w.trackFDUnreadable(ctx)
	}
	require.False(t, w.graceStart.IsZero())

	w.handleLine(ctx, types.StreamLine{Sentinel: types.SentinelFollow, Text: "follow pid=17"})
	assert.Equal(t, 0, w.fdCount)
	assert.True(t, w.graceStart.IsZero())
}

func TestConsumeStopsOnChannelClose(t *testing.T) {
	w := testWatcher(newFakeStore(), newFakeEnforcer(), nil)
	lines := make(chan types.StreamLine)
	close(lines)

	done := make(chan struct{})
	go func() {
		w.Consume(context.Background(), lines)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return on closed channel")
	}
}
