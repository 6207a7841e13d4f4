package firewall

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroharbor/guardian/pkg/types"
)

func testNode() types.NodeSpec {
	return types.NodeSpec{Name: "alpha", Host: "10.0.0.1", SSHPort: 22, SSHUser: "root", SSHKey: "/k"}
}

func newTestWorker(submit func(ctx context.Context, items []banItem) error) *banWorker {
	if submit == nil {
		submit = func(context.Context, []banItem) error { return nil }
	}
	return newBanWorker(testNode(), submit)
}

func TestScheduleDedupKeepsMaxTTL(t *testing.T) {
	w := newTestWorker(nil)

	assert.True(t, w.schedule("10.0.0.9", 100*time.Second))
	assert.True(t, w.schedule("10.0.0.9", 600*time.Second))
	assert.True(t, w.schedule("10.0.0.9", 50*time.Second))

	assert.Equal(t, 1, w.depth())
	assert.Equal(t, 600*time.Second, w.pending["10.0.0.9"].ttl)
}

func TestScheduleBackpressure(t *testing.T) {
	w := newTestWorker(nil)

	// pre-fill to the cap
	for i := 0; i < pendingCap; i++ {
		w.pending[fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff)] = banItem{
			ttl: 100 * time.Second, enqueued: time.Now(),
		}
	}
	require.Equal(t, pendingCap, w.depth())

	// new distinct address refused
	assert.False(t, w.schedule("192.0.2.99", 600*time.Second))
	assert.Equal(t, pendingCap, w.depth())

	// TTL raise on an already-pending address still succeeds
	existing := "10.0.0.100"
	require.Contains(t, w.pending, existing)
	assert.True(t, w.schedule(existing, 600*time.Second))
	assert.Equal(t, 600*time.Second, w.pending[existing].ttl)
	assert.Equal(t, pendingCap, w.depth())
}

func TestDrainSubmitsOldestFirstAndCapsBatch(t *testing.T) {
	var got [][]banItem
	w := newTestWorker(func(_ context.Context, items []banItem) error {
		got = append(got, items)
		return nil
	})

	base := time.Now()
	for i := 0; i < drainMax+10; i++ {
		w.pending[fmt.Sprintf("10.1.%d.%d", i>>8&0xff, i&0xff)] = banItem{
			addr:     fmt.Sprintf("10.1.%d.%d", i>>8&0xff, i&0xff),
			ttl:      time.Minute,
			enqueued: base.Add(time.Duration(i) * time.Millisecond),
		}
	}

	w.drainOnce(context.Background())
	require.Len(t, got, 1)
	assert.Len(t, got[0], drainMax)
	// strictly enqueue-ordered
	for i := 1; i < len(got[0]); i++ {
		assert.False(t, got[0][i].enqueued.Before(got[0][i-1].enqueued))
	}
	assert.Equal(t, 10, w.depth())

	w.drainOnce(context.Background())
	require.Len(t, got, 2)
	assert.Len(t, got[1], 10)
	assert.Equal(t, 0, w.depth())
}

func TestDrainFailureRequeuesPreservingMaxTTL(t *testing.T) {
	fail := true
	var submitted int
	w := newTestWorker(func(_ context.Context, items []banItem) error {
		submitted++
		if fail {
			return errors.New("rc=1")
		}
		return nil
	})

	w.schedule("10.0.0.9", 100*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip the post-failure pause
	w.drainOnce(ctx)
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, w.depth())

	// a TTL raise arriving after the requeue wins
	w.schedule("10.0.0.9", 900*time.Second)
	assert.Equal(t, 900*time.Second, w.pending["10.0.0.9"].ttl)

	fail = false
	w.drainOnce(context.Background())
	assert.Equal(t, 2, submitted)
	assert.Equal(t, 0, w.depth())
}

func TestDrainEmptyIsNoop(t *testing.T) {
	called := false
	w := newTestWorker(func(context.Context, []banItem) error {
		called = true
		return nil
	})
	w.drainOnce(context.Background())
	assert.False(t, called)
}

func TestWorkerRunDrainsOnWake(t *testing.T) {
	done := make(chan []banItem, 1)
	w := newTestWorker(func(_ context.Context, items []banItem) error {
		select {
		case done <- items:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	w.schedule("10.0.0.9", 600*time.Second)

	select {
	case items := <-done:
		require.Len(t, items, 1)
		assert.Equal(t, "10.0.0.9", items[0].addr)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain")
	}
}

func TestLatencyWindowP95(t *testing.T) {
	l := newLatencyWindow(100)
	assert.Equal(t, time.Duration(0), l.P95())

	for i := 1; i <= 100; i++ {
		l.Add(time.Duration(i) * time.Millisecond)
	}
	p95 := l.P95()
	assert.InDelta(t, 95, float64(p95/time.Millisecond), 1)

	// window rolls: overwrite with large values
	for i := 0; i < 100; i++ {
		l.Add(time.Second)
	}
	assert.Equal(t, time.Second, l.P95())
}
