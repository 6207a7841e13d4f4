package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(rdb)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestAddAddressUnderLimit(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	evicted, wasNew := s.AddAddress(ctx, "VMESS_TCP", "u1", "10.0.0.1", 2)
	assert.Empty(t, evicted)
	assert.True(t, wasNew)

	evicted, wasNew = s.AddAddress(ctx, "VMESS_TCP", "u1", "10.0.0.1", 2)
	assert.Empty(t, evicted)
	assert.False(t, wasNew)

	// slot retention is set
	ttl := mr.TTL("sess:VMESS_TCP:u1")
	assert.Greater(t, ttl, 5*time.Hour)
}

func TestAddAddressEvictsOldestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.AddAddress(ctx, "VMESS_TCP", "u1", "10.0.0.1", 1)
	time.Sleep(5 * time.Millisecond)
	evicted, _ := s.AddAddress(ctx, "VMESS_TCP", "u1", "10.0.0.2", 1)
	assert.Equal(t, []string{"10.0.0.1"}, evicted)

	time.Sleep(5 * time.Millisecond)
	evicted, _ = s.AddAddress(ctx, "VMESS_TCP", "u1", "10.0.0.3", 1)
	assert.Equal(t, []string{"10.0.0.2"}, evicted)
}

func TestAddAddressCardinalityInvariant(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	var allEvicted []string
	for _, a := range addrs {
		time.Sleep(5 * time.Millisecond)
		evicted, _ := s.AddAddress(ctx, "VLESS_WS", "u2", a, 2)
		allEvicted = append(allEvicted, evicted...)
	}

	// cardinality equals min(observed, limit)
	members, err := mr.ZMembers("sess:VLESS_WS:u2")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.ElementsMatch(t, []string{"10.0.0.4", "10.0.0.5"}, members)

	// each excess address evicted exactly once, oldest first
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, allEvicted)
}

func TestAddAddressRefreshKeepsNewest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.AddAddress(ctx, "VIP", "u3", "10.0.0.1", 2)
	time.Sleep(5 * time.Millisecond)
	s.AddAddress(ctx, "VIP", "u3", "10.0.0.2", 2)
	time.Sleep(5 * time.Millisecond)
	// refresh the oldest; now 10.0.0.2 is oldest
	s.AddAddress(ctx, "VIP", "u3", "10.0.0.1", 2)
	time.Sleep(5 * time.Millisecond)

	evicted, _ := s.AddAddress(ctx, "VIP", "u3", "10.0.0.3", 2)
	assert.Equal(t, []string{"10.0.0.2"}, evicted)
}

func TestAddAddressStoreDownDegrades(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	evicted, wasNew := s.AddAddress(context.Background(), "VMESS_TCP", "u1", "10.0.0.1", 1)
	assert.Empty(t, evicted)
	assert.False(t, wasNew)
}

func TestBanMarkerLifecycle(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.IsBannedRecent(ctx, "10.0.0.1"))

	require.NoError(t, s.MarkBanned(ctx, "10.0.0.1", 600*time.Second))
	assert.True(t, s.IsBannedRecent(ctx, "10.0.0.1"))

	mr.FastForward(601 * time.Second)
	assert.False(t, s.IsBannedRecent(ctx, "10.0.0.1"))
}

func TestMarkBannedLongerTTLWins(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkBanned(ctx, "10.0.0.1", 600*time.Second))
	// a shorter re-mark must not shorten the marker
	require.NoError(t, s.MarkBanned(ctx, "10.0.0.1", 60*time.Second))
	assert.Greater(t, mr.TTL("banned:10.0.0.1"), 500*time.Second)

	// a longer re-mark extends it
	require.NoError(t, s.MarkBanned(ctx, "10.0.0.1", 1200*time.Second))
	assert.Greater(t, mr.TTL("banned:10.0.0.1"), 1100*time.Second)
}

func TestUnmarkBanned(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkBanned(ctx, "10.0.0.1", time.Hour))
	require.NoError(t, s.UnmarkBanned(ctx, "10.0.0.1"))
	assert.False(t, s.IsBannedRecent(ctx, "10.0.0.1"))
}

func TestUnmarkAllBanned(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, a := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		require.NoError(t, s.MarkBanned(ctx, a, time.Hour))
	}

	n, err := s.UnmarkAllBanned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	banned, err := s.ListBanned(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, banned)
}

func TestListActive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.AddAddress(ctx, "VMESS_TCP", "u1", "10.0.0.1", 3)
	s.AddAddress(ctx, "VMESS_TCP", "u1", "10.0.0.2", 3)
	s.AddAddress(ctx, "VLESS_WS", "u2", "10.0.0.3", 3)

	entries, err := s.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byUser := map[string]int{}
	for _, e := range entries {
		byUser[e.User] = len(e.Addresses)
	}
	assert.Equal(t, 2, byUser["u1"])
	assert.Equal(t, 1, byUser["u2"])
}

func TestListBanned(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkBanned(ctx, "10.0.0.1", 600*time.Second))

	entries, err := s.ListBanned(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.1", entries[0].Address)
	assert.Greater(t, entries[0].Remaining, 500*time.Second)
}

func TestSplitSessKey(t *testing.T) {
	inbound, user, ok := splitSessKey("sess:VMESS_TCP:42.alice")
	assert.True(t, ok)
	assert.Equal(t, "VMESS_TCP", inbound)
	assert.Equal(t, "42.alice", user)

	_, _, ok = splitSessKey("sess:broken")
	assert.False(t, ok)
}
