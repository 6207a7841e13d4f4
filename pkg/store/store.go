package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/metrics"
	"github.com/zeroharbor/guardian/pkg/types"
)

const (
	sessPrefix = "sess:"
	banPrefix  = "banned:"

	// sessionRetention bounds how long an idle (inbound, user) slot is
	// kept; addresses falling out of retention are forgotten, not banned.
	sessionRetention = 6 * time.Hour

	opTimeout   = 5 * time.Second
	scanTimeout = 10 * time.Second

	errLogInterval = time.Minute
)

// Store is the shared session-state client over redis. It tracks the
// age-ordered address multiset per (inbound, user) and the recent-ban
// markers that deduplicate fleet-wide enforcement.
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger

	errMu      sync.Mutex
	lastErrLog time.Time
}

// New connects to the state store at url (redis URL form)
func New(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store url: %w", err)
	}
	opt.PoolSize = 20
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second
	opt.MaxRetries = 2

	return &Store{
		rdb:    redis.NewClient(opt),
		logger: log.WithComponent("store"),
	}, nil
}

// NewWithClient wraps an existing client (tests)
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, logger: log.WithComponent("store")}
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies store reachability
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// HealthLoop pings the store every 30s and feeds the health checker
func (s *Store) HealthLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Ping(ctx); err != nil {
				metrics.UpdateComponent("store", false, err.Error())
			} else {
				metrics.UpdateComponent("store", true, "")
			}
		case <-ctx.Done():
			return
		}
	}
}

func sessKey(inbound, user string) string {
	return sessPrefix + inbound + ":" + user
}

// AddAddress records addr as the latest source for (inbound, user) and
// trims the slot to limit, oldest first. The trimmed addresses come
// back in eviction order. Store failures degrade to no evictions; the
// watcher simply under-detects until the store recovers.
func (s *Store) AddAddress(ctx context.Context, inbound, user, addr string, limit int) (evicted []string, wasNew bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := sessKey(inbound, user)
	now := float64(time.Now().UnixMilli()) / 1000.0

	pipe := s.rdb.Pipeline()
	addCmd := pipe.ZAdd(ctx, key, redis.Z{Score: now, Member: addr})
	cardCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, sessionRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logError("add-address", err)
		return nil, false
	}
	wasNew = addCmd.Val() == 1

	count := int(cardCmd.Val())
	if count <= limit {
		return nil, wasNew
	}

	over := count - limit
	old, err := s.rdb.ZRange(ctx, key, 0, int64(over-1)).Result()
	if err != nil || len(old) == 0 {
		if err != nil {
			s.logError("add-address trim", err)
		}
		return nil, wasNew
	}
	members := make([]interface{}, len(old))
	for i, m := range old {
		members[i] = m
	}
	if err := s.rdb.ZRem(ctx, key, members...).Err(); err != nil {
		s.logError("add-address trim", err)
		return nil, wasNew
	}
	return old, wasNew
}

// MarkBanned sets the recent-ban marker for addr. A longer TTL already
// in place wins; the marker is never shortened.
func (s *Store) MarkBanned(ctx context.Context, addr string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := banPrefix + addr
	cur, err := s.rdb.TTL(ctx, key).Result()
	if err == nil && cur > ttl {
		return nil
	}
	if err := s.rdb.SetEx(ctx, key, "1", ttl).Err(); err != nil {
		s.logError("mark-banned", err)
		return err
	}
	return nil
}

// IsBannedRecent reports whether addr carries a recent-ban marker
func (s *Store) IsBannedRecent(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.rdb.Exists(ctx, banPrefix+addr).Result()
	if err != nil {
		s.logError("is-banned", err)
		return false
	}
	return n == 1
}

// UnmarkBanned clears the recent-ban marker for addr
func (s *Store) UnmarkBanned(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Del(ctx, banPrefix+addr).Err()
}

// UnmarkAllBanned clears every recent-ban marker and returns how many
// were removed.
func (s *Store) UnmarkAllBanned(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, banPrefix+"*", 200).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan ban markers: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to delete ban markers: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// ListActive returns up to limit (inbound, user) slots with their
// current addresses, for the control plane.
func (s *Store) ListActive(ctx context.Context, limit int) ([]types.SessionEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	var entries []types.SessionEntry
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sessPrefix+"*", 100).Result()
		if err != nil {
			return entries, fmt.Errorf("failed to scan sessions: %w", err)
		}
		for _, key := range keys {
			if len(entries) >= limit {
				return entries, nil
			}
			inbound, user, ok := splitSessKey(key)
			if !ok {
				continue
			}
			addrs, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
			if err != nil {
				continue
			}
			entries = append(entries, types.SessionEntry{
				Inbound:   inbound,
				User:      user,
				Addresses: addrs,
			})
		}
		cursor = next
		if cursor == 0 {
			return entries, nil
		}
	}
}

// ListBanned returns up to limit recent-ban markers with remaining TTL
func (s *Store) ListBanned(ctx context.Context, limit int) ([]types.BannedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	var entries []types.BannedEntry
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, banPrefix+"*", 200).Result()
		if err != nil {
			return entries, fmt.Errorf("failed to scan ban markers: %w", err)
		}
		for _, key := range keys {
			if len(entries) >= limit {
				return entries, nil
			}
			ttl, err := s.rdb.TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			entries = append(entries, types.BannedEntry{
				Address:   strings.TrimPrefix(key, banPrefix),
				Remaining: ttl,
			})
		}
		cursor = next
		if cursor == 0 {
			return entries, nil
		}
	}
}

func splitSessKey(key string) (inbound, user string, ok bool) {
	rest := strings.TrimPrefix(key, sessPrefix)
	inbound, user, ok = strings.Cut(rest, ":")
	if !ok || inbound == "" || user == "" {
		return "", "", false
	}
	return inbound, user, true
}

// logError records a store failure, at most once per minute to keep a
// dead store from flooding the log.
func (s *Store) logError(op string, err error) {
	metrics.StoreErrorsTotal.Inc()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if time.Since(s.lastErrLog) < errLogInterval {
		return
	}
	s.lastErrLog = time.Now()
	s.logger.Error().Str("op", op).Err(err).Msg("state store operation failed")
}
