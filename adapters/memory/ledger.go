// Package memory provides in-memory implementations of the counter stores.
// Both stores shard their state by key so unrelated traffic never contends on
// one lock.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/textgate/textgate/domain/quota"
	"github.com/textgate/textgate/ports"
)

// ledgerShard is a single shard of the quota ledger.
type ledgerShard struct {
	mu    sync.RWMutex
	state map[string]quota.WindowState
}

// ShardedLedger is a sharded in-memory implementation of ports.QuotaLedger.
// The reserve/commit pair for one identity runs under that identity's shard
// lock, so two racing requests that both see one slot left cannot both be
// admitted.
type ShardedLedger struct {
	shards    []*ledgerShard
	numShards int
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// LedgerConfig configures the sharded ledger.
type LedgerConfig struct {
	NumShards       int           // Number of shards (default: 32)
	CleanupInterval time.Duration // How often to drop stale windows (default: 1h)
}

// NewShardedLedger creates a new sharded in-memory quota ledger.
func NewShardedLedger(cfg LedgerConfig) *ShardedLedger {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}

	s := &ShardedLedger{
		shards:    make([]*ledgerShard, cfg.NumShards),
		numShards: cfg.NumShards,
		done:      make(chan struct{}),
	}

	for i := range s.shards {
		s.shards[i] = &ledgerShard{
			state: make(map[string]quota.WindowState),
		}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

// getShard returns the shard for a given identity using consistent hashing.
func (s *ShardedLedger) getShard(identityID string) *ledgerShard {
	h := fnv.New32a()
	h.Write([]byte(identityID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// CheckAndReserve decides admission and holds a reservation when allowed for a
// counted tier. DailyCount is never written here; a probe that is not followed
// by a Commit leaves the committed counter untouched.
func (s *ShardedLedger) CheckAndReserve(ctx context.Context, id quota.Identity, cfg quota.Config, now time.Time) (quota.CheckResult, error) {
	shard := s.getShard(id.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state := shard.state[id.ID]
	result := quota.Check(id, state, cfg, now)
	if result.Allowed && !quota.Bypasses(id, now) {
		shard.state[id.ID] = quota.Reserve(state, now)
	}

	return result, nil
}

// Commit converts a reservation into a committed use with the lazy
// day-boundary reset applied.
func (s *ShardedLedger) Commit(ctx context.Context, identityID string, now time.Time) error {
	shard := s.getShard(identityID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.state[identityID] = quota.Commit(shard.state[identityID], now)
	return nil
}

// Peek returns the identity's counter state as the current day sees it,
// without side effects.
func (s *ShardedLedger) Peek(ctx context.Context, identityID string, now time.Time) (quota.WindowState, error) {
	shard := s.getShard(identityID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	state := shard.state[identityID]
	day := quota.DayStart(now)
	if !state.WindowStart.Equal(day) {
		state.DailyCount = 0
		state.Reserved = 0
		state.WindowStart = day
	}
	return state, nil
}

// cleanupLoop periodically removes entries whose window is long past.
func (s *ShardedLedger) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.doCleanup()
		case <-s.done:
			return
		}
	}
}

// doCleanup removes counter state for windows older than two days. TotalCount
// for idle identities is reconstructible from the usage store, so dropping the
// entry is safe.
func (s *ShardedLedger) doCleanup() {
	cutoff := quota.DayStart(time.Now()).AddDate(0, 0, -2)

	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, state := range shard.state {
			if !state.WindowStart.IsZero() && state.WindowStart.Before(cutoff) {
				delete(shard.state, id)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (s *ShardedLedger) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Clear removes all state (for testing).
func (s *ShardedLedger) Clear() {
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.state = make(map[string]quota.WindowState)
		shard.mu.Unlock()
	}
}

// Len returns the total number of entries across all shards (for testing).
func (s *ShardedLedger) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.state)
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.QuotaLedger = (*ShardedLedger)(nil)
