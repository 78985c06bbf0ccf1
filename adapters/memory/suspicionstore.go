package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/textgate/textgate/domain/suspicion"
	"github.com/textgate/textgate/ports"
)

// suspicionShard is a single shard of the suspicion store.
type suspicionShard struct {
	mu      sync.Mutex
	records map[string]*suspicion.Record
}

// ShardedSuspicionStore is a sharded in-memory implementation of
// ports.SuspicionStore. Records self-evict: a background sweep removes
// sources idle past the retention horizon, locking one shard at a time so
// concurrent admission checks never stall behind it.
type ShardedSuspicionStore struct {
	shards    []*suspicionShard
	numShards int
	retention time.Duration
	cfg       atomic.Pointer[suspicion.Config]
	sweep     *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
	clock     ports.Clock
}

// SuspicionStoreConfig configures the store.
type SuspicionStoreConfig struct {
	NumShards     int              // Number of shards (default: 32)
	Retention     time.Duration    // Idle horizon before eviction (default: 1h)
	SweepInterval time.Duration    // How often the sweep runs (default: 5m; 0 disables)
	Scoring       suspicion.Config // Scoring weights and thresholds
	Clock         ports.Clock      // Clock for the background sweep
}

// NewShardedSuspicionStore creates a new sharded suspicion store.
func NewShardedSuspicionStore(cfg SuspicionStoreConfig) *ShardedSuspicionStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Scoring.Window <= 0 {
		cfg.Scoring = suspicion.DefaultConfig()
	}

	s := &ShardedSuspicionStore{
		shards:    make([]*suspicionShard, cfg.NumShards),
		numShards: cfg.NumShards,
		retention: cfg.Retention,
		done:      make(chan struct{}),
		clock:     cfg.Clock,
	}
	s.cfg.Store(&cfg.Scoring)

	for i := range s.shards {
		s.shards[i] = &suspicionShard{
			records: make(map[string]*suspicion.Record),
		}
	}

	if cfg.SweepInterval > 0 {
		s.sweep = time.NewTicker(cfg.SweepInterval)
		go s.sweepLoop()
	}

	return s
}

// UpdateScoring swaps the scoring configuration. Safe to call while handling
// requests; in-flight observations finish with the config they loaded.
func (s *ShardedSuspicionStore) UpdateScoring(cfg suspicion.Config) {
	s.cfg.Store(&cfg)
}

// getShard returns the shard for a source address using consistent hashing.
func (s *ShardedSuspicionStore) getShard(source string) *suspicionShard {
	h := fnv.New32a()
	h.Write([]byte(source))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Observe applies one request's signals to the source's record under the
// shard lock and reports whether the source is blocked.
func (s *ShardedSuspicionStore) Observe(ctx context.Context, source, agent, endpoint string, now time.Time) (suspicion.Assessment, error) {
	cfg := *s.cfg.Load()
	shard := s.getShard(source)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[source]
	if !ok {
		rec = &suspicion.Record{Source: source}
		shard.records[source] = rec
	}

	return suspicion.Observe(rec, agent, endpoint, cfg, now), nil
}

// Sweep evicts records idle past the retention horizon. Each shard is locked
// only long enough to scan its own records.
func (s *ShardedSuspicionStore) Sweep(ctx context.Context, now time.Time) int {
	evicted := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for source, rec := range shard.records {
			if rec.Expired(now, s.retention) {
				delete(shard.records, source)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}

// sweepLoop runs the periodic eviction.
func (s *ShardedSuspicionStore) sweepLoop() {
	for {
		select {
		case <-s.sweep.C:
			now := time.Now()
			if s.clock != nil {
				now = s.clock.Now()
			}
			s.Sweep(context.Background(), now)
		case <-s.done:
			return
		}
	}
}

// Close stops the sweep goroutine.
func (s *ShardedSuspicionStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.sweep != nil {
			s.sweep.Stop()
		}
	})
	return nil
}

// Len returns the total number of tracked sources (for testing).
func (s *ShardedSuspicionStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.records)
		shard.mu.Unlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.SuspicionStore = (*ShardedSuspicionStore)(nil)
