package shard

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/compress"
	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
	"github.com/meridiandb/meridian/pkg/wal"
)

// State is the operational state of a shard.
type State string

const (
	StateActive    State = "ACTIVE"
	StateDraining  State = "DRAINING"
	StateMigrating State = "MIGRATING"
	StateStopped   State = "STOPPED"
)

const (
	// compressThreshold is the value size above which shard values are
	// stored compressed.
	compressThreshold = 1 << 10
	// hotCacheSize bounds the per-shard hot cache.
	hotCacheSize = 128
	// hotPromoteAfter is the access count that promotes a key.
	hotPromoteAfter = 3
	// fallbackRingSize bounds the in-memory WAL fallback ring.
	fallbackRingSize = 4096
	// jobQueueSize bounds each shard worker's inbound queue.
	jobQueueSize = 1024
)

// entry is one stored value. Values above the compression threshold are kept
// compressed and inflated transparently on read.
type entry struct {
	value      []byte
	compressed *compress.Result
	ts         hlc.Timestamp
	size       uint64
}

// fallbackEntry is a WAL record kept in memory while the WAL is degraded.
type fallbackEntry struct {
	Type  wal.EntryType
	Key   string
	Value []byte
}

// Shard owns a disjoint slice of the keyspace: a primary map, an LRU-tracked
// recency index, a small hot cache, a WAL handle, and a CPU/NUMA affinity.
// All mutations run on the shard's single worker goroutine.
type Shard struct {
	ID        int
	Placement Placement

	cfg        Config
	compressor *compress.Manager
	clock      *hlc.Clock
	logger     zerolog.Logger

	mu       sync.RWMutex
	state    State
	data     map[string]entry
	recency  *lru.Cache[string, struct{}]
	hot      map[string][]byte
	accesses map[string]int
	memUsage uint64

	wal         *wal.WAL
	walJobs     chan fallbackEntry
	walDegraded atomic.Bool
	fallback    []fallbackEntry
	fallbackMu  sync.Mutex

	jobs   chan func()
	stopCh chan struct{}
	doneCh chan struct{}
	walWG  sync.WaitGroup

	hits   atomic.Uint64
	misses atomic.Uint64
	ops    atomic.Uint64
}

func newShard(id int, placement Placement, cfg Config, compressor *compress.Manager, clock *hlc.Clock) (*Shard, error) {
	recency, err := lru.New[string, struct{}](1 << 20)
	if err != nil {
		return nil, err
	}

	s := &Shard{
		ID:         id,
		Placement:  placement,
		cfg:        cfg,
		compressor: compressor,
		clock:      clock,
		logger:     log.WithShardID(id),
		state:      StateActive,
		data:       make(map[string]entry),
		recency:    recency,
		hot:        make(map[string][]byte),
		accesses:   make(map[string]int),
		jobs:       make(chan func(), jobQueueSize),
		walJobs:    make(chan fallbackEntry, jobQueueSize),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	if cfg.EnableWAL {
		walCfg := wal.DefaultConfig(fmt.Sprintf("%s/shard-%d", cfg.WalDir, id))
		s.wal = wal.New(walCfg)
	}
	return s, nil
}

func (s *Shard) start() error {
	if s.wal != nil {
		if err := s.wal.Start(); err != nil {
			return err
		}
		s.walWG.Add(1)
		go s.walWriter()
	}
	go s.worker()
	s.logger.Debug().Int("cpu", s.Placement.CPU).Int("numa_node", s.Placement.NUMANode).Msg("shard worker started")
	return nil
}

func (s *Shard) stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	close(s.walJobs)
	s.walWG.Wait()
	if s.wal != nil {
		s.wal.Stop()
	}
}

// worker drains the job queue. Per-shard execution is single-threaded, so
// jobs for one shard complete in submission order.
func (s *Shard) worker() {
	defer close(s.doneCh)
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.stopCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case job := <-s.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// Execute submits fn to the shard worker and waits for completion.
func (s *Shard) Execute(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case s.jobs <- wrapped:
	case <-ctx.Done():
		return errdefs.Sharding("shard %d queue full: %v", s.ID, ctx.Err())
	case <-s.stopCh:
		return errdefs.Sharding("shard %d stopped", s.ID)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the shard's operational state.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Shard) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Set stores key=value on the shard worker.
func (s *Shard) Set(ctx context.Context, key string, value []byte) error {
	var setErr error
	err := s.Execute(ctx, func() {
		setErr = s.setLocal(key, value)
	})
	if err != nil {
		return err
	}
	return setErr
}

// setLocal runs on the shard worker.
func (s *Shard) setLocal(key string, value []byte) error {
	s.ops.Add(1)
	metrics.ShardOperations.WithLabelValues("set").Inc()

	e := entry{ts: s.clock.Now(), size: uint64(len(key) + len(value))}
	if s.cfg.EnableCompression && len(value) > compressThreshold {
		if result, ok := s.compressor.CompressValue(value); ok {
			e.compressed = result
			e.size = uint64(len(key) + result.CompressedSize)
			metrics.CompressionRatio.WithLabelValues(string(result.Algorithm)).Observe(result.Ratio())
		} else {
			e.value = append([]byte(nil), value...)
		}
	} else {
		e.value = append([]byte(nil), value...)
	}

	s.mu.Lock()
	if old, ok := s.data[key]; ok {
		s.memUsage -= old.size
	}
	// Evict cold entries when the incoming value would exceed the budget.
	for s.memUsage+e.size > s.cfg.MemoryPerShard && s.recency.Len() > 0 {
		oldest, _, ok := s.recency.RemoveOldest()
		if !ok {
			break
		}
		if victim, exists := s.data[oldest]; exists && oldest != key {
			s.memUsage -= victim.size
			delete(s.data, oldest)
			delete(s.hot, oldest)
			delete(s.accesses, oldest)
		}
	}
	s.data[key] = e
	s.memUsage += e.size
	s.recency.Add(key, struct{}{})
	delete(s.hot, key)
	s.mu.Unlock()

	metrics.ShardMemoryBytes.WithLabelValues(strconv.Itoa(s.ID)).Set(float64(s.memoryUsage()))

	if s.wal != nil {
		s.appendWAL(fallbackEntry{Type: wal.EntrySet, Key: key, Value: value})
	}
	return nil
}

// Get reads key, promoting repeatedly accessed keys to the hot cache and
// inflating compressed values transparently.
func (s *Shard) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	var getErr error
	err := s.Execute(ctx, func() {
		value, found, getErr = s.getLocal(key)
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, getErr
}

// getLocal runs on the shard worker.
func (s *Shard) getLocal(key string) ([]byte, bool, error) {
	s.ops.Add(1)
	metrics.ShardOperations.WithLabelValues("get").Inc()

	s.mu.RLock()
	if hotVal, ok := s.hot[key]; ok {
		s.mu.RUnlock()
		s.hits.Add(1)
		return hotVal, true, nil
	}
	e, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)

	value := e.value
	if e.compressed != nil {
		decompressed, err := s.compressor.Decompress(e.compressed)
		if err != nil {
			return nil, false, err
		}
		raw, ok := decompressed.([]byte)
		if !ok {
			return nil, false, errdefs.Compression("unexpected decompressed type %T", decompressed)
		}
		value = raw
	}

	s.mu.Lock()
	s.recency.Add(key, struct{}{})
	s.accesses[key]++
	if s.accesses[key] >= hotPromoteAfter && len(s.hot) < hotCacheSize {
		s.hot[key] = value
	}
	s.mu.Unlock()

	return value, true, nil
}

// SetVersioned stores key=value stamped with an externally supplied
// timestamp, used by the replica write path. A stored value with a newer or
// equal timestamp wins and the write is a no-op.
func (s *Shard) SetVersioned(ctx context.Context, key string, value []byte, ts hlc.Timestamp) error {
	var setErr error
	err := s.Execute(ctx, func() {
		s.mu.RLock()
		cur, ok := s.data[key]
		s.mu.RUnlock()
		if ok && !cur.ts.Less(ts) {
			return
		}
		s.clock.Update(ts)
		if setErr = s.setLocal(key, value); setErr == nil {
			s.mu.Lock()
			if e, ok := s.data[key]; ok {
				e.ts = ts
				s.data[key] = e
			}
			s.mu.Unlock()
		}
	})
	if err != nil {
		return err
	}
	return setErr
}

// GetVersioned reads key plus its write timestamp, used by the replica read
// path.
func (s *Shard) GetVersioned(ctx context.Context, key string) ([]byte, hlc.Timestamp, bool, error) {
	var (
		value []byte
		ts    hlc.Timestamp
		found bool
		rdErr error
	)
	err := s.Execute(ctx, func() {
		s.mu.RLock()
		e, ok := s.data[key]
		s.mu.RUnlock()
		if !ok {
			return
		}
		ts = e.ts
		value, found, rdErr = s.getLocal(key)
	})
	if err != nil {
		return nil, hlc.Timestamp{}, false, err
	}
	return value, ts, found, rdErr
}

// Delete removes key on the shard worker.
func (s *Shard) Delete(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := s.Execute(ctx, func() {
		deleted = s.deleteLocal(key)
	})
	return deleted, err
}

// deleteLocal runs on the shard worker.
func (s *Shard) deleteLocal(key string) bool {
	s.ops.Add(1)
	metrics.ShardOperations.WithLabelValues("delete").Inc()

	s.mu.Lock()
	e, ok := s.data[key]
	if ok {
		s.memUsage -= e.size
		delete(s.data, key)
		delete(s.hot, key)
		delete(s.accesses, key)
		s.recency.Remove(key)
	}
	s.mu.Unlock()

	if ok && s.wal != nil {
		s.appendWAL(fallbackEntry{Type: wal.EntryDelete, Key: key})
	}
	return ok
}

// Keys returns a snapshot of the shard's keys.
func (s *Shard) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for key := range s.data {
		out = append(out, key)
	}
	return out
}

// appendWAL schedules a fire-and-forget durable append. When the writer's
// queue is saturated the record lands in the fallback ring instead and the
// WAL is marked degraded; reads stay available throughout.
func (s *Shard) appendWAL(rec fallbackEntry) {
	select {
	case s.walJobs <- rec:
	default:
		s.pushFallback(rec)
	}
}

func (s *Shard) walWriter() {
	defer s.walWG.Done()
	for rec := range s.walJobs {
		_, err := s.wal.WriteEntry(rec.Type, rec.Key, rec.Value, "", nil)
		if err != nil {
			s.pushFallback(rec)
			continue
		}
		if s.walDegraded.Swap(false) {
			metrics.WalDegraded.WithLabelValues(strconv.Itoa(s.ID)).Set(0)
			s.replayFallback()
		}
		metrics.WalEntriesWritten.WithLabelValues(strconv.Itoa(s.ID)).Inc()
	}
}

func (s *Shard) pushFallback(rec fallbackEntry) {
	s.fallbackMu.Lock()
	if len(s.fallback) >= fallbackRingSize {
		s.fallback = s.fallback[1:]
	}
	s.fallback = append(s.fallback, rec)
	s.fallbackMu.Unlock()

	if !s.walDegraded.Swap(true) {
		metrics.WalDegraded.WithLabelValues(strconv.Itoa(s.ID)).Set(1)
		s.logger.Warn().Msg("wal degraded, buffering entries in memory")
	}
}

// replayFallback drains the ring back into the WAL once writes succeed
// again.
func (s *Shard) replayFallback() {
	s.fallbackMu.Lock()
	pending := s.fallback
	s.fallback = nil
	s.fallbackMu.Unlock()

	for _, rec := range pending {
		if _, err := s.wal.WriteEntry(rec.Type, rec.Key, rec.Value, "", nil); err != nil {
			s.pushFallback(rec)
			return
		}
	}
	if len(pending) > 0 {
		s.logger.Info().Int("entries", len(pending)).Msg("replayed wal fallback ring")
	}
}

func (s *Shard) memoryUsage() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memUsage
}

// CacheHitRate returns hits/(hits+misses).
func (s *Shard) CacheHitRate() float64 {
	hits := float64(s.hits.Load())
	misses := float64(s.misses.Load())
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}

// Stats is a point-in-time shard summary.
type Stats struct {
	ShardID      int     `json:"shard_id"`
	State        State   `json:"state"`
	Keys         int     `json:"keys"`
	MemoryUsage  uint64  `json:"memory_usage"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	Operations   uint64  `json:"operations"`
	HotKeys      int     `json:"hot_keys"`
	WalDegraded  bool    `json:"wal_degraded"`
	CPU          int     `json:"cpu"`
	NUMANode     int     `json:"numa_node"`
}

// Stats returns the shard summary.
func (s *Shard) Stats() Stats {
	s.mu.RLock()
	keys := len(s.data)
	hotKeys := len(s.hot)
	state := s.state
	memUsage := s.memUsage
	s.mu.RUnlock()

	return Stats{
		ShardID:      s.ID,
		State:        state,
		Keys:         keys,
		MemoryUsage:  memUsage,
		CacheHitRate: s.CacheHitRate(),
		Operations:   s.ops.Load(),
		HotKeys:      hotKeys,
		WalDegraded:  s.walDegraded.Load(),
		CPU:          s.Placement.CPU,
		NUMANode:     s.Placement.NUMANode,
	}
}

