package shard

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/compress"
	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
)

// Config holds shard manager settings.
type Config struct {
	NumShards         int      `yaml:"num_shards"`
	PlacementStrategy Strategy `yaml:"placement_strategy"`
	EnableCompression bool     `yaml:"enable_compression"`
	EnableWAL         bool     `yaml:"enable_wal"`
	EnableZeroCopy    bool     `yaml:"enable_zero_copy"`
	MemoryPerShard    uint64   `yaml:"memory_per_shard"`
	WalDir            string   `yaml:"wal_dir"`
}

// DefaultConfig returns the standard shard settings. NumShards defaults to
// the physical core count in NewManager.
func DefaultConfig() Config {
	return Config{
		PlacementStrategy: NUMAAware,
		EnableCompression: true,
		EnableWAL:         true,
		EnableZeroCopy:    true,
		MemoryPerShard:    256 << 20,
		WalDir:            "./wal",
	}
}

// CrossShardState is the lifecycle of a coordinated multi-shard operation.
type CrossShardState string

const (
	CrossShardPending   CrossShardState = "pending"
	CrossShardCompleted CrossShardState = "completed"
	CrossShardFailed    CrossShardState = "failed"
)

// CrossShardOp tracks one coordinated operation in the process-wide table.
type CrossShardOp struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Coordinator int             `json:"coordinator"`
	Shards      []int           `json:"shards"`
	State       CrossShardState `json:"state"`
	StartedAt   time.Time       `json:"started_at"`
}

// Manager places shards onto cores, routes keys to them, and coordinates
// cross-shard operations.
type Manager struct {
	cfg        Config
	topo       *Topology
	placements []Placement
	groups     map[string]*PlacementGroup
	compressor *compress.Manager
	clock      *hlc.Clock
	logger     zerolog.Logger

	shards []*Shard

	opsMu sync.Mutex
	ops   map[string]*CrossShardOp

	started bool
}

// NewManager builds the shard set according to the placement strategy.
func NewManager(cfg Config, compressor *compress.Manager, clock *hlc.Clock) (*Manager, error) {
	def := DefaultConfig()
	if cfg.PlacementStrategy == "" {
		cfg.PlacementStrategy = def.PlacementStrategy
	}
	if cfg.MemoryPerShard == 0 {
		cfg.MemoryPerShard = def.MemoryPerShard
	}
	if cfg.WalDir == "" {
		cfg.WalDir = def.WalDir
	}

	topo := DetectTopology()
	if cfg.NumShards <= 0 {
		cfg.NumShards = topo.PhysicalCores
	}
	if cfg.NumShards <= 0 {
		return nil, errdefs.Config("num_shards must be positive")
	}

	m := &Manager{
		cfg:        cfg,
		topo:       topo,
		compressor: compressor,
		clock:      clock,
		logger:     log.WithComponent("shard-manager"),
		ops:        make(map[string]*CrossShardOp),
	}

	m.placements = computePlacement(cfg.PlacementStrategy, cfg.NumShards, topo)
	m.groups = buildPlacementGroups(m.placements, cfg.MemoryPerShard)

	m.shards = make([]*Shard, cfg.NumShards)
	for _, p := range m.placements {
		s, err := newShard(p.ShardID, p, cfg, compressor, clock)
		if err != nil {
			return nil, err
		}
		m.shards[p.ShardID] = s
	}
	return m, nil
}

// Start launches every shard worker.
func (m *Manager) Start() error {
	if m.started {
		return nil
	}
	for _, s := range m.shards {
		if err := s.start(); err != nil {
			return err
		}
	}
	m.started = true
	m.logger.Info().
		Int("shards", len(m.shards)).
		Str("strategy", string(m.cfg.PlacementStrategy)).
		Int("numa_nodes", len(m.topo.NUMANodes)).
		Msg("shard manager started")
	return nil
}

// Stop halts all shard workers and their WALs.
func (m *Manager) Stop() {
	for _, s := range m.shards {
		s.stop()
	}
	m.started = false
	m.logger.Info().Msg("shard manager stopped")
}

// ShardForKey maps a key to its shard: SHA-256 of the key modulo the shard
// count. Under strong consistency the pick may be remapped to a NUMA-local
// shard to keep the read on this socket.
func (m *Manager) ShardForKey(key string, preferLocal bool) *Shard {
	sum := sha256.Sum256([]byte(key))
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(m.shards))
	s := m.shards[idx]

	if preferLocal {
		if local := m.localNUMAShard(s); local != nil {
			return local
		}
	}
	return s
}

// localNUMAShard remaps to a co-resident shard on NUMA node 0 (where the
// caller runs) when the hashed shard lives elsewhere.
func (m *Manager) localNUMAShard(s *Shard) *Shard {
	if s.Placement.NUMANode == 0 {
		return nil
	}
	group, ok := m.groups["numa-0"]
	if !ok || len(group.ShardIDs) == 0 {
		return nil
	}
	return m.shards[group.ShardIDs[s.ID%len(group.ShardIDs)]]
}

// Shard returns a shard by id.
func (m *Manager) Shard(id int) (*Shard, bool) {
	if id < 0 || id >= len(m.shards) {
		return nil, false
	}
	return m.shards[id], true
}

// NumShards returns the shard count.
func (m *Manager) NumShards() int {
	return len(m.shards)
}

// Set routes a write to the owning shard.
func (m *Manager) Set(ctx context.Context, key string, value []byte) error {
	return m.ShardForKey(key, false).Set(ctx, key, value)
}

// Get routes a read to the owning shard.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return m.ShardForKey(key, false).Get(ctx, key)
}

// Delete routes a delete to the owning shard.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	return m.ShardForKey(key, false).Delete(ctx, key)
}

// beginOp registers a cross-shard operation in the process-wide table.
func (m *Manager) beginOp(opType string, coordinator int, shards []int) *CrossShardOp {
	op := &CrossShardOp{
		ID:          uuid.NewString(),
		Type:        opType,
		Coordinator: coordinator,
		Shards:      shards,
		State:       CrossShardPending,
		StartedAt:   time.Now(),
	}
	m.opsMu.Lock()
	m.ops[op.ID] = op
	m.opsMu.Unlock()
	metrics.CrossShardOperations.WithLabelValues(opType, string(CrossShardPending)).Inc()
	return op
}

func (m *Manager) finishOp(op *CrossShardOp, failed bool) {
	state := CrossShardCompleted
	if failed {
		state = CrossShardFailed
	}
	m.opsMu.Lock()
	op.State = state
	m.opsMu.Unlock()
	metrics.CrossShardOperations.WithLabelValues(op.Type, string(state)).Inc()
}

// Operations returns a snapshot of the cross-shard operations table.
func (m *Manager) Operations() []*CrossShardOp {
	m.opsMu.Lock()
	defer m.opsMu.Unlock()
	out := make([]*CrossShardOp, 0, len(m.ops))
	for _, op := range m.ops {
		clone := *op
		out = append(out, &clone)
	}
	return out
}

// RangeQuery scatters to every shard, gathering keys in [startKey, endKey)
// lexicographically. The coordinator shard is the one owning startKey.
func (m *Manager) RangeQuery(ctx context.Context, startKey, endKey string) (map[string][]byte, error) {
	coordinator := m.ShardForKey(startKey, false)
	shardIDs := make([]int, len(m.shards))
	for i := range m.shards {
		shardIDs[i] = i
	}
	op := m.beginOp("range_query", coordinator.ID, shardIDs)

	type shardResult struct {
		values map[string][]byte
		err    error
	}
	results := make(chan shardResult, len(m.shards))

	for _, s := range m.shards {
		go func(s *Shard) {
			values := make(map[string][]byte)
			err := s.Execute(ctx, func() {
				for _, key := range s.Keys() {
					if key < startKey {
						continue
					}
					if endKey != "" && key >= endKey {
						continue
					}
					if v, ok, err := s.getLocal(key); err == nil && ok {
						values[key] = v
					}
				}
			})
			results <- shardResult{values: values, err: err}
		}(s)
	}

	merged := make(map[string][]byte)
	var firstErr error
	for range m.shards {
		res := <-results
		if res.err != nil && firstErr == nil {
			firstErr = res.err
			continue
		}
		for k, v := range res.values {
			merged[k] = v
		}
	}

	m.finishOp(op, firstErr != nil)
	if firstErr != nil {
		return nil, errdefs.Sharding("range query: %v", firstErr)
	}
	return merged, nil
}

// TxnOp is one operation inside a cross-shard transaction.
type TxnOp struct {
	Key    string
	Value  []byte
	Delete bool
}

// Transaction applies ops across their owning shards with unified
// success/failure reporting. Ordering across shards is not guaranteed;
// within one shard ops apply in submission order.
func (m *Manager) Transaction(ctx context.Context, txnOps []TxnOp) error {
	if len(txnOps) == 0 {
		return nil
	}
	byShard := make(map[int][]TxnOp)
	for _, op := range txnOps {
		s := m.ShardForKey(op.Key, false)
		byShard[s.ID] = append(byShard[s.ID], op)
	}

	shardIDs := make([]int, 0, len(byShard))
	for id := range byShard {
		shardIDs = append(shardIDs, id)
	}
	sort.Ints(shardIDs)
	coordinator := shardIDs[0]
	op := m.beginOp("transaction", coordinator, shardIDs)

	var wg sync.WaitGroup
	errCh := make(chan error, len(byShard))
	for id, ops := range byShard {
		wg.Add(1)
		go func(id int, ops []TxnOp) {
			defer wg.Done()
			s := m.shards[id]
			err := s.Execute(ctx, func() {
				for _, txnOp := range ops {
					if txnOp.Delete {
						s.deleteLocal(txnOp.Key)
					} else if err := s.setLocal(txnOp.Key, txnOp.Value); err != nil {
						errCh <- err
						return
					}
				}
			})
			if err != nil {
				errCh <- err
			}
		}(id, ops)
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		m.finishOp(op, true)
		return errdefs.Sharding("transaction: %v", err)
	}
	m.finishOp(op, false)
	return nil
}

// ScatterGather runs fn on every shard's worker and gathers results keyed by
// shard id.
func (m *Manager) ScatterGather(ctx context.Context, fn func(s *Shard) interface{}) (map[int]interface{}, error) {
	shardIDs := make([]int, len(m.shards))
	for i := range m.shards {
		shardIDs[i] = i
	}
	op := m.beginOp("scatter_gather", 0, shardIDs)

	type gathered struct {
		id     int
		result interface{}
		err    error
	}
	results := make(chan gathered, len(m.shards))
	for _, s := range m.shards {
		go func(s *Shard) {
			var out interface{}
			err := s.Execute(ctx, func() {
				out = fn(s)
			})
			results <- gathered{id: s.ID, result: out, err: err}
		}(s)
	}

	merged := make(map[int]interface{}, len(m.shards))
	var firstErr error
	for range m.shards {
		res := <-results
		if res.err != nil && firstErr == nil {
			firstErr = res.err
			continue
		}
		merged[res.id] = res.result
	}

	m.finishOp(op, firstErr != nil)
	if firstErr != nil {
		return nil, errdefs.Sharding("scatter gather: %v", firstErr)
	}
	return merged, nil
}

// PlacementGroups returns the NUMA placement groups.
func (m *Manager) PlacementGroups() map[string]*PlacementGroup {
	return m.groups
}

// Topology returns the detected machine layout.
func (m *Manager) Topology() *Topology {
	return m.topo
}

// Stats gathers per-shard summaries plus totals.
func (m *Manager) Stats() map[string]interface{} {
	shardStats := make([]Stats, len(m.shards))
	var totalKeys int
	var totalMem uint64
	for i, s := range m.shards {
		shardStats[i] = s.Stats()
		totalKeys += shardStats[i].Keys
		totalMem += shardStats[i].MemoryUsage
		metrics.ShardCacheHitRate.WithLabelValues(strconv.Itoa(s.ID)).Set(shardStats[i].CacheHitRate)
	}
	return map[string]interface{}{
		"num_shards":   len(m.shards),
		"total_keys":   totalKeys,
		"total_memory": totalMem,
		"strategy":     m.cfg.PlacementStrategy,
		"shards":       shardStats,
	}
}
