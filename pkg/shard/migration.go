package shard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/log"
)

// KeyRange is a lexicographic [Start, End) slice of a shard's keys. An empty
// End means unbounded.
type KeyRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r KeyRange) contains(key string) bool {
	if key < r.Start {
		return false
	}
	return r.End == "" || key < r.End
}

// MigrationPlan describes moving part of a shard's keyspace elsewhere.
type MigrationPlan struct {
	ID            string     `json:"id"`
	ShardID       int        `json:"shard_id"`
	SourceNode    string     `json:"source_node"`
	TargetNode    string     `json:"target_node"`
	KeyRanges     []KeyRange `json:"key_ranges"`
	EstimatedSize uint64     `json:"estimated_size"`
	Priority      int        `json:"priority"`
	MaxDowntime   time.Duration
}

// MigrationSink receives streamed keys on the target side. The cluster layer
// implements it over the node transport; tests use another local shard.
type MigrationSink interface {
	Receive(ctx context.Context, key string, value []byte) error
}

// Migrator executes migration plans: drain, stream, cut over. The source
// stays authoritative until cutover succeeds; exceeding the downtime budget
// aborts the cutover and the source keeps serving.
type Migrator struct {
	manager *Manager
	logger  zerolog.Logger
}

// NewMigrator creates a migrator over manager.
func NewMigrator(manager *Manager) *Migrator {
	return &Migrator{
		manager: manager,
		logger:  log.WithComponent("migration"),
	}
}

// Plan builds a migration plan for a shard's key ranges, estimating size
// from current shard contents.
func (m *Migrator) Plan(shardID int, sourceNode, targetNode string, ranges []KeyRange, maxDowntime time.Duration) (*MigrationPlan, error) {
	s, ok := m.manager.Shard(shardID)
	if !ok {
		return nil, errdefs.Sharding("unknown shard %d", shardID)
	}

	var estimated uint64
	s.mu.RLock()
	for key, e := range s.data {
		for _, r := range ranges {
			if r.contains(key) {
				estimated += e.size
				break
			}
		}
	}
	s.mu.RUnlock()

	return &MigrationPlan{
		ID:            uuid.NewString(),
		ShardID:       shardID,
		SourceNode:    sourceNode,
		TargetNode:    targetNode,
		KeyRanges:     ranges,
		EstimatedSize: estimated,
		MaxDowntime:   maxDowntime,
	}, nil
}

// Execute runs the plan: the shard drains into a streaming phase while still
// serving reads, then cuts over inside the downtime budget. On success the
// moved keys are removed from the source.
func (m *Migrator) Execute(ctx context.Context, plan *MigrationPlan, sink MigrationSink) error {
	s, ok := m.manager.Shard(plan.ShardID)
	if !ok {
		return errdefs.Sharding("unknown shard %d", plan.ShardID)
	}

	s.setState(StateDraining)
	m.logger.Info().Str("plan_id", plan.ID).Int("shard_id", plan.ShardID).Msg("migration draining")

	// Stream phase: copy matching keys to the sink while the source keeps
	// serving.
	s.setState(StateMigrating)
	var moved []string
	for _, key := range s.Keys() {
		inRange := false
		for _, r := range plan.KeyRanges {
			if r.contains(key) {
				inRange = true
				break
			}
		}
		if !inRange {
			continue
		}

		value, found, err := s.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		if err := sink.Receive(ctx, key, value); err != nil {
			s.setState(StateActive)
			return errdefs.Sharding("migration stream failed: %v", err)
		}
		moved = append(moved, key)
	}

	// Cutover phase: bounded by the downtime budget. Exceeding it aborts and
	// the source stays authoritative.
	cutoverCtx := ctx
	if plan.MaxDowntime > 0 {
		var cancel context.CancelFunc
		cutoverCtx, cancel = context.WithTimeout(ctx, plan.MaxDowntime)
		defer cancel()
	}

	for _, key := range moved {
		if cutoverCtx.Err() != nil {
			s.setState(StateActive)
			m.logger.Warn().Str("plan_id", plan.ID).Msg("cutover exceeded downtime budget, source stays authoritative")
			return errdefs.ErrTimeout
		}
		if _, err := s.Delete(cutoverCtx, key); err != nil {
			s.setState(StateActive)
			return errdefs.Sharding("cutover delete failed: %v", err)
		}
	}

	s.setState(StateActive)
	m.logger.Info().
		Str("plan_id", plan.ID).
		Int("keys_moved", len(moved)).
		Msg("migration completed")
	return nil
}
