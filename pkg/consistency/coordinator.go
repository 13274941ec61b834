package consistency

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
)

// ReplicaValue is what a replica returns for a read.
type ReplicaValue struct {
	Value     []byte
	Timestamp hlc.Timestamp
	Found     bool
}

// ReplicaClient performs per-replica operations. Implementations wrap the
// cluster transport; tests use in-memory fakes.
type ReplicaClient interface {
	Read(ctx context.Context, nodeID string, key []byte) (*ReplicaValue, error)
	Write(ctx context.Context, nodeID string, key, value []byte, ts hlc.Timestamp) error
	Delete(ctx context.Context, nodeID string, key []byte, ts hlc.Timestamp) error
}

// Config holds consistency coordination settings.
type Config struct {
	Level         Level `yaml:"level"`
	TimeoutMS     int   `yaml:"timeout_ms"`
	RetryCount    int   `yaml:"retry_count"`
	RetryDelayMS  int   `yaml:"retry_delay_ms"`
	ReadRepair    bool  `yaml:"read_repair"`
	HintedHandoff bool  `yaml:"hinted_handoff"`
	PreferLocal   bool  `yaml:"prefer_local"`
}

// DefaultConfig returns the standard consistency settings.
func DefaultConfig() Config {
	return Config{
		Level:         Quorum,
		TimeoutMS:     5000,
		RetryCount:    3,
		RetryDelayMS:  100,
		ReadRepair:    true,
		HintedHandoff: true,
		PreferLocal:   true,
	}
}

// repairTimeout bounds asynchronous read repair.
const repairTimeout = 2 * time.Second

// Response records one replica's answer within a coordinated operation.
type Response struct {
	NodeID    string
	Success   bool
	Value     []byte
	Timestamp hlc.Timestamp
	Err       error
	LatencyMS float64
}

// Result is the outcome of a coordinated read or write.
type Result struct {
	Success         bool
	Value           []byte
	Timestamp       hlc.Timestamp
	Responses       []Response
	Satisfied       int
	Required        int
	RepairPerformed bool
	Level           Level
}

// Stats tracks coordinator counters, guarded by a mutex; the coordinator
// itself is stateless per call.
type Stats struct {
	ReadOperations      uint64
	WriteOperations     uint64
	ConsistencyFailures uint64
	RepairOperations    uint64
	HintOperations      uint64
}

// Coordinator scatters operations across replicas and gathers until the
// level's required response count is met or the timeout expires.
type Coordinator struct {
	cfg    Config
	client ReplicaClient
	clock  *hlc.Clock
	hints  *HintStore
	logger zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewCoordinator creates a coordinator over client, stamping writes with
// clock.
func NewCoordinator(cfg Config, client ReplicaClient, clock *hlc.Clock) *Coordinator {
	def := DefaultConfig()
	if cfg.Level == "" {
		cfg.Level = def.Level
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = def.TimeoutMS
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = def.RetryCount
	}
	if cfg.RetryDelayMS <= 0 {
		cfg.RetryDelayMS = def.RetryDelayMS
	}
	return &Coordinator{
		cfg:    cfg,
		client: client,
		clock:  clock,
		hints:  NewHintStore(0, 0),
		logger: log.WithComponent("consistency"),
	}
}

// Hints exposes the hinted-handoff store.
func (c *Coordinator) Hints() *HintStore {
	return c.hints
}

// Read coordinates a read of key across replicas at level (empty = the
// configured default). The newest value by HLC timestamp wins; stale
// replicas are repaired asynchronously when read repair is enabled and at
// least two replicas answered.
func (c *Coordinator) Read(ctx context.Context, key []byte, replicas []string, level Level) (*Result, error) {
	if level == "" {
		level = c.cfg.Level
	}
	c.mu.Lock()
	c.stats.ReadOperations++
	c.mu.Unlock()
	timer := metrics.NewTimer(metrics.ConsistencyLatency.WithLabelValues("read"))
	defer timer.ObserveDuration()

	required := RequiredResponses(level, len(replicas), nil)
	result := &Result{Required: required, Level: level}

	responses := c.scatter(ctx, replicas, func(ctx context.Context, nodeID string) Response {
		started := time.Now()
		value, err := c.client.Read(ctx, nodeID, key)
		resp := Response{NodeID: nodeID, LatencyMS: float64(time.Since(started).Microseconds()) / 1000}
		if err != nil {
			resp.Err = err
			return resp
		}
		resp.Success = true
		if value != nil && value.Found {
			resp.Value = value.Value
			resp.Timestamp = value.Timestamp
		}
		return resp
	}, required)

	result.Responses = responses
	for _, resp := range responses {
		if resp.Success {
			result.Satisfied++
		}
	}

	if result.Satisfied < required {
		c.recordFailure()
		metrics.ConsistencyReads.WithLabelValues(string(level), "unmet").Inc()
		return result, fmt.Errorf("%w: %d/%d responses for read", errdefs.ErrQuorumUnmet, result.Satisfied, required)
	}

	// Pick the newest value among successful responses.
	var winner *Response
	for i := range responses {
		resp := &responses[i]
		if !resp.Success || resp.Value == nil {
			continue
		}
		if winner == nil || winner.Timestamp.Less(resp.Timestamp) {
			winner = resp
		}
	}
	if winner != nil {
		result.Value = winner.Value
		result.Timestamp = winner.Timestamp
		c.clock.Update(winner.Timestamp)

		if c.cfg.ReadRepair && result.Satisfied >= 2 {
			result.RepairPerformed = c.readRepair(key, *winner, responses)
		}
	}

	result.Success = true
	metrics.ConsistencyReads.WithLabelValues(string(level), "ok").Inc()
	return result, nil
}

// Write coordinates a write of key across replicas at level. When the level
// is satisfied but some replicas failed, hints for the failed peers are
// parked on a random healthy one.
func (c *Coordinator) Write(ctx context.Context, key, value []byte, replicas []string, level Level) (*Result, error) {
	return c.mutate(ctx, key, value, false, replicas, level)
}

// Delete coordinates a delete; it follows the write path with a tombstone.
func (c *Coordinator) Delete(ctx context.Context, key []byte, replicas []string, level Level) (*Result, error) {
	return c.mutate(ctx, key, nil, true, replicas, level)
}

func (c *Coordinator) mutate(ctx context.Context, key, value []byte, isDelete bool, replicas []string, level Level) (*Result, error) {
	if level == "" {
		level = c.cfg.Level
	}
	c.mu.Lock()
	c.stats.WriteOperations++
	c.mu.Unlock()
	timer := metrics.NewTimer(metrics.ConsistencyLatency.WithLabelValues("write"))
	defer timer.ObserveDuration()

	required := RequiredResponses(level, len(replicas), nil)
	ts := c.clock.Now()
	result := &Result{Required: required, Level: level, Timestamp: ts, Value: value}

	responses := c.scatter(ctx, replicas, func(ctx context.Context, nodeID string) Response {
		started := time.Now()
		var err error
		if isDelete {
			err = c.client.Delete(ctx, nodeID, key, ts)
		} else {
			err = c.client.Write(ctx, nodeID, key, value, ts)
		}
		resp := Response{NodeID: nodeID, Timestamp: ts, LatencyMS: float64(time.Since(started).Microseconds()) / 1000}
		if err != nil {
			resp.Err = err
			return resp
		}
		resp.Success = true
		return resp
	}, required)

	result.Responses = responses
	var healthy []string
	var failed []string
	for _, resp := range responses {
		if resp.Success {
			result.Satisfied++
			healthy = append(healthy, resp.NodeID)
		} else {
			failed = append(failed, resp.NodeID)
		}
	}

	// Replicas that never answered before gathering finished are treated as
	// failed for hinting purposes.
	answered := make(map[string]bool, len(responses))
	for _, resp := range responses {
		answered[resp.NodeID] = true
	}
	for _, nodeID := range replicas {
		if !answered[nodeID] {
			failed = append(failed, nodeID)
		}
	}

	if result.Satisfied < required {
		c.recordFailure()
		metrics.ConsistencyWrites.WithLabelValues(string(level), "unmet").Inc()
		return result, fmt.Errorf("%w: %d/%d responses for write", errdefs.ErrQuorumUnmet, result.Satisfied, required)
	}

	result.Success = true
	metrics.ConsistencyWrites.WithLabelValues(string(level), "ok").Inc()

	// Hinted writes never count toward the level: the level was satisfied by
	// live replicas above, hints only catch up the stragglers.
	if c.cfg.HintedHandoff && len(failed) > 0 && len(healthy) > 0 {
		target := healthy[rand.Intn(len(healthy))]
		for _, failedNode := range failed {
			c.hints.Store(failedNode, target, key, value, ts, isDelete)
		}
		c.mu.Lock()
		c.stats.HintOperations += uint64(len(failed))
		c.mu.Unlock()
	}

	return result, nil
}

// scatter dispatches fn to every replica in parallel and gathers until
// `required` successes, all responses, or the configured timeout. Pending
// RPCs are abandoned on timeout; their side effects are not rolled back.
func (c *Coordinator) scatter(ctx context.Context, replicas []string, fn func(context.Context, string) Response, required int) []Response {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	respCh := make(chan Response, len(replicas))
	for _, nodeID := range replicas {
		go func(nodeID string) {
			respCh <- fn(ctx, nodeID)
		}(nodeID)
	}

	var responses []Response
	successes := 0
	for range replicas {
		select {
		case resp := <-respCh:
			responses = append(responses, resp)
			if resp.Success {
				successes++
				if successes >= required {
					return responses
				}
			}
		case <-ctx.Done():
			return responses
		}
	}
	return responses
}

// readRepair overwrites stale replicas with the winning value, bounded by
// the repair timeout. The repair writes run in a background goroutine, off
// the caller's critical path: failures only mean a replica stays stale until
// the next repair. Returns whether any stale replica was found.
func (c *Coordinator) readRepair(key []byte, winner Response, responses []Response) bool {
	var stale []string
	for _, resp := range responses {
		if resp.Success && resp.NodeID != winner.NodeID && resp.Timestamp.Less(winner.Timestamp) {
			stale = append(stale, resp.NodeID)
		}
	}
	if len(stale) == 0 {
		return false
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), repairTimeout)
		defer cancel()

		var wg sync.WaitGroup
		for _, nodeID := range stale {
			wg.Add(1)
			go func(nodeID string) {
				defer wg.Done()
				if err := c.client.Write(ctx, nodeID, key, winner.Value, winner.Timestamp); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Debug().Err(err).Str("replica", nodeID).Msg("read repair write failed")
				}
			}(nodeID)
		}
		wg.Wait()

		c.mu.Lock()
		c.stats.RepairOperations++
		c.mu.Unlock()
		metrics.ReadRepairs.Inc()
	}()
	return true
}

// ReplayHints re-sends hinted writes to a recovered node.
func (c *Coordinator) ReplayHints(ctx context.Context, recoveredNode string) int {
	return c.hints.Replay(ctx, recoveredNode, c.client)
}

// Stats returns a snapshot of coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) recordFailure() {
	c.mu.Lock()
	c.stats.ConsistencyFailures++
	c.mu.Unlock()
}
