package ranger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
	"github.com/meridiandb/meridian/pkg/raft"
)

// Op is a replicated range operation.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpSplit  Op = "split_range"
	OpMerge  Op = "merge_range" // reserved
)

// Command is the JSON command replicated through a range's consensus group.
type Command struct {
	Op        Op            `json:"op"`
	Key       string        `json:"key,omitempty"` // hex
	Value     []byte        `json:"value,omitempty"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	SplitKey  string        `json:"split_key,omitempty"` // hex
	NewRange  string        `json:"new_range_id,omitempty"`
}

// versioned is a stored value plus its write timestamp.
type versioned struct {
	value []byte
	ts    hlc.Timestamp
}

// Group is one range's consensus group plus its slice of the key-value
// store. The group's raft node owns all mutations; reads take a shared lock.
type Group struct {
	router *Router
	node   *raft.Node
	clock  *hlc.Clock
	logger zerolog.Logger

	mu   sync.RWMutex
	desc *Descriptor
	data map[string]versioned
}

func newGroup(router *Router, desc *Descriptor, node *raft.Node, clock *hlc.Clock) *Group {
	return &Group{
		router: router,
		node:   node,
		clock:  clock,
		logger: log.WithRangeID(desc.RangeID),
		desc:   desc,
		data:   make(map[string]versioned),
	}
}

// Descriptor returns a copy of the current descriptor.
func (g *Group) Descriptor() *Descriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.desc.Clone()
}

// IsLeader reports whether the local replica leads this range.
func (g *Group) IsLeader() bool {
	return g.node.IsLeader()
}

// Get reads a key from the range-local store.
func (g *Group) Get(key []byte) ([]byte, hlc.Timestamp, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.data[string(key)]
	if !ok {
		return nil, hlc.Timestamp{}, false
	}
	return v.value, v.ts, true
}

// Propose submits cmd through the range's consensus group. Only the leader
// accepts proposals.
func (g *Group) Propose(cmd Command) error {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = g.clock.Now()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = g.node.Propose(payload)
	return err
}

// Apply is the raft state-machine callback. It is idempotent: replaying a
// command with a timestamp not newer than the stored one is a no-op.
func (g *Group) Apply(entry raft.LogEntry) {
	var cmd Command
	if err := json.Unmarshal(entry.Command, &cmd); err != nil {
		g.logger.Error().Err(err).Uint64("index", entry.Index).Msg("ill-formed range command")
		return
	}
	g.clock.Update(cmd.Timestamp)

	switch cmd.Op {
	case OpPut:
		g.applyPut(cmd)
	case OpDelete:
		g.applyDelete(cmd)
	case OpSplit:
		g.applySplit(cmd)
	default:
		g.logger.Warn().Str("op", string(cmd.Op)).Msg("unknown range operation")
	}
}

func (g *Group) applyPut(cmd Command) {
	key, err := hex.DecodeString(cmd.Key)
	if err != nil {
		g.logger.Error().Err(err).Msg("bad key in put command")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.data[string(key)]; ok && !cur.ts.Less(cmd.Timestamp) {
		return
	}
	g.data[string(key)] = versioned{value: cmd.Value, ts: cmd.Timestamp}
}

func (g *Group) applyDelete(cmd Command) {
	key, err := hex.DecodeString(cmd.Key)
	if err != nil {
		g.logger.Error().Err(err).Msg("bad key in delete command")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.data[string(key)]; ok && !cur.ts.Less(cmd.Timestamp) {
		return
	}
	delete(g.data, string(key))
}

// applySplit materializes the split key: this range keeps [start, split) and
// a new group takes [split, end). Every replica applies the same transition.
func (g *Group) applySplit(cmd Command) {
	splitKey, err := hex.DecodeString(cmd.SplitKey)
	if err != nil {
		g.logger.Error().Err(err).Msg("bad split key")
		return
	}

	g.mu.Lock()
	if !g.desc.Contains(splitKey) || bytes.Equal(splitKey, g.desc.StartKey) {
		g.mu.Unlock()
		g.logger.Warn().Str("split_key", cmd.SplitKey).Msg("split key outside range, ignoring")
		return
	}

	right := &Descriptor{
		RangeID:      cmd.NewRange,
		StartKey:     append([]byte(nil), splitKey...),
		EndKey:       append([]byte(nil), g.desc.EndKey...),
		Replicas:     append([]string(nil), g.desc.Replicas...),
		State:        RangeActive,
		Generation:   g.desc.Generation + 1,
		LastModified: time.Now(),
	}

	g.desc = g.desc.Clone()
	g.desc.EndKey = append([]byte(nil), splitKey...)
	g.desc.Generation++
	g.desc.State = RangeActive
	g.desc.LastModified = right.LastModified

	// Move keys at or past the split into the right-hand range.
	moved := make(map[string]versioned)
	for key, v := range g.data {
		if bytes.Compare([]byte(key), splitKey) >= 0 {
			moved[key] = v
			delete(g.data, key)
		}
	}
	g.mu.Unlock()

	g.logger.Info().
		Str("new_range_id", right.RangeID).
		Uint64("generation", right.Generation).
		Msg("range split committed")
	metrics.RangeSplits.Inc()

	g.router.materializeSplit(g, right, moved)
}

// RaftNode exposes the group's consensus node for RPC routing.
func (g *Group) RaftNode() *raft.Node {
	return g.node
}

// Status reports the underlying consensus state.
func (g *Group) Status() raft.Status {
	return g.node.Status()
}

// stop halts the group's consensus node.
func (g *Group) stop() {
	g.node.Stop()
}
