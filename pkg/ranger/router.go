package ranger

import (
	"bytes"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
	"github.com/meridiandb/meridian/pkg/raft"
)

const routingCacheSize = 4096

// GroupFactory creates and starts the consensus node for a range. The caller
// wires the transport and peer set; the router supplies the state machine.
type GroupFactory func(groupID string, sm raft.StateMachine) (*raft.Node, error)

// Router maps keys to the per-range consensus group owning them. Ranges are
// non-overlapping and ordered; lookups binary-search the ordered set with an
// LRU cache in front, invalidated whenever a descriptor changes.
type Router struct {
	nodeID  string
	clock   *hlc.Clock
	factory GroupFactory
	logger  zerolog.Logger

	mu     sync.RWMutex
	groups []*Group // ordered by descriptor start key
	byID   map[string]*Group
	cache  *lru.Cache[string, *Group]
}

// NewRouter creates an empty router. Call Bootstrap or AddRange before
// routing.
func NewRouter(nodeID string, clock *hlc.Clock, factory GroupFactory) (*Router, error) {
	cache, err := lru.New[string, *Group](routingCacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		nodeID:  nodeID,
		clock:   clock,
		factory: factory,
		logger:  log.WithComponent("ranger").With().Str("node_id", nodeID).Logger(),
		byID:    make(map[string]*Group),
		cache:   cache,
	}, nil
}

// Bootstrap installs a single range covering the whole keyspace.
func (r *Router) Bootstrap(replicas []string) (*Group, error) {
	desc := &Descriptor{
		RangeID:    "range-" + uuid.NewString()[:8],
		StartKey:   []byte{},
		EndKey:     nil,
		Replicas:   replicas,
		State:      RangeActive,
		Generation: 1,
	}
	return r.AddRange(desc)
}

// AddRange creates the consensus group for desc and registers it.
func (r *Router) AddRange(desc *Descriptor) (*Group, error) {
	group := newGroup(r, desc, nil, r.clock)
	node, err := r.factory(desc.RangeID, group)
	if err != nil {
		return nil, err
	}
	group.node = node

	r.mu.Lock()
	r.insertLocked(group)
	r.cache.Purge()
	r.mu.Unlock()

	metrics.RangesTotal.Set(float64(r.RangeCount()))
	r.logger.Info().Str("range_id", desc.RangeID).Msg("range registered")
	return group, nil
}

func (r *Router) insertLocked(group *Group) {
	start := group.desc.StartKey
	pos := sort.Search(len(r.groups), func(i int) bool {
		return bytes.Compare(r.groups[i].desc.StartKey, start) >= 0
	})
	r.groups = append(r.groups, nil)
	copy(r.groups[pos+1:], r.groups[pos:])
	r.groups[pos] = group
	r.byID[group.desc.RangeID] = group
}

// Lookup returns the group whose range contains key.
func (r *Router) Lookup(key []byte) (*Group, error) {
	cacheKey := string(key)
	if group, ok := r.cache.Get(cacheKey); ok {
		// Descriptors change on splits; verify before trusting the cache.
		if group.Descriptor().Contains(key) {
			return group, nil
		}
		r.cache.Remove(cacheKey)
	}

	r.mu.RLock()
	group := r.lookupLocked(key)
	r.mu.RUnlock()

	if group == nil {
		return nil, errdefs.Sharding("no range owns key %x", key)
	}
	r.cache.Add(cacheKey, group)
	return group, nil
}

func (r *Router) lookupLocked(key []byte) *Group {
	// Last range whose start key is <= key.
	pos := sort.Search(len(r.groups), func(i int) bool {
		return bytes.Compare(r.groups[i].desc.StartKey, key) > 0
	})
	if pos == 0 {
		return nil
	}
	group := r.groups[pos-1]
	if !group.desc.Contains(key) {
		return nil
	}
	return group
}

// Group returns a range by id.
func (r *Router) Group(rangeID string) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group, ok := r.byID[rangeID]
	return group, ok
}

// Propose routes op to the range owning key. Succeeds only when the local
// replica leads that range.
func (r *Router) Propose(key []byte, cmd Command) error {
	group, err := r.Lookup(key)
	if err != nil {
		return err
	}
	if !group.IsLeader() {
		return errdefs.ErrNotLeader
	}
	cmd.Key = hex.EncodeToString(key)
	return group.Propose(cmd)
}

// Put replicates a write of key through its owning range.
func (r *Router) Put(key, value []byte) error {
	return r.Propose(key, Command{Op: OpPut, Value: value, Timestamp: r.clock.Now()})
}

// Delete replicates a delete of key through its owning range.
func (r *Router) Delete(key []byte) error {
	return r.Propose(key, Command{Op: OpDelete, Timestamp: r.clock.Now()})
}

// Get reads key from the owning range's local store.
func (r *Router) Get(key []byte) ([]byte, bool, error) {
	group, err := r.Lookup(key)
	if err != nil {
		return nil, false, err
	}
	value, _, ok := group.Get(key)
	return value, ok, nil
}

// Split proposes a SPLIT_RANGE at splitKey through the range's consensus
// group. The split materializes when the command commits on each replica.
func (r *Router) Split(rangeID string, splitKey []byte) error {
	group, ok := r.Group(rangeID)
	if !ok {
		return errdefs.Sharding("unknown range %s", rangeID)
	}
	if !group.IsLeader() {
		return errdefs.ErrNotLeader
	}
	return group.Propose(Command{
		Op:        OpSplit,
		SplitKey:  hex.EncodeToString(splitKey),
		NewRange:  "range-" + uuid.NewString()[:8],
		Timestamp: r.clock.Now(),
	})
}

// materializeSplit registers the right-hand range produced by a committed
// split and seeds it with the keys that moved.
func (r *Router) materializeSplit(left *Group, rightDesc *Descriptor, moved map[string]versioned) {
	group := newGroup(r, rightDesc, nil, r.clock)
	group.data = moved

	node, err := r.factory(rightDesc.RangeID, group)
	if err != nil {
		r.logger.Error().Err(err).Str("range_id", rightDesc.RangeID).Msg("failed to create split range group")
		return
	}
	group.node = node

	r.mu.Lock()
	r.insertLocked(group)
	r.cache.Purge()
	r.mu.Unlock()

	metrics.RangesTotal.Set(float64(r.RangeCount()))
	r.logger.Info().
		Str("left", left.Descriptor().RangeID).
		Str("right", rightDesc.RangeID).
		Msg("split materialized")
}

// Ranges returns descriptors for all local ranges, ordered by start key.
func (r *Router) Ranges() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.groups))
	for i, group := range r.groups {
		out[i] = group.Descriptor()
	}
	return out
}

// RangeCount returns the number of local ranges.
func (r *Router) RangeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Stop halts every range's consensus group.
func (r *Router) Stop() {
	r.mu.RLock()
	groups := append([]*Group(nil), r.groups...)
	r.mu.RUnlock()
	for _, group := range groups {
		group.stop()
	}
}
