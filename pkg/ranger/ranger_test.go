package ranger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/raft"
)

// newTestRouter builds a router whose ranges run single-node consensus
// groups over an in-memory transport.
func newTestRouter(t *testing.T) *Router {
	t.Helper()

	transport := raft.NewInmemTransport()
	clock := hlc.NewClock("node-1")

	factory := func(groupID string, sm raft.StateMachine) (*raft.Node, error) {
		cfg := raft.DefaultConfig()
		cfg.GroupID = groupID
		cfg.NodeID = "node-1"
		cfg.ElectionTimeoutMin = 20 * time.Millisecond
		cfg.ElectionTimeoutMax = 40 * time.Millisecond
		cfg.HeartbeatInterval = 10 * time.Millisecond

		node, err := raft.NewNode(cfg, transport, sm)
		if err != nil {
			return nil, err
		}
		node.Start()
		return node, nil
	}

	router, err := NewRouter("node-1", clock, factory)
	require.NoError(t, err)
	t.Cleanup(router.Stop)
	return router
}

func bootstrap(t *testing.T, router *Router) *Group {
	t.Helper()
	group, err := router.Bootstrap([]string{"node-1"})
	require.NoError(t, err)
	require.Eventually(t, group.IsLeader, 2*time.Second, 5*time.Millisecond)
	return group
}

func waitForKey(t *testing.T, router *Router, key []byte) []byte {
	t.Helper()
	var value []byte
	require.Eventually(t, func() bool {
		v, ok, err := router.Get(key)
		if err != nil || !ok {
			return false
		}
		value = v
		return true
	}, 2*time.Second, 5*time.Millisecond, "key %q committed", key)
	return value
}

func TestPutGetDeleteThroughConsensus(t *testing.T) {
	router := newTestRouter(t)
	bootstrap(t, router)

	require.NoError(t, router.Put([]byte("alpha"), []byte("1")))
	assert.Equal(t, []byte("1"), waitForKey(t, router, []byte("alpha")))

	require.NoError(t, router.Delete([]byte("alpha")))
	require.Eventually(t, func() bool {
		_, ok, err := router.Get([]byte("alpha"))
		return err == nil && !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLookupCoversKeyspace(t *testing.T) {
	router := newTestRouter(t)
	bootstrap(t, router)

	for _, key := range [][]byte{{}, {0x00}, []byte("middle"), bytes.Repeat([]byte{0xff}, 32)} {
		group, err := router.Lookup(key)
		require.NoError(t, err)
		assert.True(t, group.Descriptor().Contains(key))
	}
}

func TestSplitRoutesKeysBothSides(t *testing.T) {
	router := newTestRouter(t)
	group := bootstrap(t, router)

	require.NoError(t, router.Put([]byte{0x70}, []byte("left-val")))
	require.NoError(t, router.Put([]byte{0x90}, []byte("right-val")))
	waitForKey(t, router, []byte{0x90})

	originalGen := group.Descriptor().Generation
	require.NoError(t, router.Split(group.Descriptor().RangeID, []byte{0x80}))

	require.Eventually(t, func() bool {
		return router.RangeCount() == 2
	}, 2*time.Second, 5*time.Millisecond, "split materializes a second range")

	left, err := router.Lookup([]byte{0x70})
	require.NoError(t, err)
	right, err := router.Lookup([]byte{0x90})
	require.NoError(t, err)

	assert.NotEqual(t, left.Descriptor().RangeID, right.Descriptor().RangeID)
	assert.Equal(t, []byte{0x80}, left.Descriptor().EndKey)
	assert.Equal(t, []byte{0x80}, right.Descriptor().StartKey)
	assert.Greater(t, left.Descriptor().Generation, originalGen)

	// Data moved with the split.
	assert.Equal(t, []byte("left-val"), waitForKey(t, router, []byte{0x70}))
	assert.Equal(t, []byte("right-val"), waitForKey(t, router, []byte{0x90}))
}

func TestRangeCoverageAfterRepeatedSplits(t *testing.T) {
	router := newTestRouter(t)
	group := bootstrap(t, router)

	require.NoError(t, router.Split(group.Descriptor().RangeID, []byte{0x80}))
	require.Eventually(t, func() bool { return router.RangeCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	left, err := router.Lookup([]byte{0x40})
	require.NoError(t, err)
	require.Eventually(t, left.IsLeader, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, router.Split(left.Descriptor().RangeID, []byte{0x40}))
	require.Eventually(t, func() bool { return router.RangeCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	// Every key maps to exactly one range.
	descs := router.Ranges()
	for probe := 0; probe < 256; probe++ {
		key := []byte{byte(probe)}
		owners := 0
		for _, desc := range descs {
			if desc.Contains(key) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "key %x", key)
	}

	// Ranges tile the keyspace without gaps.
	for i := 1; i < len(descs); i++ {
		assert.Equal(t, descs[i-1].EndKey, descs[i].StartKey)
	}
}

func TestProposeOnUnknownRange(t *testing.T) {
	router := newTestRouter(t)

	err := router.Put([]byte("no-ranges-yet"), []byte("v"))
	assert.ErrorIs(t, err, errdefs.ErrSharding)
}

func TestSplitUnknownRange(t *testing.T) {
	router := newTestRouter(t)
	bootstrap(t, router)

	err := router.Split("range-missing", []byte{0x10})
	assert.ErrorIs(t, err, errdefs.ErrSharding)
}

func TestDescriptorJSONRoundTrip(t *testing.T) {
	desc := &Descriptor{
		RangeID:      "range-ab12",
		StartKey:     []byte{0x00, 0x01},
		EndKey:       []byte{0xff},
		Replicas:     []string{"node-1", "node-2"},
		LeaderNode:   "node-1",
		State:        RangeActive,
		Generation:   3,
		LastModified: time.UnixMicro(1710000000000000),
	}

	data, err := json.Marshal(desc)
	require.NoError(t, err)

	// Keys are hex on the wire.
	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "0001", wire["start_key"])
	assert.Equal(t, "ff", wire["end_key"])

	var restored Descriptor
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, desc.RangeID, restored.RangeID)
	assert.Equal(t, desc.StartKey, restored.StartKey)
	assert.Equal(t, desc.EndKey, restored.EndKey)
	assert.Equal(t, desc.State, restored.State)
	assert.Equal(t, desc.Generation, restored.Generation)
	assert.True(t, desc.LastModified.Equal(restored.LastModified))
}

func TestApplyIsIdempotent(t *testing.T) {
	router := newTestRouter(t)
	group := bootstrap(t, router)

	cmd := Command{
		Op:        OpPut,
		Key:       "6b31", // "k1"
		Value:     []byte("v1"),
		Timestamp: hlc.Timestamp{Physical: 100, Logical: 1},
	}
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	entry := raft.LogEntry{Term: 1, Index: 1, Command: payload}

	group.Apply(entry)
	group.Apply(entry)

	value, ts, ok := group.Get([]byte("k1"))
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)
	assert.Equal(t, hlc.Timestamp{Physical: 100, Logical: 1}, ts)

	// An older replayed write does not clobber a newer one.
	older := cmd
	older.Value = []byte("stale")
	older.Timestamp = hlc.Timestamp{Physical: 50}
	payload, err = json.Marshal(older)
	require.NoError(t, err)
	group.Apply(raft.LogEntry{Term: 1, Index: 2, Command: payload})

	value, _, _ = group.Get([]byte("k1"))
	assert.Equal(t, []byte("v1"), value)
}

func TestRoutingCacheInvalidatedOnSplit(t *testing.T) {
	router := newTestRouter(t)
	group := bootstrap(t, router)

	// Warm the cache for a key that will move to the right-hand range.
	_, err := router.Lookup([]byte{0x90})
	require.NoError(t, err)

	require.NoError(t, router.Split(group.Descriptor().RangeID, []byte{0x80}))
	require.Eventually(t, func() bool { return router.RangeCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	owner, err := router.Lookup([]byte{0x90})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80}, owner.Descriptor().StartKey)
}

func TestProposeRejectedBeforeLeadership(t *testing.T) {
	router := newTestRouter(t)
	group, err := router.Bootstrap([]string{"node-1"})
	require.NoError(t, err)

	if !group.IsLeader() {
		err := router.Put([]byte("k"), []byte("v"))
		assert.ErrorIs(t, err, errdefs.ErrNotLeader)
	}

	require.Eventually(t, group.IsLeader, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, router.Put([]byte("k"), []byte("v")))
}
