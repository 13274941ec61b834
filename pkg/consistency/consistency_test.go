package consistency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/hlc"
)

// fakeReplicas is an in-memory ReplicaClient with per-node stores and
// injectable failures.
type fakeReplicas struct {
	mu     sync.Mutex
	stores map[string]map[string]ReplicaValue
	down   map[string]bool
	lag    map[string]time.Duration
}

func newFakeReplicas(nodes ...string) *fakeReplicas {
	f := &fakeReplicas{
		stores: make(map[string]map[string]ReplicaValue),
		down:   make(map[string]bool),
		lag:    make(map[string]time.Duration),
	}
	for _, node := range nodes {
		f.stores[node] = make(map[string]ReplicaValue)
	}
	return f
}

func (f *fakeReplicas) setDown(node string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[node] = down
}

func (f *fakeReplicas) get(node, key string) (ReplicaValue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.stores[node][key]
	return v, ok
}

func (f *fakeReplicas) put(node, key string, value []byte, ts hlc.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores[node][key] = ReplicaValue{Value: value, Timestamp: ts, Found: true}
}

func (f *fakeReplicas) Read(ctx context.Context, nodeID string, key []byte) (*ReplicaValue, error) {
	f.mu.Lock()
	if f.down[nodeID] {
		f.mu.Unlock()
		return nil, fmt.Errorf("node %s unavailable", nodeID)
	}
	lag := f.lag[nodeID]
	v, ok := f.stores[nodeID][string(key)]
	f.mu.Unlock()

	if lag > 0 {
		select {
		case <-time.After(lag):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return &ReplicaValue{}, nil
	}
	out := v
	return &out, nil
}

func (f *fakeReplicas) Write(ctx context.Context, nodeID string, key, value []byte, ts hlc.Timestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[nodeID] {
		return fmt.Errorf("node %s unavailable", nodeID)
	}
	cur, ok := f.stores[nodeID][string(key)]
	if ok && !cur.Timestamp.Less(ts) {
		return nil
	}
	f.stores[nodeID][string(key)] = ReplicaValue{Value: value, Timestamp: ts, Found: true}
	return nil
}

func (f *fakeReplicas) Delete(ctx context.Context, nodeID string, key []byte, ts hlc.Timestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[nodeID] {
		return fmt.Errorf("node %s unavailable", nodeID)
	}
	delete(f.stores[nodeID], string(key))
	return nil
}

func TestRequiredResponsesTable(t *testing.T) {
	perDC := map[string]int{"local": 3, "remote": 2}

	tests := []struct {
		level    Level
		n        int
		perDC    map[string]int
		expected int
	}{
		{One, 3, nil, 1},
		{Any, 3, nil, 1},
		{LocalOne, 3, nil, 1},
		{Two, 3, nil, 2},
		{Two, 1, nil, 1},
		{Three, 5, nil, 3},
		{Three, 2, nil, 2},
		{Quorum, 3, nil, 2},
		{Quorum, 5, nil, 3},
		{Quorum, 4, nil, 3},
		{All, 3, nil, 3},
		{LocalQuorum, 5, perDC, 2},
		{LocalQuorum, 5, nil, 3},
		{EachQuorum, 5, perDC, 4},
		{EachQuorum, 5, nil, 3},
		{Serial, 3, nil, 2},
		{LocalSerial, 3, nil, 2},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_n%d", tt.level, tt.n), func(t *testing.T) {
			assert.Equal(t, tt.expected, RequiredResponses(tt.level, tt.n, tt.perDC))
		})
	}
}

func newTestCoordinator(replicas *fakeReplicas) *Coordinator {
	cfg := DefaultConfig()
	cfg.TimeoutMS = 500
	return NewCoordinator(cfg, replicas, hlc.NewClock("coordinator"))
}

func TestQuorumWriteThenRead(t *testing.T) {
	replicas := newFakeReplicas("n1", "n2", "n3")
	c := newTestCoordinator(replicas)
	nodes := []string{"n1", "n2", "n3"}

	wres, err := c.Write(context.Background(), []byte("k"), []byte("v"), nodes, Quorum)
	require.NoError(t, err)
	assert.True(t, wres.Success)
	assert.Equal(t, 2, wres.Required)
	assert.GreaterOrEqual(t, wres.Satisfied, 2)

	rres, err := c.Read(context.Background(), []byte("k"), nodes, Quorum)
	require.NoError(t, err)
	assert.True(t, rres.Success)
	assert.Equal(t, []byte("v"), rres.Value)
}

func TestQuorumReadRepairsLaggingReplica(t *testing.T) {
	replicas := newFakeReplicas("n1", "n2", "n3")
	c := newTestCoordinator(replicas)

	// Two replicas hold the new value at t1; the third lags with an older
	// write.
	t0 := hlc.Timestamp{Physical: 100}
	t1 := hlc.Timestamp{Physical: 200}
	replicas.put("n1", "k", []byte("new"), t1)
	replicas.put("n2", "k", []byte("new"), t1)
	replicas.put("n3", "k", []byte("old"), t0)

	res, err := c.Read(context.Background(), []byte("k"), []string{"n1", "n2", "n3"}, Quorum)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), res.Value)
	assert.Equal(t, t1, res.Timestamp)

	if res.RepairPerformed {
		require.Eventually(t, func() bool {
			v, ok := replicas.get("n3", "k")
			return ok && string(v.Value) == "new" && v.Timestamp == t1
		}, repairTimeout+time.Second, 10*time.Millisecond, "lagging replica repaired to t1")
	}
}

func TestQuorumUnmetReturnsPartialResponses(t *testing.T) {
	replicas := newFakeReplicas("n1", "n2", "n3")
	replicas.setDown("n2", true)
	replicas.setDown("n3", true)
	c := newTestCoordinator(replicas)

	res, err := c.Write(context.Background(), []byte("k"), []byte("v"), []string{"n1", "n2", "n3"}, Quorum)
	assert.ErrorIs(t, err, errdefs.ErrQuorumUnmet)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Satisfied)
	assert.Equal(t, 2, res.Required)
	assert.NotEmpty(t, res.Responses)
}

func TestHintedHandoffStoresAndReplays(t *testing.T) {
	replicas := newFakeReplicas("n1", "n2", "n3")
	replicas.setDown("n3", true)
	c := newTestCoordinator(replicas)
	nodes := []string{"n1", "n2", "n3"}

	res, err := c.Write(context.Background(), []byte("k"), []byte("v"), nodes, Quorum)
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Eventually(t, func() bool {
		return len(c.Hints().PendingFor("n3")) == 1
	}, time.Second, 10*time.Millisecond, "one hint parked for the failed peer")

	// The peer recovers and hints replay into its store.
	replicas.setDown("n3", false)
	replayed := c.ReplayHints(context.Background(), "n3")
	assert.Equal(t, 1, replayed)

	v, ok := replicas.get("n3", "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v.Value)
	assert.Empty(t, c.Hints().PendingFor("n3"))
}

func TestWriteAtOneSucceedsWithSingleReplica(t *testing.T) {
	replicas := newFakeReplicas("n1", "n2", "n3")
	replicas.setDown("n2", true)
	replicas.setDown("n3", true)
	c := newTestCoordinator(replicas)

	res, err := c.Write(context.Background(), []byte("k"), []byte("v"), []string{"n1", "n2", "n3"}, One)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestAnyRequiresOneLiveReplica(t *testing.T) {
	replicas := newFakeReplicas("n1", "n2", "n3")
	replicas.setDown("n1", true)
	replicas.setDown("n2", true)
	replicas.setDown("n3", true)
	c := newTestCoordinator(replicas)

	// With zero live replicas even ANY fails: hinted writes do not count
	// toward the level.
	_, err := c.Write(context.Background(), []byte("k"), []byte("v"), []string{"n1", "n2", "n3"}, Any)
	assert.ErrorIs(t, err, errdefs.ErrQuorumUnmet)
	assert.Equal(t, 0, c.Hints().Count())
}

func TestReadTimeout(t *testing.T) {
	replicas := newFakeReplicas("n1", "n2", "n3")
	replicas.mu.Lock()
	replicas.lag["n1"] = time.Second
	replicas.lag["n2"] = time.Second
	replicas.lag["n3"] = time.Second
	replicas.mu.Unlock()

	cfg := DefaultConfig()
	cfg.TimeoutMS = 50
	c := NewCoordinator(cfg, replicas, hlc.NewClock("coordinator"))

	started := time.Now()
	_, err := c.Read(context.Background(), []byte("k"), []string{"n1", "n2", "n3"}, Quorum)
	assert.ErrorIs(t, err, errdefs.ErrQuorumUnmet)
	assert.Less(t, time.Since(started), 500*time.Millisecond, "gathering abandons pending RPCs on timeout")
}

func TestDeleteCoordinated(t *testing.T) {
	replicas := newFakeReplicas("n1", "n2", "n3")
	c := newTestCoordinator(replicas)
	nodes := []string{"n1", "n2", "n3"}

	_, err := c.Write(context.Background(), []byte("k"), []byte("v"), nodes, All)
	require.NoError(t, err)

	res, err := c.Delete(context.Background(), []byte("k"), nodes, All)
	require.NoError(t, err)
	assert.True(t, res.Success)

	for _, node := range nodes {
		_, ok := replicas.get(node, "k")
		assert.False(t, ok, "delete landed on %s", node)
	}
}

func TestHintStoreTTLAndCapacity(t *testing.T) {
	store := NewHintStore(2, 50*time.Millisecond)
	ts := hlc.Timestamp{Physical: 1}

	store.Store("failed", "target", []byte("k1"), []byte("v1"), ts, false)
	store.Store("failed", "target", []byte("k2"), []byte("v2"), ts, false)
	store.Store("failed", "target", []byte("k3"), []byte("v3"), ts, false)

	// Capacity eviction drops the oldest hint.
	hints := store.ForNode("target")
	require.Len(t, hints, 2)
	assert.Equal(t, []byte("k2"), hints[0].Key)

	// Expired hints are discarded.
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, store.ForNode("target"))
	assert.Equal(t, 0, store.Count())
}

func TestStatsTracking(t *testing.T) {
	replicas := newFakeReplicas("n1")
	c := newTestCoordinator(replicas)

	_, err := c.Write(context.Background(), []byte("k"), []byte("v"), []string{"n1"}, One)
	require.NoError(t, err)
	_, err = c.Read(context.Background(), []byte("k"), []string{"n1"}, One)
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.WriteOperations)
	assert.Equal(t, uint64(1), stats.ReadOperations)
}
