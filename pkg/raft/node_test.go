package raft

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// recordingSM collects applied entries in order.
type recordingSM struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (s *recordingSM) Apply(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *recordingSM) applied() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.entries...)
}

type testCluster struct {
	transport *InmemTransport
	nodes     map[string]*Node
	sms       map[string]*recordingSM
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i+1)
	}

	tc := &testCluster{
		transport: NewInmemTransport(),
		nodes:     make(map[string]*Node),
		sms:       make(map[string]*recordingSM),
	}
	for _, id := range ids {
		peers := make([]string, 0, size-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		cfg := DefaultConfig()
		cfg.GroupID = "test-group"
		cfg.NodeID = id
		cfg.Peers = peers
		// Tight timeouts keep the tests fast.
		cfg.ElectionTimeoutMin = 50 * time.Millisecond
		cfg.ElectionTimeoutMax = 100 * time.Millisecond
		cfg.HeartbeatInterval = 20 * time.Millisecond

		sm := &recordingSM{}
		node, err := NewNode(cfg, tc.transport, sm)
		require.NoError(t, err)
		tc.transport.Register(id, node)
		tc.nodes[id] = node
		tc.sms[id] = sm
	}

	for _, node := range tc.nodes {
		node.Start()
	}
	t.Cleanup(func() {
		for _, node := range tc.nodes {
			node.Stop()
		}
	})
	return tc
}

func (tc *testCluster) waitForLeader(t *testing.T, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range tc.nodes {
			if node.IsLeader() {
				return node
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestSingleLeaderElected(t *testing.T) {
	tc := newTestCluster(t, 3)

	leader := tc.waitForLeader(t, 2*time.Second)
	leaderStatus := leader.Status()
	assert.GreaterOrEqual(t, leaderStatus.Term, uint64(1))

	// Give followers a heartbeat to learn the leader.
	time.Sleep(100 * time.Millisecond)

	leaders := 0
	for _, node := range tc.nodes {
		status := node.Status()
		if status.State == Leader {
			leaders++
		} else {
			assert.Equal(t, Follower, status.State)
			assert.Equal(t, leaderStatus.Term, status.Term)
		}
	}
	assert.Equal(t, 1, leaders, "election safety: at most one leader per term")
}

func TestProposeReplicatesAndApplies(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(t, 2*time.Second)

	for i := 0; i < 5; i++ {
		_, err := leader.Propose([]byte(fmt.Sprintf("cmd-%d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, sm := range tc.sms {
			if len(sm.applied()) != 5 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "all replicas apply all committed entries")

	// State-machine safety: every replica applied identical entries in
	// identical order.
	var reference []LogEntry
	for _, sm := range tc.sms {
		applied := sm.applied()
		if reference == nil {
			reference = applied
			continue
		}
		require.Len(t, applied, len(reference))
		for i := range applied {
			assert.Equal(t, reference[i].Index, applied[i].Index)
			assert.Equal(t, reference[i].Term, applied[i].Term)
			assert.Equal(t, reference[i].Command, applied[i].Command)
		}
	}

	for i, entry := range reference {
		assert.Equal(t, uint64(i+1), entry.Index, "indexes are dense and 1-based")
		assert.True(t, entry.Verify(), "integrity checksum holds")
	}
}

func TestProposeOnFollowerFails(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(t, 2*time.Second)

	for id, node := range tc.nodes {
		if id == leader.cfg.NodeID {
			continue
		}
		_, err := node.Propose([]byte("nope"))
		assert.ErrorIs(t, err, errdefs.ErrNotLeader)
	}
}

func TestLeaderFailover(t *testing.T) {
	tc := newTestCluster(t, 3)
	first := tc.waitForLeader(t, 2*time.Second)

	_, err := first.Propose([]byte("before-failover"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(tc.sms[first.cfg.NodeID].applied()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Partition the leader away; the remaining pair elects a successor.
	tc.transport.Disconnect(first.cfg.NodeID)

	require.Eventually(t, func() bool {
		for id, node := range tc.nodes {
			if id != first.cfg.NodeID && node.IsLeader() {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "a new leader emerges")

	var second *Node
	for id, node := range tc.nodes {
		if id != first.cfg.NodeID && node.IsLeader() {
			second = node
		}
	}
	require.NotNil(t, second)

	// Leader completeness: the committed entry survives into the new term.
	assert.GreaterOrEqual(t, second.Status().LastIndex, uint64(1))

	_, err = second.Propose([]byte("after-failover"))
	require.NoError(t, err)

	// The old leader rejoins and converges.
	tc.transport.Reconnect(first.cfg.NodeID)
	require.Eventually(t, func() bool {
		applied := tc.sms[first.cfg.NodeID].applied()
		return len(applied) == 2 && string(applied[1].Command) == "after-failover"
	}, 3*time.Second, 10*time.Millisecond, "old leader catches up")
}

func TestHigherTermCausesStepDown(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(t, 2*time.Second)

	term := leader.Status().Term
	resp := leader.HandleAppendEntries(&AppendEntriesRequest{
		Term:     term + 10,
		LeaderID: "intruder",
	})
	assert.True(t, resp.Success)
	assert.Equal(t, term+10, resp.Term)
	assert.False(t, leader.IsLeader())
}

func TestVoteRejectedForStaleLog(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(t, 2*time.Second)

	_, err := leader.Propose([]byte("entry"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return leader.Status().CommitIndex == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A candidate with an empty log must not win a vote from the leader.
	resp := leader.HandleVoteRequest(&VoteRequest{
		Term:         leader.Status().Term + 1,
		CandidateID:  "stale",
		LastLogIndex: 0,
		LastLogTerm:  0,
	})
	assert.False(t, resp.Granted)
}

func TestAppendEntriesConflictIndex(t *testing.T) {
	transport := NewInmemTransport()
	cfg := DefaultConfig()
	cfg.GroupID = "g"
	cfg.NodeID = "solo"

	node, err := NewNode(cfg, transport, &recordingSM{})
	require.NoError(t, err)

	// Follower log is empty; a prev_log_index beyond the end reports where
	// the leader should restart replication.
	resp := node.HandleAppendEntries(&AppendEntriesRequest{
		Term:         1,
		LeaderID:     "leader",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	assert.False(t, resp.Success)
	assert.Equal(t, uint64(1), resp.ConflictIndex)
}

func TestSingleNodeCommitsImmediately(t *testing.T) {
	transport := NewInmemTransport()
	cfg := DefaultConfig()
	cfg.GroupID = "solo-group"
	cfg.NodeID = "solo"
	cfg.ElectionTimeoutMin = 20 * time.Millisecond
	cfg.ElectionTimeoutMax = 40 * time.Millisecond

	sm := &recordingSM{}
	node, err := NewNode(cfg, transport, sm)
	require.NoError(t, err)
	transport.Register("solo", node)
	node.Start()
	defer node.Stop()

	require.Eventually(t, node.IsLeader, 2*time.Second, 5*time.Millisecond)

	index, err := node.Propose([]byte("only"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)

	require.Eventually(t, func() bool {
		return len(sm.applied()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPersistentStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	transport := NewInmemTransport()

	cfg := DefaultConfig()
	cfg.GroupID = "durable"
	cfg.NodeID = "solo"
	cfg.DataDir = dir
	cfg.ElectionTimeoutMin = 20 * time.Millisecond
	cfg.ElectionTimeoutMax = 40 * time.Millisecond

	sm := &recordingSM{}
	node, err := NewNode(cfg, transport, sm)
	require.NoError(t, err)
	transport.Register("solo", node)
	node.Start()

	require.Eventually(t, node.IsLeader, 2*time.Second, 5*time.Millisecond)
	_, err = node.Propose([]byte("persisted"))
	require.NoError(t, err)

	term := node.Status().Term
	node.Stop()

	restarted, err := NewNode(cfg, transport, &recordingSM{})
	require.NoError(t, err)
	defer restarted.Stop()

	status := restarted.Status()
	assert.GreaterOrEqual(t, status.Term, term)
	assert.Equal(t, uint64(1), status.LastIndex)
}

func TestLogMatching(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(t, 2*time.Second)

	for i := 0; i < 10; i++ {
		_, err := leader.Propose([]byte(fmt.Sprintf("op-%d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, node := range tc.nodes {
			if node.Status().LastIndex != 10 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	// Identical (index, term) implies identical prefix.
	logs := make([][]LogEntry, 0, 3)
	for _, node := range tc.nodes {
		node.mu.Lock()
		logs = append(logs, append([]LogEntry(nil), node.logEntries...))
		node.mu.Unlock()
	}
	for i := 1; i < len(logs); i++ {
		require.Len(t, logs[i], len(logs[0]))
		for j := range logs[0] {
			assert.Equal(t, logs[0][j].Term, logs[i][j].Term)
			assert.Equal(t, logs[0][j].Command, logs[i][j].Command)
		}
	}
}
