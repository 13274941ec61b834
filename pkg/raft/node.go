package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
)

const tickInterval = 10 * time.Millisecond

// Node is one member of a Raft group. All state is owned by the node and
// guarded by mu; peers interact only through the RPC handlers, and committed
// entries flow to the state machine over a bounded apply channel consumed in
// index order.
type Node struct {
	cfg       Config
	transport Transport
	sm        StateMachine
	store     Store
	logger    zerolog.Logger

	mu          sync.Mutex
	state       State
	currentTerm uint64
	votedFor    string
	logEntries  []LogEntry
	commitIndex uint64
	lastApplied uint64
	queuedIndex uint64
	leaderID    string

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	lastContact     time.Time
	electionTimeout time.Duration
	lastHeartbeat   time.Time

	lastIncludedIndex uint64
	lastIncludedTerm  uint64

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	applyCh chan LogEntry

	// onStateChange is invoked (outside mu) after role transitions.
	onStateChange func(State)
}

// NewNode constructs a node, restoring persistent state from the configured
// data dir (or an in-memory store when none is set).
func NewNode(cfg Config, transport Transport, sm StateMachine) (*Node, error) {
	cfg = cfg.withDefaults()

	var store Store
	var err error
	if cfg.DataDir != "" {
		store, err = NewBoltStore(cfg.DataDir, cfg.GroupID)
		if err != nil {
			return nil, err
		}
	} else {
		store = newMemStore()
	}

	persisted, err := store.Load()
	if err != nil {
		store.Close()
		return nil, err
	}

	n := &Node{
		cfg:               cfg,
		transport:         transport,
		sm:                sm,
		store:             store,
		logger:            log.WithGroupID(cfg.GroupID).With().Str("node_id", cfg.NodeID).Logger(),
		state:             Follower,
		currentTerm:       persisted.CurrentTerm,
		votedFor:          persisted.VotedFor,
		logEntries:        persisted.Log,
		lastIncludedIndex: persisted.LastIncludedIndex,
		lastIncludedTerm:  persisted.LastIncludedTerm,
		nextIndex:         make(map[string]uint64),
		matchIndex:        make(map[string]uint64),
		applyCh:           make(chan LogEntry, 256),
	}
	n.resetElectionTimerLocked()
	return n, nil
}

// SetStateChangeHook registers a callback fired after role transitions.
func (n *Node) SetStateChangeHook(hook func(State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStateChange = hook
}

// Start launches the background election/heartbeat loop and the applier.
func (n *Node) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.doneCh = make(chan struct{})
	n.mu.Unlock()

	go n.applyLoop()
	go n.run()
	n.logger.Info().Msg("raft node started")
}

// Stop halts the node and closes the persistent store.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	stopCh := n.stopCh
	close(stopCh)
	n.mu.Unlock()

	<-n.doneCh
	n.store.Close()
	n.logger.Info().Msg("raft node stopped")
}

func (n *Node) run() {
	defer close(n.doneCh)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}

		n.mu.Lock()
		state := n.state
		now := time.Now()
		var heartbeatDue, electionDue bool
		if state == Leader {
			heartbeatDue = now.Sub(n.lastHeartbeat) >= n.cfg.HeartbeatInterval
			if heartbeatDue {
				n.lastHeartbeat = now
			}
		} else {
			electionDue = now.Sub(n.lastContact) >= n.electionTimeout
		}
		// Drain any commit backlog the applier could not absorb earlier.
		n.queueCommittedLocked()
		n.mu.Unlock()

		if heartbeatDue {
			n.broadcastAppendEntries()
		}
		if electionDue {
			n.startElection()
		}
	}
}

func (n *Node) applyLoop() {
	for {
		select {
		case entry := <-n.applyCh:
			n.sm.Apply(entry)
			n.mu.Lock()
			if entry.Index > n.lastApplied {
				n.lastApplied = entry.Index
			}
			n.mu.Unlock()
			metrics.RaftAppliedIndex.WithLabelValues(n.cfg.GroupID).Set(float64(entry.Index))
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) resetElectionTimerLocked() {
	n.lastContact = time.Now()
	spread := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	n.electionTimeout = n.cfg.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(spread)+1))
}

func (n *Node) lastLogInfoLocked() (index, term uint64) {
	if len(n.logEntries) == 0 {
		return n.lastIncludedIndex, n.lastIncludedTerm
	}
	last := n.logEntries[len(n.logEntries)-1]
	return last.Index, last.Term
}

// entryAtLocked returns the entry with the given 1-based index.
func (n *Node) entryAtLocked(index uint64) (LogEntry, bool) {
	if index == 0 || len(n.logEntries) == 0 {
		return LogEntry{}, false
	}
	first := n.logEntries[0].Index
	if index < first || index > n.logEntries[len(n.logEntries)-1].Index {
		return LogEntry{}, false
	}
	return n.logEntries[index-first], true
}

func (n *Node) stepDownLocked(term uint64) {
	prev := n.state
	n.currentTerm = term
	n.votedFor = ""
	n.state = Follower
	if prev == Leader {
		n.leaderID = ""
	}
	n.resetElectionTimerLocked()
	n.persistTermLocked()
	if prev != Follower {
		n.logger.Info().Uint64("term", term).Msg("stepped down to follower")
		n.notifyStateChange(Follower)
	}
	metrics.RaftTerm.WithLabelValues(n.cfg.GroupID).Set(float64(term))
	metrics.RaftLeader.WithLabelValues(n.cfg.GroupID).Set(0)
}

func (n *Node) persistTermLocked() {
	if err := n.store.SetTermAndVote(n.currentTerm, n.votedFor); err != nil {
		n.logger.Error().Err(err).Msg("failed to persist term state")
	}
}

func (n *Node) notifyStateChange(state State) {
	if hook := n.onStateChange; hook != nil {
		go hook(state)
	}
}

// startElection transitions to candidate and solicits votes.
func (n *Node) startElection() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.currentTerm++
	n.state = Candidate
	n.votedFor = n.cfg.NodeID
	n.resetElectionTimerLocked()
	n.persistTermLocked()

	term := n.currentTerm
	lastIndex, lastTerm := n.lastLogInfoLocked()
	peers := append([]string(nil), n.cfg.Peers...)
	n.mu.Unlock()

	n.logger.Info().Uint64("term", term).Msg("starting election")
	n.notifyStateChange(Candidate)
	metrics.RaftElections.WithLabelValues(n.cfg.GroupID).Inc()

	req := &VoteRequest{
		Term:         term,
		CandidateID:  n.cfg.NodeID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	// Voting set includes self.
	votes := 1
	needed := (len(peers)+1)/2 + 1
	if votes >= needed {
		n.becomeLeader(term)
		return
	}

	var voteMu sync.Mutex
	for _, peer := range peers {
		go func(peer string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
			defer cancel()

			resp, err := n.transport.RequestVote(ctx, peer, req)
			if err != nil {
				return
			}

			n.mu.Lock()
			if resp.Term > n.currentTerm {
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			stillCandidate := n.state == Candidate && n.currentTerm == term
			n.mu.Unlock()

			if !stillCandidate || !resp.Granted {
				return
			}

			voteMu.Lock()
			votes++
			won := votes == needed
			voteMu.Unlock()

			if won {
				n.becomeLeader(term)
			}
		}(peer)
	}
}

func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.state != Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.state = Leader
	n.leaderID = n.cfg.NodeID
	lastIndex, _ := n.lastLogInfoLocked()
	for _, peer := range n.cfg.Peers {
		n.nextIndex[peer] = lastIndex + 1
		n.matchIndex[peer] = 0
	}
	n.lastHeartbeat = time.Now()
	n.resetElectionTimerLocked()

	// Single-node groups commit everything they have.
	if len(n.cfg.Peers) == 0 {
		n.advanceCommitLocked()
	}
	n.mu.Unlock()

	n.logger.Info().Uint64("term", term).Msg("became leader")
	n.notifyStateChange(Leader)
	metrics.RaftLeader.WithLabelValues(n.cfg.GroupID).Set(1)

	// Assert leadership immediately.
	n.broadcastAppendEntries()
}

// broadcastAppendEntries replicates to every peer. Empty batches are
// heartbeats.
func (n *Node) broadcastAppendEntries() {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return
	}
	peers := append([]string(nil), n.cfg.Peers...)
	n.mu.Unlock()

	for _, peer := range peers {
		go n.replicateToPeer(peer)
	}
}

func (n *Node) replicateToPeer(peer string) {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return
	}

	lastIndex, _ := n.lastLogInfoLocked()
	next := n.nextIndex[peer]
	if next == 0 {
		next = lastIndex + 1
	}

	prevIndex := next - 1
	var prevTerm uint64
	if prevIndex > 0 {
		if entry, ok := n.entryAtLocked(prevIndex); ok {
			prevTerm = entry.Term
		} else if prevIndex == n.lastIncludedIndex {
			prevTerm = n.lastIncludedTerm
		}
	}

	var entries []LogEntry
	if next <= lastIndex {
		end := next + uint64(n.cfg.MaxLogEntriesPerRequest)
		if end > lastIndex+1 {
			end = lastIndex + 1
		}
		for i := next; i < end; i++ {
			if entry, ok := n.entryAtLocked(i); ok {
				entries = append(entries, entry)
			}
		}
	}

	req := &AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.cfg.NodeID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	term := n.currentTerm
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval*2)
	defer cancel()

	resp, err := n.transport.AppendEntries(ctx, peer, req)
	if err != nil {
		// Unreachable peers are retried on the next heartbeat tick.
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}

	if resp.Success {
		n.nextIndex[peer] = req.PrevLogIndex + uint64(len(req.Entries)) + 1
		n.matchIndex[peer] = req.PrevLogIndex + uint64(len(req.Entries))
		n.advanceCommitLocked()
		return
	}

	// Back off using the follower's conflict hint when present.
	if resp.ConflictIndex > 0 {
		n.nextIndex[peer] = resp.ConflictIndex
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
}

// advanceCommitLocked moves commit_index to the highest index replicated on
// a majority whose term is the current term, then queues newly committed
// entries for the applier.
func (n *Node) advanceCommitLocked() {
	if n.state != Leader {
		return
	}

	lastIndex, _ := n.lastLogInfoLocked()
	needed := (len(n.cfg.Peers)+1)/2 + 1

	for index := n.commitIndex + 1; index <= lastIndex; index++ {
		count := 1 // self
		for _, peer := range n.cfg.Peers {
			if n.matchIndex[peer] >= index {
				count++
			}
		}
		if count < needed {
			break
		}
		entry, ok := n.entryAtLocked(index)
		if !ok || entry.Term != n.currentTerm {
			continue
		}
		n.commitIndex = index
	}
	n.queueCommittedLocked()
}

func (n *Node) queueCommittedLocked() {
	for n.lastQueued() < n.commitIndex {
		entry, ok := n.entryAtLocked(n.lastQueued() + 1)
		if !ok {
			return
		}
		select {
		case n.applyCh <- entry:
			n.queuedIndex = entry.Index
		default:
			// Applier backlog; remaining entries queue on a later tick.
			return
		}
	}
	metrics.RaftCommitIndex.WithLabelValues(n.cfg.GroupID).Set(float64(n.commitIndex))
}

func (n *Node) lastQueued() uint64 {
	return n.queuedIndex
}

// Propose appends a command to the leader's log and replicates it. Returns
// the assigned index, or ErrNotLeader on followers and candidates.
func (n *Node) Propose(command []byte) (uint64, error) {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return 0, errdefs.ErrNotLeader
	}

	lastIndex, _ := n.lastLogInfoLocked()
	entry := LogEntry{
		Term:      n.currentTerm,
		Index:     lastIndex + 1,
		Command:   command,
		Timestamp: time.Now().UnixMicro(),
	}
	entry.Seal()
	n.logEntries = append(n.logEntries, entry)
	if err := n.store.AppendEntries([]LogEntry{entry}); err != nil {
		// The entry was never persisted or replicated, so it is dropped
		// from the in-memory log again and the proposal fails.
		n.logEntries = n.logEntries[:len(n.logEntries)-1]
		n.mu.Unlock()
		return 0, err
	}

	if len(n.cfg.Peers) == 0 {
		n.advanceCommitLocked()
	}
	index := entry.Index
	n.mu.Unlock()

	metrics.RaftProposals.WithLabelValues(n.cfg.GroupID).Inc()
	n.broadcastAppendEntries()
	return index, nil
}

// HandleVoteRequest implements the RequestVote RPC receiver.
func (n *Node) HandleVoteRequest(req *VoteRequest) *VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	granted := false
	if req.Term >= n.currentTerm &&
		(n.votedFor == "" || n.votedFor == req.CandidateID) &&
		n.candidateUpToDateLocked(req.LastLogIndex, req.LastLogTerm) {
		granted = true
		n.votedFor = req.CandidateID
		n.resetElectionTimerLocked()
		n.persistTermLocked()
	}

	return &VoteResponse{Term: n.currentTerm, Granted: granted}
}

func (n *Node) candidateUpToDateLocked(lastIndex, lastTerm uint64) bool {
	ourIndex, ourTerm := n.lastLogInfoLocked()
	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}
	return lastIndex >= ourIndex
}

// HandleAppendEntries implements the AppendEntries RPC receiver.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	lastIndex, _ := n.lastLogInfoLocked()
	resp := &AppendEntriesResponse{Term: n.currentTerm, LastLogIndex: lastIndex}

	if req.Term < n.currentTerm {
		return resp
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
		resp.Term = n.currentTerm
	}

	// Valid leader for this term.
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()
	if n.state != Follower {
		n.state = Follower
		n.notifyStateChange(Follower)
	}

	// Log consistency check at prev_log_index/prev_log_term.
	if req.PrevLogIndex > 0 {
		if req.PrevLogIndex > lastIndex {
			resp.ConflictIndex = lastIndex + 1
			return resp
		}
		prev, ok := n.entryAtLocked(req.PrevLogIndex)
		if ok && prev.Term != req.PrevLogTerm {
			// Back off to the first index of the conflicting term.
			conflictTerm := prev.Term
			conflict := req.PrevLogIndex
			for conflict > 1 {
				entry, ok := n.entryAtLocked(conflict - 1)
				if !ok || entry.Term != conflictTerm {
					break
				}
				conflict--
			}
			resp.ConflictIndex = conflict
			return resp
		}
		if !ok && req.PrevLogIndex != n.lastIncludedIndex {
			resp.ConflictIndex = n.lastIncludedIndex + 1
			return resp
		}
	}

	// Truncate any divergent suffix, then append.
	if len(req.Entries) > 0 {
		appendFrom := 0
		for i, entry := range req.Entries {
			existing, ok := n.entryAtLocked(entry.Index)
			if !ok {
				appendFrom = i
				break
			}
			if existing.Term != entry.Term {
				n.truncateFromLocked(entry.Index)
				appendFrom = i
				break
			}
			appendFrom = i + 1
		}
		if appendFrom < len(req.Entries) {
			fresh := req.Entries[appendFrom:]
			n.logEntries = append(n.logEntries, fresh...)
			if err := n.store.AppendEntries(fresh); err != nil {
				n.logger.Error().Err(err).Msg("failed to persist appended entries")
			}
		}
	}

	lastIndex, _ = n.lastLogInfoLocked()
	resp.LastLogIndex = lastIndex
	resp.Success = true

	if req.LeaderCommit > n.commitIndex {
		commit := req.LeaderCommit
		if commit > lastIndex {
			commit = lastIndex
		}
		n.commitIndex = commit
		n.queueCommittedLocked()
	}
	return resp
}

func (n *Node) truncateFromLocked(index uint64) {
	if len(n.logEntries) == 0 {
		return
	}
	first := n.logEntries[0].Index
	if index < first {
		n.logEntries = n.logEntries[:0]
	} else if index <= n.logEntries[len(n.logEntries)-1].Index {
		n.logEntries = n.logEntries[:index-first]
	}
	if err := n.store.TruncateFrom(index); err != nil {
		n.logger.Error().Err(err).Msg("failed to truncate persisted log")
	}
}

// IsLeader reports whether this node currently leads its group.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == Leader
}

// Leader returns the current known leader id, empty when unknown.
func (n *Node) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// Status returns a point-in-time view of the node.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	lastIndex, _ := n.lastLogInfoLocked()
	return Status{
		GroupID:     n.cfg.GroupID,
		NodeID:      n.cfg.NodeID,
		State:       n.state,
		Term:        n.currentTerm,
		Leader:      n.leaderID,
		LastIndex:   lastIndex,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		Peers:       len(n.cfg.Peers),
	}
}
