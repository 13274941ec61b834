package raft

import (
	"context"
	"fmt"
	"sync"
)

// InmemTransport wires nodes together in-process, used by tests and
// single-process clusters. Partitions are injected per node: Disconnect cuts
// one node off from every other.
type InmemTransport struct {
	mu           sync.RWMutex
	nodes        map[string]*Node
	disconnected map[string]bool
}

// NewInmemTransport creates an empty in-memory transport.
func NewInmemTransport() *InmemTransport {
	return &InmemTransport{
		nodes:        make(map[string]*Node),
		disconnected: make(map[string]bool),
	}
}

// Register attaches a node under its id.
func (t *InmemTransport) Register(id string, node *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
}

// Disconnect drops all traffic to and from id until Reconnect.
func (t *InmemTransport) Disconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected[id] = true
}

// Reconnect restores traffic to and from id.
func (t *InmemTransport) Reconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.disconnected, id)
}

func (t *InmemTransport) target(from, peer string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.disconnected[from] {
		return nil, fmt.Errorf("node %s disconnected", from)
	}
	if t.disconnected[peer] {
		return nil, fmt.Errorf("peer %s unreachable", peer)
	}
	node, ok := t.nodes[peer]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer)
	}
	return node, nil
}

// RequestVote delivers a vote request to peer.
func (t *InmemTransport) RequestVote(ctx context.Context, peer string, req *VoteRequest) (*VoteResponse, error) {
	node, err := t.target(req.CandidateID, peer)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return node.HandleVoteRequest(req), nil
}

// AppendEntries delivers an append request to peer.
func (t *InmemTransport) AppendEntries(ctx context.Context, peer string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	node, err := t.target(req.LeaderID, peer)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return node.HandleAppendEntries(req), nil
}
