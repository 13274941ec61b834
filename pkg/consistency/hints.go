package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/metrics"
)

// Hint is a write withheld from a temporarily unavailable replica, parked on
// a healthy peer for later replay.
type Hint struct {
	ID         string        `json:"id"`
	FailedNode string        `json:"failed_node"`
	TargetNode string        `json:"target_node"`
	Key        []byte        `json:"key"`
	Value      []byte        `json:"value"`
	Timestamp  hlc.Timestamp `json:"timestamp"`
	Delete     bool          `json:"delete,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// HintStore keeps hints grouped by the node that stores them. Capacity
// eviction drops the oldest hint first; expired hints are discarded on read.
type HintStore struct {
	maxHintsPerNode int
	ttl             time.Duration

	mu    sync.Mutex
	hints map[string][]*Hint // target node -> hints parked there
}

// NewHintStore creates a hint store with per-node capacity and TTL.
func NewHintStore(maxHintsPerNode int, ttl time.Duration) *HintStore {
	if maxHintsPerNode <= 0 {
		maxHintsPerNode = 10000
	}
	if ttl <= 0 {
		ttl = 3 * time.Hour
	}
	return &HintStore{
		maxHintsPerNode: maxHintsPerNode,
		ttl:             ttl,
		hints:           make(map[string][]*Hint),
	}
}

// Store parks a hint for failedNode on targetNode.
func (s *HintStore) Store(failedNode, targetNode string, key, value []byte, ts hlc.Timestamp, isDelete bool) *Hint {
	hint := &Hint{
		ID:         uuid.NewString(),
		FailedNode: failedNode,
		TargetNode: targetNode,
		Key:        key,
		Value:      value,
		Timestamp:  ts,
		Delete:     isDelete,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.hints[targetNode]
	if len(list) >= s.maxHintsPerNode {
		list = list[1:]
	}
	s.hints[targetNode] = append(list, hint)
	metrics.HintsStored.Inc()
	return hint
}

// ForNode returns unexpired hints parked on targetNode, pruning expired
// ones.
func (s *HintStore) ForNode(targetNode string) []*Hint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(targetNode)
}

func (s *HintStore) pruneLocked(targetNode string) []*Hint {
	now := time.Now()
	valid := s.hints[targetNode][:0]
	for _, hint := range s.hints[targetNode] {
		if now.Sub(hint.CreatedAt) < s.ttl {
			valid = append(valid, hint)
		}
	}
	if len(valid) == 0 {
		delete(s.hints, targetNode)
		return nil
	}
	s.hints[targetNode] = valid
	return append([]*Hint(nil), valid...)
}

// PendingFor returns unexpired hints destined for failedNode across all
// storing peers.
func (s *HintStore) PendingFor(failedNode string) []*Hint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Hint
	for target := range s.hints {
		for _, hint := range s.pruneLocked(target) {
			if hint.FailedNode == failedNode {
				out = append(out, hint)
			}
		}
	}
	return out
}

// Remove deletes a hint after successful replay.
func (s *HintStore) Remove(hint *Hint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.hints[hint.TargetNode]
	for i, h := range list {
		if h.ID == hint.ID {
			s.hints[hint.TargetNode] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Expire drops all expired hints.
func (s *HintStore) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for target := range s.hints {
		s.pruneLocked(target)
	}
}

// Count returns the total number of stored hints.
func (s *HintStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, list := range s.hints {
		total += len(list)
	}
	return total
}

// Replay re-sends every pending hint for recoveredNode through client,
// deleting hints that land successfully. Returns the number replayed.
func (s *HintStore) Replay(ctx context.Context, recoveredNode string, client ReplicaClient) int {
	replayed := 0
	for _, hint := range s.PendingFor(recoveredNode) {
		var err error
		if hint.Delete {
			err = client.Delete(ctx, recoveredNode, hint.Key, hint.Timestamp)
		} else {
			err = client.Write(ctx, recoveredNode, hint.Key, hint.Value, hint.Timestamp)
		}
		if err != nil {
			continue
		}
		s.Remove(hint)
		replayed++
		metrics.HintsReplayed.Inc()
	}
	return replayed
}
