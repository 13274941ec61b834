package crdt

import (
	"github.com/meridiandb/meridian/pkg/hlc"
)

// lwwTag is the timestamp plus origin node recorded for an add or remove.
type lwwTag struct {
	TS   hlc.Timestamp `json:"ts"`
	Node string        `json:"node"`
}

// LWWSet is a last-writer-wins element set. An element is a member iff its
// latest add is newer than its latest remove, with HLC order tie-broken by
// node id. Merge is idempotent and commutative, so replicas converge
// regardless of merge order.
type LWWSet struct {
	clock   *hlc.Clock
	Adds    map[string]lwwTag `json:"adds"`
	Removes map[string]lwwTag `json:"removes"`
}

// NewLWWSet creates an empty set stamped by clock.
func NewLWWSet(clock *hlc.Clock) *LWWSet {
	return &LWWSet{
		clock:   clock,
		Adds:    make(map[string]lwwTag),
		Removes: make(map[string]lwwTag),
	}
}

// Add records element membership at the current clock reading.
func (s *LWWSet) Add(element string) {
	s.Adds[element] = lwwTag{TS: s.clock.Now(), Node: s.clock.NodeID()}
}

// Remove records element removal at the current clock reading.
func (s *LWWSet) Remove(element string) {
	s.Removes[element] = lwwTag{TS: s.clock.Now(), Node: s.clock.NodeID()}
}

// Contains reports whether element is currently a member.
func (s *LWWSet) Contains(element string) bool {
	add, ok := s.Adds[element]
	if !ok {
		return false
	}
	rem, ok := s.Removes[element]
	if !ok {
		return true
	}
	return hlc.CompareWithNode(add.TS, add.Node, rem.TS, rem.Node) > 0
}

// Elements returns the current membership. Order is unspecified.
func (s *LWWSet) Elements() []string {
	out := make([]string, 0, len(s.Adds))
	for element := range s.Adds {
		if s.Contains(element) {
			out = append(out, element)
		}
	}
	return out
}

// Merge folds other into s, taking the per-element maximum tag from each map.
// Observing the remote tags also advances the local clock so later local
// writes order after everything merged in.
func (s *LWWSet) Merge(other *LWWSet) {
	for element, tag := range other.Adds {
		s.clock.Update(tag.TS)
		if cur, ok := s.Adds[element]; !ok || hlc.CompareWithNode(tag.TS, tag.Node, cur.TS, cur.Node) > 0 {
			s.Adds[element] = tag
		}
	}
	for element, tag := range other.Removes {
		s.clock.Update(tag.TS)
		if cur, ok := s.Removes[element]; !ok || hlc.CompareWithNode(tag.TS, tag.Node, cur.TS, cur.Node) > 0 {
			s.Removes[element] = tag
		}
	}
}
