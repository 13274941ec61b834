package ranger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RangeState is the lifecycle state of a range. Transitions are committed
// through the range's consensus group.
type RangeState string

const (
	RangeActive     RangeState = "ACTIVE"
	RangeSplitting  RangeState = "SPLITTING"
	RangeMerging    RangeState = "MERGING"
	RangeOffline    RangeState = "OFFLINE"
	RangeRelocating RangeState = "RELOCATING"
)

// Descriptor identifies a contiguous, non-overlapping slice of the keyspace
// and the consensus group that owns it. Generation strictly increases on
// every split or merge.
type Descriptor struct {
	RangeID      string
	StartKey     []byte
	EndKey       []byte // exclusive
	Replicas     []string
	LeaderNode   string
	State        RangeState
	Generation   uint64
	LastModified time.Time
}

// Contains reports whether key falls inside [StartKey, EndKey).
func (d *Descriptor) Contains(key []byte) bool {
	if bytes.Compare(key, d.StartKey) < 0 {
		return false
	}
	return len(d.EndKey) == 0 || bytes.Compare(key, d.EndKey) < 0
}

// descriptorJSON is the wire shape: keys travel hex-encoded.
type descriptorJSON struct {
	RangeID      string     `json:"range_id"`
	StartKey     string     `json:"start_key"`
	EndKey       string     `json:"end_key"`
	Replicas     []string   `json:"replicas"`
	LeaderNode   string     `json:"leader_node,omitempty"`
	State        RangeState `json:"state"`
	Generation   uint64     `json:"generation"`
	LastModified int64      `json:"last_modified"`
}

// MarshalJSON encodes the descriptor with hex keys.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(descriptorJSON{
		RangeID:      d.RangeID,
		StartKey:     hex.EncodeToString(d.StartKey),
		EndKey:       hex.EncodeToString(d.EndKey),
		Replicas:     d.Replicas,
		LeaderNode:   d.LeaderNode,
		State:        d.State,
		Generation:   d.Generation,
		LastModified: d.LastModified.UnixMicro(),
	})
}

// UnmarshalJSON decodes the hex-keyed wire shape.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var wire descriptorJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	startKey, err := hex.DecodeString(wire.StartKey)
	if err != nil {
		return err
	}
	endKey, err := hex.DecodeString(wire.EndKey)
	if err != nil {
		return err
	}
	d.RangeID = wire.RangeID
	d.StartKey = startKey
	d.EndKey = endKey
	d.Replicas = wire.Replicas
	d.LeaderNode = wire.LeaderNode
	d.State = wire.State
	d.Generation = wire.Generation
	d.LastModified = time.UnixMicro(wire.LastModified)
	return nil
}

// Clone returns a deep copy of the descriptor.
func (d *Descriptor) Clone() *Descriptor {
	clone := *d
	clone.StartKey = append([]byte(nil), d.StartKey...)
	clone.EndKey = append([]byte(nil), d.EndKey...)
	clone.Replicas = append([]string(nil), d.Replicas...)
	return &clone
}
