package raft

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta = []byte("meta")
	bucketLog  = []byte("log")

	keyCurrentTerm       = []byte("current_term")
	keyVotedFor          = []byte("voted_for")
	keyLastIncludedIndex = []byte("last_included_index")
	keyLastIncludedTerm  = []byte("last_included_term")
)

// Store persists the state a node must not lose across restarts:
// current_term, voted_for, the log, and the snapshot boundary. RPC handlers
// persist before responding.
type Store interface {
	SetTermAndVote(term uint64, votedFor string) error
	AppendEntries(entries []LogEntry) error
	TruncateFrom(index uint64) error
	SetSnapshotBoundary(index, term uint64) error
	Load() (*PersistentState, error)
	Close() error
}

// PersistentState is the durable subset of node state.
type PersistentState struct {
	CurrentTerm       uint64
	VotedFor          string
	Log               []LogEntry
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// BoltStore implements Store on a bbolt database at
// <data_dir>/raft/<group_id>.state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the persistent state database for
// a group.
func NewBoltStore(dataDir, groupID string) (*BoltStore, error) {
	dir := filepath.Join(dataDir, "raft")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft state dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, groupID+".state"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft state: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketLog} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// SetTermAndVote persists the current term and vote.
func (s *BoltStore) SetTermAndVote(term uint64, votedFor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(keyCurrentTerm, indexKey(term)); err != nil {
			return err
		}
		return b.Put(keyVotedFor, []byte(votedFor))
	})
}

// AppendEntries persists new log entries keyed by index.
func (s *BoltStore) AppendEntries(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateFrom removes all entries with index >= index.
func (s *BoltStore) TruncateFrom(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.Seek(indexKey(index)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetSnapshotBoundary persists the compaction boundary.
func (s *BoltStore) SetSnapshotBoundary(index, term uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(keyLastIncludedIndex, indexKey(index)); err != nil {
			return err
		}
		return b.Put(keyLastIncludedTerm, indexKey(term))
	})
}

// Load reads the full persistent state.
func (s *BoltStore) Load() (*PersistentState, error) {
	state := &PersistentState{}
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyCurrentTerm); len(v) == 8 {
			state.CurrentTerm = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyVotedFor); v != nil {
			state.VotedFor = string(v)
		}
		if v := meta.Get(keyLastIncludedIndex); len(v) == 8 {
			state.LastIncludedIndex = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyLastIncludedTerm); len(v) == 8 {
			state.LastIncludedTerm = binary.BigEndian.Uint64(v)
		}

		return tx.Bucket(bucketLog).ForEach(func(k, v []byte) error {
			var entry LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt raft log entry: %w", err)
			}
			state.Log = append(state.Log, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// memStore is the in-memory Store used when no data dir is configured.
type memStore struct {
	state PersistentState
}

func newMemStore() *memStore {
	return &memStore{}
}

func (s *memStore) SetTermAndVote(term uint64, votedFor string) error {
	s.state.CurrentTerm = term
	s.state.VotedFor = votedFor
	return nil
}

func (s *memStore) AppendEntries(entries []LogEntry) error {
	for _, entry := range entries {
		for len(s.state.Log) > 0 && s.state.Log[len(s.state.Log)-1].Index >= entry.Index {
			s.state.Log = s.state.Log[:len(s.state.Log)-1]
		}
		s.state.Log = append(s.state.Log, entry)
	}
	return nil
}

func (s *memStore) TruncateFrom(index uint64) error {
	for len(s.state.Log) > 0 && s.state.Log[len(s.state.Log)-1].Index >= index {
		s.state.Log = s.state.Log[:len(s.state.Log)-1]
	}
	return nil
}

func (s *memStore) SetSnapshotBoundary(index, term uint64) error {
	s.state.LastIncludedIndex = index
	s.state.LastIncludedTerm = term
	return nil
}

func (s *memStore) Load() (*PersistentState, error) {
	clone := s.state
	clone.Log = append([]LogEntry(nil), s.state.Log...)
	return &clone, nil
}

func (s *memStore) Close() error {
	return nil
}
