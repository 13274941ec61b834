package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for the storage and consensus substrate. Callers match
// with errors.Is; constructors below wrap a cause while keeping the kind.
var (
	// ErrWalIO indicates a WAL I/O failure. Shard writes fall back to the
	// in-memory recovery ring and mark the WAL degraded.
	ErrWalIO = errors.New("wal io error")

	// ErrWalCorrupt indicates a corrupt WAL entry found during recovery.
	// Iteration of the current segment stops; later segments remain readable.
	ErrWalCorrupt = errors.New("wal corrupt")

	// ErrCompression indicates a compression or decompression failure.
	ErrCompression = errors.New("compression error")

	// ErrChecksumMismatch indicates checksum verification failed for a WAL
	// entry or compressed blob.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrTermStale indicates a Raft RPC carried a term older than ours.
	ErrTermStale = errors.New("raft term stale")

	// ErrLogConflict indicates an AppendEntries consistency check failure.
	ErrLogConflict = errors.New("raft log conflict")

	// ErrNotLeader indicates a proposal was submitted to a non-leader.
	ErrNotLeader = errors.New("not leader")

	// ErrQuorumUnmet indicates a consistency operation gathered fewer
	// successful replica responses than the level requires.
	ErrQuorumUnmet = errors.New("quorum unmet")

	// ErrTimeout indicates a consistency or migration deadline expired.
	ErrTimeout = errors.New("operation timeout")

	// ErrMemoryMapping indicates a memory-mapped buffer could not be created
	// or accessed.
	ErrMemoryMapping = errors.New("memory mapping error")

	// ErrSharding indicates a shard manager routing or execution failure.
	ErrSharding = errors.New("sharding error")

	// ErrConfig indicates invalid configuration. Fatal at startup.
	ErrConfig = errors.New("invalid configuration")
)

// WalIO wraps err as a WAL I/O error.
func WalIO(err error) error {
	return fmt.Errorf("%w: %w", ErrWalIO, err)
}

// WalCorrupt builds a corruption error with a description.
func WalCorrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrWalCorrupt, fmt.Sprintf(format, args...))
}

// Compression builds a compression error with a description.
func Compression(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCompression, fmt.Sprintf(format, args...))
}

// ChecksumMismatch builds a checksum error carrying both sums.
func ChecksumMismatch(want, got interface{}) error {
	return fmt.Errorf("%w: expected %v, got %v", ErrChecksumMismatch, want, got)
}

// MemoryMapping wraps err as a memory mapping error.
func MemoryMapping(err error) error {
	return fmt.Errorf("%w: %w", ErrMemoryMapping, err)
}

// Sharding builds a sharding error with a description.
func Sharding(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSharding, fmt.Sprintf(format, args...))
}

// Config builds a configuration error with a description.
func Config(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
