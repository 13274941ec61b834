/*
Package wal implements Meridian's segment-structured write-ahead log: a
durable, ordered record of every mutation, written before the mutation is
applied to a shard's in-memory store.

# On-disk format

Each entry is encoded as

	"WAL1" | u32 crc32(payload) | u32 length | payload

with big-endian header fields, where payload is the zlib-compressed JSON
object {type, seq, ts, key, value, tx_id, meta} and the CRC uses the zlib
polynomial. Segments are files named wal-%06d.log inside the WAL directory;
only the highest-id segment (the active one) is writable.

# Rotation, durability, recovery

The active segment is frozen and replaced when it reaches segment_size_mb,
and segments beyond max_segments are unlinked oldest-first. Durability is
either per-write (sync_on_write) or periodic via a background flush task.

On Start the WAL scans existing segments to restore the sequence counter.
ReadEntries yields CRC-validated entries in sequence order across segments; a
corrupt entry terminates the current segment's iteration but later segments
remain readable, which makes a truncated tail after a crash recoverable.
Recover replays entries through a callback in configurable batches.

TruncateBefore removes whole segments whose entries are all older than the
target sequence. The active segment is never removed, so callers must expect
entries older than the target to survive inside it.

Sequence numbers are strictly increasing for the life of a WAL instance.
*/
package wal
