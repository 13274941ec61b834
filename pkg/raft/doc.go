/*
Package raft implements the consensus substrate used cluster-wide and
per-range: leader election, log replication, and the safety properties that
make replicated state machines correct.

# Model

A Node is one member of a group. It starts as a follower with a randomized
election timeout; on timeout it becomes a candidate, increments its term,
votes for itself, and solicits votes. A majority of the voting set (including
self) makes it leader. Leaders send AppendEntries — possibly empty, as
heartbeats — every heartbeat interval, tracking next_index/match_index per
peer and backing off with the follower-provided conflict index on log
mismatches. Commit advances to the highest index replicated on a majority
whose term equals the leader's current term. Discovering a higher term
anywhere causes an immediate step-down.

Committed entries are handed to the StateMachine over a bounded apply channel
in index order; Apply must be idempotent and deterministic.

# Persistence

current_term, voted_for, the log, and the snapshot boundary are persisted to
a bbolt database at <data_dir>/raft/<group_id>.state before RPC responses
that depend on them. Without a data dir the node keeps state in memory,
which is how tests run whole clusters in-process over InmemTransport.

# Transport

RPC payload shapes are plain JSON structs; delivery is behind the Transport
interface so the same node runs over the in-memory fabric or the cluster's
HTTP adapter.

InstallSnapshot is reserved: the snapshot boundary is persisted and honored
in log arithmetic, but no snapshot transfer is implemented yet.
*/
package raft
