/*
Package ranger partitions the keyspace into contiguous, non-overlapping
ranges, each owned by its own consensus group with an independent log,
leader, and state machine over that slice of the store.

The Router holds the ordered set of range descriptors, binary-searching for
the range whose [start, end) interval contains a key, with an LRU routing
cache in front that is invalidated whenever a descriptor changes. Proposals
route to the owning range and succeed only on the replica currently leading
that range's group; callers seeing ErrNotLeader retry via routing.

Splits are replicated commands: Split proposes SPLIT_RANGE through the
range's own group, and when the command commits each replica materializes the
same transition — the left range shrinks to [start, split), a new group is
created for [split, end), keys move with it, and the generation increments.
Merging is reserved; the descriptor state machine already carries the MERGING
state.

Descriptors serialize to JSON with hex-encoded keys for transport and
diagnostics.
*/
package ranger
