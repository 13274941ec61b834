/*
Package crdt provides the conflict-free replicated types used on Meridian's
eventually consistent replication paths.

Two types are exposed:

  - VectorClock: per-node monotone counters with elementwise-max merge and a
    four-way comparison (less, greater, equal, concurrent).
  - LWWSet: a last-writer-wins element set stamped with hlc timestamps.
    Membership is decided per element by comparing the latest add against the
    latest remove, tie-broken by node id.

Merges are idempotent and commutative: replicas that exchange state in any
order converge to the same value. Replication paths tagged CRDT_MERGE in the
WAL carry LWWSet state as JSON.
*/
package crdt
