/*
Package shard implements Meridian's shard-per-core data plane: placement of
shards onto CPUs and NUMA nodes, single-threaded shard workers, per-shard
storage with caching and compression, cross-shard coordination, and shard
migration.

# Placement

The manager creates one shard per physical core by default, detecting the
machine layout via gopsutil and the sysfs NUMA hierarchy. Placement
strategies cover round-robin, proportional NUMA distribution, load-balanced
CPU selection from startup utilization, locality grouping by hash group, and
memory-capacity weighting. Shards on one NUMA node form a placement group
with a shared memory quota.

# Execution model

Each shard owns a dedicated worker goroutine fed by a bounded job queue.
Operations on a shard complete in submission order; there is no cross-shard
ordering. The manager routes keys by SHA-256 modulo shard count and exposes
cross-shard operations — range query, transaction, scatter/gather — that fan
closures out to the involved workers under an operations-table entry with a
unified outcome.

# Storage

A shard keeps a primary map, an LRU recency index driving memory eviction, a
small hot cache promoted on repeated access, and transparent compression for
values above 1 KiB. WAL appends are fire-and-forget through a writer
goroutine; when the writer fails or saturates, records land in an in-memory
fallback ring, the WAL is marked degraded, and the ring replays once writes
succeed again. Reads stay available throughout.

# Migration

A Migrator executes MigrationPlans in three phases — drain, stream, cutover —
with the source authoritative until cutover completes inside the downtime
budget; exceeding the budget aborts the cutover.
*/
package shard
