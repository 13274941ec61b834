/*
Package metrics exposes Meridian's Prometheus collectors.

Collectors are declared as package variables, registered once via Init at
startup, and served over HTTP with Handler. Subsystems record directly into
the shared collectors: the WAL counts entries and syncs, Raft groups publish
term/commit/applied gauges labeled by group, the consistency coordinator
tracks operation outcomes and latencies, shards report cache hit rates and
memory usage, and the pub/sub plane counts published and dropped messages.
*/
package metrics
