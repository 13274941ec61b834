/*
Package server wires Meridian's subsystems into one long-lived process: the
hybrid logical clock, buffer pool, compression manager, shard manager, range
router, consistency coordinator, replica registry, and the pub/sub
publisher, all constructed explicitly and passed through the Server rather
than living as ambient globals.

One HTTP listener serves both surfaces:

  - Public API: /kv/<key> (GET/PUT/DELETE with an optional ?consistency=
    level), /publish/<channel>, /ranges, /ranges/split, /stats, /health,
    /metrics.
  - Intra-cluster: /raft/<group>/{vote,append}, /replica/{read,write},
    /cluster/heartbeat — registered by pkg/cluster's handler.

Reads at ONE/ANY hit the shard cache directly; stronger levels go through
the consistency coordinator. Writes without a level go to the owning shard
and through the owning range's consensus group; writes with a level go only
through the coordinator, which scatters them to replicas.
*/
package server
