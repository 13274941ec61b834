/*
Package consistency implements tunable quorum coordination over replicas:
scatter/gather reads and writes, read repair, and hinted handoff.

Each Level maps to a required response count (RequiredResponses): ONE/ANY
need a single ack, QUORUM needs a majority, ALL needs every replica, and
LOCAL_QUORUM and EACH_QUORUM consult the per-datacenter replica map when one
is given (the Coordinator passes none, so they fall back to a majority of
all replicas). The Coordinator
dispatches to all replicas in parallel and gathers until the requirement is
met or the timeout expires; pending RPCs are abandoned, their side effects
left in place, and the caller sees the partial response set.

Reads resolve conflicts by HLC timestamp — the newest value wins — and, when
read repair is enabled and at least two replicas answered, stale replicas are
overwritten asynchronously within a bounded repair window.

Writes that satisfy their level while some replicas failed park a Hint per
failed peer on a random healthy replica. Hints expire on a TTL, evict
oldest-first at capacity, and replay to the failed peer once it recovers.
Hinted writes never count toward satisfying a level, so a write with zero
live replicas fails even at ANY.
*/
package consistency
