/*
Package cluster provides node membership and the intra-cluster HTTP/JSON
fabric: replica bookkeeping from heartbeats, the Raft RPC transport, and the
replica read/write endpoints the consistency coordinator calls.

The Registry tracks ReplicaInfo per node — address, health, load, and
replication position — refreshed by heartbeats and aged out on silence.
HTTPTransport carries raft RPCs as JSON POSTs to /raft/<group>/vote and
/raft/<group>/append, bound per consensus group with ForGroup.
ReplicaHTTPClient implements consistency.ReplicaClient over /replica/read
and /replica/write. The Handler serves all of these routes plus heartbeat
ingestion on the node's listener.
*/
package cluster
