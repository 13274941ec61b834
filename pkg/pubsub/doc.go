/*
Package pubsub implements the publish-through-consensus coordination plane.

PUBLISH is a replicated command: the Publisher proposes each message through
its consensus group, and as the group's state machine it delivers every
committed entry to the local subscription Registry. Because all replicas
apply the same committed log, all replicas deliver identical messages; a
dedupe window keeps replayed entries exactly-once per replica.

The Registry tracks exact subscriptions and glob-style pattern subscriptions
(matched with doublestar), notifying both identically. Channels are created
on first publish and reaped after an idle threshold. Each subscriber owns a
bounded queue; delivery to a full queue drops the message for that
subscriber only.

Subscriber fan-out policy beyond this contract — stream iteration, overflow
negotiation, client bookkeeping — belongs to the consuming layer.
*/
package pubsub
