/*
Package hlc implements a hybrid logical clock: a causally correct, monotone
timestamp combining wall-clock milliseconds with a logical counter.

Every mutation in Meridian is stamped with an hlc.Timestamp. Consensus uses it
for entry ordering, the consistency coordinator uses it to pick the newest
replica value during quorum reads, and the CRDT layer uses it for
last-writer-wins resolution (tie-broken by node id via CompareWithNode).

Guarantees:

  - Now returns a timestamp strictly greater than any prior Now or Update
    result from the same clock.
  - Update(remote) never moves the clock backward, and its result is strictly
    greater than the remote timestamp, so receive-then-read observes
    causality.

The wall clock is sampled once per operation; hot loops never re-read it.
*/
package hlc
