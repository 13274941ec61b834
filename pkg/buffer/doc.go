/*
Package buffer provides the zero-copy buffer plane used by Meridian's hot
storage paths: a bounded pool of reusable byte buffers and a memory-mapped
file view.

# Buffer pool

Pool hands out cleared buffers of at least the requested size. The pool is
bounded: when empty and at MaxBuffers, Get returns a transient buffer that is
dropped on release instead of re-pooled. The release contract is forgiving —
double release is a no-op and releasing a buffer from another pool is ignored —
so hot paths can release on every exit path without bookkeeping.

	buf := pool.Get(len(value))
	defer pool.Put(buf)

# Memory-mapped buffers

MappedBuffer maps an existing, non-empty file read-only or read-write and
exposes bounds-checked ReadAt/WriteAt over the mapped span, with Sync backed
by msync. Missing files, directories, empty files, and permission failures
surface as errdefs.ErrMemoryMapping so callers can pick a degraded path.
*/
package buffer
