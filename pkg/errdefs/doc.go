/*
Package errdefs defines the error kinds shared across Meridian's storage and
consensus subsystems.

Errors are enumerated kinds rather than bespoke types: each kind is a sentinel
error matched with errors.Is, and helper constructors wrap an underlying cause
with fmt.Errorf and %w so both the kind and the cause survive unwrapping.

	seq, err := w.WriteEntry(wal.EntrySet, key, value, "", nil)
	if errors.Is(err, errdefs.ErrWalIO) {
		// degrade to the in-memory ring
	}
*/
package errdefs
