/*
Package compress implements Meridian's pluggable compression plane: generic
byte codecs, specialized sequence codecs, and adaptive selection.

Generic codecs are backed by their ecosystem implementations — LZ4 frames and
blocks (pierrec/lz4), Snappy and Zstandard (klauspost/compress), bzip2 writing
(dsnet/compress) — plus the standard gzip and zlib. Blosc has no Go
implementation; it is declared unavailable and adaptive selection falls
through to the next preference.

Specialized codecs:

  - Gorilla: time series as delta-of-delta timestamps plus XOR-encoded
    IEEE-754 values. The XOR pipeline is lossless, so floats round-trip bit
    for bit.
  - Delta: numeric sequences as two-level deltas, string sequences by common
    prefix extraction, mixed sequences per-element tagged.
  - RLE: run-length encoding with single-byte counts for byte streams (runs
    over 255 split) and JSON runs for element sequences.

Adaptive selection keys off the serialized size and data shape: small
payloads take the fast ladder (LZ4, Snappy, Zlib), text takes Zstd/Gzip,
numeric data takes Blosc/LZ4/Zlib, and any sequence of 2-tuples is treated as
a time series and compressed with Gorilla.

Every Compress result carries the metadata required to invert the operation
exactly, and an optional md5 checksum verified on Decompress.
*/
package compress
