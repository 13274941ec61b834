package compress

import (
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// CompressStream copies r to w through algo's streaming encoder, in chunks of
// the configured chunk size. Only the byte-oriented codecs stream; the
// specialized codecs (gorilla, delta, rle) operate on whole values.
func (m *Manager) CompressStream(w io.Writer, r io.Reader, algo Algorithm) (int64, error) {
	if algo == "" || algo == Adaptive {
		algo = firstAvailable(LZ4, Snappy, Zlib)
	}

	var (
		enc io.WriteCloser
		err error
	)
	switch algo {
	case LZ4:
		enc = lz4.NewWriter(w)
	case Snappy:
		enc = snappy.NewBufferedWriter(w)
	case Gzip:
		enc, err = gzip.NewWriterLevel(w, clampLevel(m.cfg.Level, gzip.BestCompression))
	case Zlib:
		enc, err = zlib.NewWriterLevel(w, clampLevel(m.cfg.Level, zlib.BestCompression))
	case Zstd:
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(clampLevel(m.cfg.Level, 22))))
	default:
		return 0, errdefs.Compression("algorithm %q does not support streaming", algo)
	}
	if err != nil {
		return 0, errdefs.Compression("stream encoder: %v", err)
	}

	n, err := io.CopyBuffer(enc, r, make([]byte, m.cfg.ChunkSize))
	if err != nil {
		enc.Close()
		return n, errdefs.Compression("stream compress: %v", err)
	}
	if err := enc.Close(); err != nil {
		return n, errdefs.Compression("stream compress: %v", err)
	}
	return n, nil
}

// DecompressStream copies r to w through algo's streaming decoder.
func (m *Manager) DecompressStream(w io.Writer, r io.Reader, algo Algorithm) (int64, error) {
	var (
		dec io.Reader
		err error
	)
	switch algo {
	case LZ4:
		dec = lz4.NewReader(r)
	case Snappy:
		dec = snappy.NewReader(r)
	case Gzip:
		dec, err = gzip.NewReader(r)
	case Zlib:
		dec, err = zlib.NewReader(r)
	case Zstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(r)
		if err == nil {
			defer zr.Close()
			dec = zr
		}
	default:
		return 0, errdefs.Compression("algorithm %q does not support streaming", algo)
	}
	if err != nil {
		return 0, errdefs.Compression("stream decoder: %v", err)
	}

	n, err := io.CopyBuffer(w, dec, make([]byte, m.cfg.ChunkSize))
	if err != nil {
		return n, errdefs.Compression("stream decompress: %v", err)
	}
	return n, nil
}

// CompressValue is a convenience for the shard hot path: it compresses raw
// bytes and returns the result only when compression actually saved space.
func (m *Manager) CompressValue(value []byte) (*Result, bool) {
	result, err := m.Compress(value, Adaptive)
	if err != nil || result.CompressedSize >= len(value) {
		return nil, false
	}
	return result, true
}
