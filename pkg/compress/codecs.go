package compress

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"

	bz2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// available reports which generic codecs this build can use. Blosc has no Go
// implementation, so adaptive selection falls through to its next preference,
// the same way the original probes availability at startup.
var available = map[Algorithm]bool{
	LZ4:      true,
	LZ4Block: true,
	Snappy:   true,
	Gzip:     true,
	Zlib:     true,
	Bzip2:    true,
	Zstd:     true,
	Blosc:    false,
	Gorilla:  true,
	Delta:    true,
	RLE:      true,
}

// Available reports whether algo can compress on this build.
func Available(algo Algorithm) bool {
	return available[algo]
}

func clampLevel(level, max int) int {
	if level < 1 {
		return 1
	}
	if level > max {
		return max
	}
	return level
}

// lz4Level maps the numeric config level onto the lz4 frame level constants.
func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 1:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	default:
		levels := []lz4.CompressionLevel{
			lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
			lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8,
		}
		return levels[level-2]
	}
}

// compressBytes applies a byte-oriented codec. Specialized codecs (gorilla,
// delta, rle) are handled by the manager before reaching here.
func compressBytes(data []byte, algo Algorithm, level int, meta *Meta) ([]byte, error) {
	switch algo {
	case LZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, errdefs.Compression("lz4 level: %v", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, errdefs.Compression("lz4: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errdefs.Compression("lz4: %v", err)
		}
		return buf.Bytes(), nil

	case LZ4Block:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, dst)
		if err != nil {
			return nil, errdefs.Compression("lz4 block: %v", err)
		}
		meta.RawLen = len(data)
		if n == 0 {
			// Incompressible; store raw and mark it.
			meta.Mode = "raw"
			return append([]byte(nil), data...), nil
		}
		return dst[:n], nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case Gzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, clampLevel(level, gzip.BestCompression))
		if err != nil {
			return nil, errdefs.Compression("gzip: %v", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, errdefs.Compression("gzip: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errdefs.Compression("gzip: %v", err)
		}
		return buf.Bytes(), nil

	case Zlib:
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, clampLevel(level, zlib.BestCompression))
		if err != nil {
			return nil, errdefs.Compression("zlib: %v", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, errdefs.Compression("zlib: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errdefs.Compression("zlib: %v", err)
		}
		return buf.Bytes(), nil

	case Bzip2:
		var buf bytes.Buffer
		zw, err := bz2.NewWriter(&buf, &bz2.WriterConfig{Level: clampLevel(level, bz2.BestCompression)})
		if err != nil {
			return nil, errdefs.Compression("bzip2: %v", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, errdefs.Compression("bzip2: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errdefs.Compression("bzip2: %v", err)
		}
		return buf.Bytes(), nil

	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(clampLevel(level, 22))))
		if err != nil {
			return nil, errdefs.Compression("zstd: %v", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil

	case Blosc:
		return nil, errdefs.Compression("blosc not available")

	default:
		return nil, errdefs.Compression("unsupported algorithm %q", algo)
	}
}

// decompressBytes inverts compressBytes.
func decompressBytes(data []byte, algo Algorithm, meta Meta) ([]byte, error) {
	switch algo {
	case LZ4:
		zr := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errdefs.Compression("lz4: %v", err)
		}
		return out, nil

	case LZ4Block:
		if meta.Mode == "raw" {
			return data, nil
		}
		dst := make([]byte, meta.RawLen)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, errdefs.Compression("lz4 block: %v", err)
		}
		return dst[:n], nil

	case Snappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errdefs.Compression("snappy: %v", err)
		}
		return out, nil

	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errdefs.Compression("gzip: %v", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errdefs.Compression("gzip: %v", err)
		}
		return out, nil

	case Zlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errdefs.Compression("zlib: %v", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errdefs.Compression("zlib: %v", err)
		}
		return out, nil

	case Bzip2:
		zr, err := bz2.NewReader(bytes.NewReader(data), nil)
		if err != nil {
			return nil, errdefs.Compression("bzip2: %v", err)
		}
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errdefs.Compression("bzip2: %v", err)
		}
		return out, nil

	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errdefs.Compression("zstd: %v", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errdefs.Compression("zstd: %v", err)
		}
		return out, nil

	case Blosc:
		return nil, errdefs.Compression("blosc not available")

	default:
		return nil, errdefs.Compression("unsupported algorithm %q", algo)
	}
}
