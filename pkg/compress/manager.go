package compress

import (
	"crypto/md5"
	"encoding/hex"
	"sync"

	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/log"
)

// Manager is the compression plane entry point. It serializes arbitrary
// values, picks a codec (adaptively unless pinned), and tracks statistics.
// Safe for concurrent use.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	stats Stats
}

// NewManager creates a compression manager with cfg. Zero-valued fields fall
// back to defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Level == 0 {
		cfg.Level = def.Level
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.AdaptiveThreshold == 0 {
		cfg.AdaptiveThreshold = def.AdaptiveThreshold
	}
	return &Manager{
		cfg: cfg,
		stats: Stats{
			ByAlgorithm: make(map[Algorithm]uint64),
		},
	}
}

// Compress serializes v and compresses it with algo. Passing Adaptive (or the
// empty string) selects an algorithm from the data's size and shape.
func (m *Manager) Compress(v interface{}, algo Algorithm) (*Result, error) {
	serialized, meta, err := serialize(v)
	if err != nil {
		m.recordFailure()
		return nil, err
	}

	if algo == "" || algo == Adaptive {
		algo = m.selectAdaptive(len(serialized), meta)
	}

	var compressed []byte
	switch algo {
	case Gorilla:
		points, err := asPoints(v)
		if err != nil {
			m.recordFailure()
			return nil, err
		}
		meta.DataType = typeSeries
		compressed, err = gorillaCompress(points, &meta)
		if err != nil {
			m.recordFailure()
			return nil, err
		}
	case Delta:
		compressed, err = deltaCompress(v, m.cfg.Level, &meta)
		if err != nil {
			m.recordFailure()
			return nil, err
		}
	case RLE:
		compressed, err = rleCompress(v, &meta)
		if err != nil {
			m.recordFailure()
			return nil, err
		}
	default:
		compressed, err = compressBytes(serialized, algo, m.cfg.Level, &meta)
		if err != nil {
			m.recordFailure()
			return nil, err
		}
	}

	result := &Result{
		Data:           compressed,
		OriginalSize:   len(serialized),
		CompressedSize: len(compressed),
		Algorithm:      algo,
		Meta:           meta,
	}
	if m.cfg.UseChecksum {
		sum := md5.Sum(compressed)
		result.Checksum = hex.EncodeToString(sum[:])
	}

	m.mu.Lock()
	m.stats.Compressions++
	m.stats.BytesIn += uint64(result.OriginalSize)
	m.stats.BytesOut += uint64(result.CompressedSize)
	m.stats.ByAlgorithm[algo]++
	m.mu.Unlock()

	return result, nil
}

// Decompress verifies the checksum when present and inverts Compress,
// returning the original value.
func (m *Manager) Decompress(r *Result) (interface{}, error) {
	if r.Checksum != "" {
		sum := md5.Sum(r.Data)
		if got := hex.EncodeToString(sum[:]); got != r.Checksum {
			m.recordFailure()
			return nil, errdefs.ChecksumMismatch(r.Checksum, got)
		}
	}

	var out interface{}
	var err error
	switch r.Algorithm {
	case Gorilla:
		out, err = gorillaDecompress(r.Data, r.Meta)
	case Delta:
		out, err = deltaDecompress(r.Data, r.Meta)
	case RLE:
		out, err = rleDecompress(r.Data, r.Meta)
	default:
		var raw []byte
		raw, err = decompressBytes(r.Data, r.Algorithm, r.Meta)
		if err == nil {
			out, err = deserialize(raw, r.Meta)
		}
	}
	if err != nil {
		m.recordFailure()
		return nil, err
	}

	m.mu.Lock()
	m.stats.Decompressions++
	m.mu.Unlock()

	return out, nil
}

// selectAdaptive picks an algorithm from data size and serialization shape.
func (m *Manager) selectAdaptive(size int, meta Meta) Algorithm {
	if meta.Subtype == "time_series" || meta.DataType == typeSeries {
		return Gorilla
	}

	if size < m.cfg.AdaptiveThreshold {
		return firstAvailable(LZ4, Snappy, Zlib)
	}

	switch meta.DataType {
	case typeJSON, typeString, typeStrings:
		return firstAvailable(Zstd, Gzip)
	case typeInts, typeFloats:
		return firstAvailable(Blosc, LZ4, Zlib)
	default:
		if m.cfg.PreferSpeed {
			return firstAvailable(LZ4, Snappy, Zlib)
		}
		return firstAvailable(Zstd, Gzip)
	}
}

func firstAvailable(preferences ...Algorithm) Algorithm {
	for _, algo := range preferences {
		if available[algo] {
			return algo
		}
	}
	return Zlib
}

func asPoints(v interface{}) ([]Point, error) {
	switch series := v.(type) {
	case []Point:
		return series, nil
	case [][2]float64:
		points := make([]Point, len(series))
		for i, pair := range series {
			points[i] = Point{Timestamp: int64(pair[0]), Value: pair[1]}
		}
		return points, nil
	default:
		return nil, errdefs.Compression("gorilla codec requires a time series, got %T", v)
	}
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byAlgo := make(map[Algorithm]uint64, len(m.stats.ByAlgorithm))
	for algo, n := range m.stats.ByAlgorithm {
		byAlgo[algo] = n
	}
	snapshot := m.stats
	snapshot.ByAlgorithm = byAlgo
	return snapshot
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	m.stats.Failures++
	m.mu.Unlock()
	compressLog := log.WithComponent("compress")
	compressLog.Debug().Msg("compression operation failed")
}
