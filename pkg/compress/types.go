package compress

// Algorithm identifies a compression codec. Selection is exhaustive matching
// over these variants; there is no runtime registry.
type Algorithm string

const (
	LZ4      Algorithm = "lz4"
	LZ4Block Algorithm = "lz4_block"
	Snappy   Algorithm = "snappy"
	Gzip     Algorithm = "gzip"
	Zlib     Algorithm = "zlib"
	Bzip2    Algorithm = "bzip2"
	Zstd     Algorithm = "zstd"
	Blosc    Algorithm = "blosc"
	Gorilla  Algorithm = "gorilla"
	Delta    Algorithm = "delta"
	RLE      Algorithm = "rle"
	Adaptive Algorithm = "adaptive"
)

// Point is one time-series sample. A []Point input engages the Gorilla codec
// under adaptive selection.
type Point struct {
	Timestamp int64   `json:"t"`
	Value     float64 `json:"v"`
}

// Meta describes how a payload was serialized before compression; it is
// required to invert Decompress exactly.
type Meta struct {
	DataType      string `json:"data_type"`
	Subtype       string `json:"subtype,omitempty"`
	Count         int    `json:"count,omitempty"`
	RawLen        int    `json:"raw_len,omitempty"`
	HasTimestamps bool   `json:"has_timestamps,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

// Data type tags used in Meta.DataType.
const (
	typeBytes   = "bytes"
	typeString  = "string"
	typeJSON    = "json"
	typeInts    = "numeric_int"
	typeFloats  = "numeric_float"
	typeSeries  = "time_series"
	typeStrings = "string_sequence"
	typeMixed   = "mixed_sequence"
)

// Result is the outcome of a compression operation.
type Result struct {
	Data           []byte    `json:"data"`
	OriginalSize   int       `json:"original_size"`
	CompressedSize int       `json:"compressed_size"`
	Algorithm      Algorithm `json:"algorithm"`
	Meta           Meta      `json:"meta"`
	Checksum       string    `json:"checksum,omitempty"`
}

// Ratio returns original/compressed size, zero when empty.
func (r *Result) Ratio() float64 {
	if r.CompressedSize == 0 {
		return 0
	}
	return float64(r.OriginalSize) / float64(r.CompressedSize)
}

// SpaceSaved returns bytes saved by compression; negative on expansion.
func (r *Result) SpaceSaved() int {
	return r.OriginalSize - r.CompressedSize
}

// Config holds compression plane settings.
type Config struct {
	Level             int  `yaml:"level"`
	UseChecksum       bool `yaml:"use_checksum"`
	EnableStreaming   bool `yaml:"enable_streaming"`
	ChunkSize         int  `yaml:"chunk_size"`
	AdaptiveThreshold int  `yaml:"adaptive_threshold"`
	PreferSpeed       bool `yaml:"prefer_speed"`
}

// DefaultConfig returns the standard compression settings.
func DefaultConfig() Config {
	return Config{
		Level:             1,
		UseChecksum:       true,
		EnableStreaming:   false,
		ChunkSize:         64 << 10,
		AdaptiveThreshold: 1024,
		PreferSpeed:       true,
	}
}

// Stats tracks cumulative compression plane counters.
type Stats struct {
	Compressions   uint64
	Decompressions uint64
	BytesIn        uint64
	BytesOut       uint64
	Failures       uint64
	ByAlgorithm    map[Algorithm]uint64
}
