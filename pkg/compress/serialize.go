package compress

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// serialize converts an input value into bytes plus the metadata needed to
// invert the conversion. Raw bytes and strings pass through; numeric slices
// and time series get typed little-endian encodings; everything else is JSON.
func serialize(v interface{}) ([]byte, Meta, error) {
	switch val := v.(type) {
	case []byte:
		return val, Meta{DataType: typeBytes}, nil
	case string:
		return []byte(val), Meta{DataType: typeString}, nil
	case []int64:
		data := make([]byte, 8*len(val))
		for i, n := range val {
			binary.LittleEndian.PutUint64(data[i*8:], uint64(n))
		}
		return data, Meta{DataType: typeInts, Count: len(val)}, nil
	case []int:
		converted := make([]int64, len(val))
		for i, n := range val {
			converted[i] = int64(n)
		}
		data, meta, err := serialize(converted)
		return data, meta, err
	case []float64:
		data := make([]byte, 8*len(val))
		for i, f := range val {
			binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(f))
		}
		return data, Meta{DataType: typeFloats, Count: len(val)}, nil
	case []Point:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, Meta{}, errdefs.Compression("serialize time series: %v", err)
		}
		return data, Meta{DataType: typeSeries, Subtype: "time_series", Count: len(val), HasTimestamps: true}, nil
	case [][2]float64:
		// A sequence of 2-tuples is treated as a time series.
		points := make([]Point, len(val))
		for i, pair := range val {
			points[i] = Point{Timestamp: int64(pair[0]), Value: pair[1]}
		}
		return serialize(points)
	case []string:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, Meta{}, errdefs.Compression("serialize strings: %v", err)
		}
		return data, Meta{DataType: typeStrings, Count: len(val)}, nil
	case []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, Meta{}, errdefs.Compression("serialize sequence: %v", err)
		}
		return data, Meta{DataType: typeMixed, Count: len(val)}, nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, Meta{}, errdefs.Compression("serialize: %v", err)
		}
		return data, Meta{DataType: typeJSON}, nil
	}
}

// deserialize inverts serialize.
func deserialize(data []byte, meta Meta) (interface{}, error) {
	switch meta.DataType {
	case typeBytes:
		return data, nil
	case typeString:
		return string(data), nil
	case typeInts:
		if len(data)%8 != 0 {
			return nil, errdefs.Compression("numeric payload not 8-byte aligned")
		}
		out := make([]int64, len(data)/8)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	case typeFloats:
		if len(data)%8 != 0 {
			return nil, errdefs.Compression("numeric payload not 8-byte aligned")
		}
		out := make([]float64, len(data)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	case typeSeries:
		var out []Point
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, errdefs.Compression("deserialize time series: %v", err)
		}
		return out, nil
	case typeStrings:
		var out []string
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, errdefs.Compression("deserialize strings: %v", err)
		}
		return out, nil
	case typeMixed:
		var out []interface{}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, errdefs.Compression("deserialize sequence: %v", err)
		}
		return out, nil
	case typeJSON:
		var out interface{}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, errdefs.Compression("deserialize: %v", err)
		}
		return out, nil
	default:
		return nil, errdefs.Compression("unknown data type %q", meta.DataType)
	}
}
