package compress

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// gorillaTimestamps is the delta-of-delta header for the timestamp stream.
type gorillaTimestamps struct {
	First      int64   `json:"first"`
	FirstDelta int64   `json:"first_delta"`
	Deltas     []int64 `json:"deltas"`
}

// gorillaCompress encodes a time series: timestamps as delta-of-delta,
// values as XOR against the previous IEEE-754 bit pattern with a one-byte
// same/different flag. Both streams are gzip-packed; the XOR pipeline is
// lossless so floats round-trip bit for bit.
//
// Layout: u32 LE timestamp-section length | timestamp section | value section.
func gorillaCompress(points []Point, meta *Meta) ([]byte, error) {
	meta.Count = len(points)
	meta.Subtype = "time_series"
	meta.HasTimestamps = true
	if len(points) == 0 {
		return []byte{}, nil
	}

	timestamps := make([]int64, len(points))
	values := make([]float64, len(points))
	for i, p := range points {
		timestamps[i] = p.Timestamp
		values[i] = p.Value
	}

	tsSection, err := gorillaCompressTimestamps(timestamps)
	if err != nil {
		return nil, err
	}
	valSection, err := gorillaCompressValues(values)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4, 4+len(tsSection)+len(valSection))
	binary.LittleEndian.PutUint32(out, uint32(len(tsSection)))
	out = append(out, tsSection...)
	out = append(out, valSection...)
	return out, nil
}

func gorillaCompressTimestamps(timestamps []int64) ([]byte, error) {
	header := gorillaTimestamps{First: timestamps[0]}
	if len(timestamps) > 1 {
		header.FirstDelta = timestamps[1] - timestamps[0]
		prevDelta := header.FirstDelta
		for i := 2; i < len(timestamps); i++ {
			delta := timestamps[i] - timestamps[i-1]
			header.Deltas = append(header.Deltas, delta-prevDelta)
			prevDelta = delta
		}
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return nil, errdefs.Compression("gorilla timestamps: %v", err)
	}
	return gzipPack(raw)
}

func gorillaCompressValues(values []float64) ([]byte, error) {
	var stream bytes.Buffer

	prev := math.Float64bits(values[0])
	var first [8]byte
	binary.LittleEndian.PutUint64(first[:], prev)
	stream.Write(first[:])

	for _, v := range values[1:] {
		cur := math.Float64bits(v)
		xor := prev ^ cur
		if xor == 0 {
			stream.WriteByte(0)
		} else {
			stream.WriteByte(1)
			var enc [8]byte
			binary.LittleEndian.PutUint64(enc[:], xor)
			stream.Write(enc[:])
		}
		prev = cur
	}

	return gzipPack(stream.Bytes())
}

// gorillaDecompress inverts gorillaCompress.
func gorillaDecompress(data []byte, meta Meta) ([]Point, error) {
	if len(data) == 0 {
		return []Point{}, nil
	}
	if len(data) < 4 {
		return nil, errdefs.Compression("gorilla payload truncated")
	}

	tsLen := int(binary.LittleEndian.Uint32(data))
	if 4+tsLen > len(data) {
		return nil, errdefs.Compression("gorilla timestamp section truncated")
	}

	values, err := gorillaDecompressValues(data[4+tsLen:])
	if err != nil {
		return nil, err
	}
	timestamps, err := gorillaDecompressTimestamps(data[4:4+tsLen], len(values))
	if err != nil {
		return nil, err
	}
	if len(timestamps) != len(values) {
		return nil, errdefs.Compression("gorilla stream length mismatch: %d timestamps, %d values", len(timestamps), len(values))
	}

	points := make([]Point, len(values))
	for i := range values {
		points[i] = Point{Timestamp: timestamps[i], Value: values[i]}
	}
	return points, nil
}

func gorillaDecompressTimestamps(section []byte, count int) ([]int64, error) {
	raw, err := gzipUnpack(section)
	if err != nil {
		return nil, err
	}
	var header gorillaTimestamps
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, errdefs.Compression("gorilla timestamps: %v", err)
	}

	timestamps := []int64{header.First}
	if count > 1 {
		timestamps = append(timestamps, header.First+header.FirstDelta)
		delta := header.FirstDelta
		for _, dod := range header.Deltas {
			delta += dod
			timestamps = append(timestamps, timestamps[len(timestamps)-1]+delta)
		}
	}
	return timestamps, nil
}

func gorillaDecompressValues(section []byte) ([]float64, error) {
	data, err := gzipUnpack(section)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, errdefs.Compression("gorilla value stream truncated")
	}

	prev := binary.LittleEndian.Uint64(data[:8])
	values := []float64{math.Float64frombits(prev)}
	offset := 8

	for offset < len(data) {
		flag := data[offset]
		offset++
		switch flag {
		case 0:
			values = append(values, math.Float64frombits(prev))
		case 1:
			if offset+8 > len(data) {
				return nil, errdefs.Compression("gorilla value stream truncated")
			}
			xor := binary.LittleEndian.Uint64(data[offset : offset+8])
			offset += 8
			prev ^= xor
			values = append(values, math.Float64frombits(prev))
		default:
			return nil, errdefs.Compression("gorilla value stream: bad flag %d", flag)
		}
	}
	return values, nil
}

func gzipPack(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, errdefs.Compression("gzip pack: %v", err)
	}
	if err := zw.Close(); err != nil {
		return nil, errdefs.Compression("gzip pack: %v", err)
	}
	return buf.Bytes(), nil
}

func gzipUnpack(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errdefs.Compression("gzip unpack: %v", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errdefs.Compression("gzip unpack: %v", err)
	}
	return out, nil
}
