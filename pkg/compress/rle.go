package compress

import (
	"encoding/json"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// RLE codec modes recorded in Meta.Mode.
const (
	rleBytes    = "bytes"
	rleElements = "elements"
)

type rleRun struct {
	Count int         `json:"count"`
	Value interface{} `json:"value"`
}

// rleCompress run-length encodes input. Byte inputs become (count, byte)
// pairs with counts capped at 255 — longer runs split into multiple pairs.
// Element sequences become JSON (count, element) runs.
func rleCompress(v interface{}, meta *Meta) ([]byte, error) {
	switch data := v.(type) {
	case []byte:
		meta.Mode = rleBytes
		meta.RawLen = len(data)
		return rleCompressBytes(data), nil
	case string:
		meta.Mode = rleBytes
		meta.DataType = typeString
		meta.RawLen = len(data)
		return rleCompressBytes([]byte(data)), nil
	case []interface{}:
		meta.Mode = rleElements
		meta.Count = len(data)
		runs := make([]rleRun, 0)
		for i := 0; i < len(data); {
			j := i
			for j < len(data) && equalJSON(data[j], data[i]) {
				j++
			}
			runs = append(runs, rleRun{Count: j - i, Value: data[i]})
			i = j
		}
		out, err := json.Marshal(runs)
		if err != nil {
			return nil, errdefs.Compression("rle: %v", err)
		}
		return out, nil
	default:
		return nil, errdefs.Compression("rle codec requires bytes or a sequence, got %T", v)
	}
}

func rleCompressBytes(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		run := 1
		for i+run < len(data) && data[i+run] == data[i] && run < 255 {
			run++
		}
		out = append(out, byte(run), data[i])
		i += run
	}
	return out
}

// rleDecompress inverts rleCompress per Meta.Mode.
func rleDecompress(data []byte, meta Meta) (interface{}, error) {
	switch meta.Mode {
	case rleBytes:
		if len(data)%2 != 0 {
			return nil, errdefs.Compression("rle byte stream truncated")
		}
		out := make([]byte, 0, meta.RawLen)
		for i := 0; i < len(data); i += 2 {
			count := int(data[i])
			for j := 0; j < count; j++ {
				out = append(out, data[i+1])
			}
		}
		if meta.DataType == typeString {
			return string(out), nil
		}
		return out, nil

	case rleElements:
		var runs []rleRun
		if err := json.Unmarshal(data, &runs); err != nil {
			return nil, errdefs.Compression("rle: %v", err)
		}
		out := make([]interface{}, 0, meta.Count)
		for _, run := range runs {
			for i := 0; i < run.Count; i++ {
				out = append(out, run.Value)
			}
		}
		return out, nil

	default:
		return nil, errdefs.Compression("unknown rle mode %q", meta.Mode)
	}
}

func equalJSON(a, b interface{}) bool {
	if a == b {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
