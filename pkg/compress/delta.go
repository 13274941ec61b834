package compress

import (
	"encoding/json"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// Delta codec modes recorded in Meta.Mode.
const (
	deltaNumeric = "numeric"
	deltaString  = "string"
	deltaMixed   = "mixed"
)

type deltaNumericPayload struct {
	First      int64   `json:"first"`
	FirstDelta int64   `json:"first_delta"`
	Dods       []int64 `json:"dods"`
}

type deltaStringPayload struct {
	Prefix   string   `json:"prefix"`
	Suffixes []string `json:"suffixes"`
}

type deltaMixedElement struct {
	Kind  string      `json:"kind"`
	Value interface{} `json:"value"`
}

// deltaCompress encodes sequential data: numeric sequences as two-level
// deltas, string sequences as common-prefix extraction, and mixed sequences
// as per-element tagged values. The encoded payload is zlib-packed JSON.
func deltaCompress(v interface{}, level int, meta *Meta) ([]byte, error) {
	switch seq := v.(type) {
	case []int64:
		meta.Mode = deltaNumeric
		meta.Count = len(seq)
		payload := deltaNumericPayload{}
		if len(seq) > 0 {
			payload.First = seq[0]
		}
		if len(seq) > 1 {
			payload.FirstDelta = seq[1] - seq[0]
			prevDelta := payload.FirstDelta
			for i := 2; i < len(seq); i++ {
				delta := seq[i] - seq[i-1]
				payload.Dods = append(payload.Dods, delta-prevDelta)
				prevDelta = delta
			}
		}
		return deltaPack(payload, level)

	case []int:
		converted := make([]int64, len(seq))
		for i, n := range seq {
			converted[i] = int64(n)
		}
		return deltaCompress(converted, level, meta)

	case []string:
		meta.Mode = deltaString
		meta.Count = len(seq)
		payload := deltaStringPayload{Prefix: commonPrefix(seq)}
		payload.Suffixes = make([]string, len(seq))
		for i, s := range seq {
			payload.Suffixes[i] = s[len(payload.Prefix):]
		}
		return deltaPack(payload, level)

	case []interface{}:
		meta.Mode = deltaMixed
		meta.Count = len(seq)
		elements := make([]deltaMixedElement, len(seq))
		for i, e := range seq {
			switch e.(type) {
			case string:
				elements[i] = deltaMixedElement{Kind: "string", Value: e}
			case float64, int, int64:
				elements[i] = deltaMixedElement{Kind: "number", Value: e}
			case bool:
				elements[i] = deltaMixedElement{Kind: "bool", Value: e}
			case nil:
				elements[i] = deltaMixedElement{Kind: "null"}
			default:
				elements[i] = deltaMixedElement{Kind: "json", Value: e}
			}
		}
		return deltaPack(elements, level)

	default:
		return nil, errdefs.Compression("delta codec requires a sequence, got %T", v)
	}
}

// deltaDecompress inverts deltaCompress per Meta.Mode.
func deltaDecompress(data []byte, meta Meta) (interface{}, error) {
	switch meta.Mode {
	case deltaNumeric:
		var payload deltaNumericPayload
		if err := deltaUnpack(data, &payload); err != nil {
			return nil, err
		}
		out := make([]int64, 0, meta.Count)
		if meta.Count > 0 {
			out = append(out, payload.First)
		}
		if meta.Count > 1 {
			out = append(out, payload.First+payload.FirstDelta)
			delta := payload.FirstDelta
			for _, dod := range payload.Dods {
				delta += dod
				out = append(out, out[len(out)-1]+delta)
			}
		}
		return out, nil

	case deltaString:
		var payload deltaStringPayload
		if err := deltaUnpack(data, &payload); err != nil {
			return nil, err
		}
		out := make([]string, len(payload.Suffixes))
		for i, suffix := range payload.Suffixes {
			out[i] = payload.Prefix + suffix
		}
		return out, nil

	case deltaMixed:
		var elements []deltaMixedElement
		if err := deltaUnpack(data, &elements); err != nil {
			return nil, err
		}
		out := make([]interface{}, len(elements))
		for i, e := range elements {
			out[i] = e.Value
		}
		return out, nil

	default:
		return nil, errdefs.Compression("unknown delta mode %q", meta.Mode)
	}
}

func deltaPack(payload interface{}, level int) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errdefs.Compression("delta: %v", err)
	}
	meta := Meta{}
	return compressBytes(raw, Zlib, level, &meta)
}

func deltaUnpack(data []byte, out interface{}) error {
	raw, err := decompressBytes(data, Zlib, Meta{})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errdefs.Compression("delta: %v", err)
	}
	return nil
}

func commonPrefix(values []string) string {
	if len(values) == 0 {
		return ""
	}
	prefix := values[0]
	for _, s := range values[1:] {
		for len(prefix) > 0 && (len(s) < len(prefix) || s[:len(prefix)] != prefix) {
			prefix = prefix[:len(prefix)-1]
		}
		if prefix == "" {
			break
		}
	}
	return prefix
}
