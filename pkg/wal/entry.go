package wal

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// EntryType identifies a WAL record kind.
type EntryType int

const (
	EntrySet EntryType = iota + 1
	EntryDelete
	EntryExpire
	EntryClear
	EntryBeginTx
	EntryCommitTx
	EntryRollbackTx
	EntryCheckpoint
	EntryCRDTMerge
	EntryBatchStart
	EntryBatchEnd
)

func (t EntryType) String() string {
	switch t {
	case EntrySet:
		return "SET"
	case EntryDelete:
		return "DELETE"
	case EntryExpire:
		return "EXPIRE"
	case EntryClear:
		return "CLEAR"
	case EntryBeginTx:
		return "BEGIN_TX"
	case EntryCommitTx:
		return "COMMIT_TX"
	case EntryRollbackTx:
		return "ROLLBACK_TX"
	case EntryCheckpoint:
		return "CHECKPOINT"
	case EntryCRDTMerge:
		return "CRDT_MERGE"
	case EntryBatchStart:
		return "BATCH_START"
	case EntryBatchEnd:
		return "BATCH_END"
	default:
		return "UNKNOWN"
	}
}

// magic prefixes every on-disk entry.
var magic = []byte("WAL1")

const headerSize = 12

// Entry is one WAL record.
type Entry struct {
	Type      EntryType              `json:"type"`
	Sequence  uint64                 `json:"seq"`
	Timestamp int64                  `json:"ts"` // microseconds
	Key       string                 `json:"key,omitempty"`
	Value     json.RawMessage        `json:"value,omitempty"`
	TxID      string                 `json:"tx_id,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`

	// Checksum is filled in when the entry is read back from disk.
	Checksum uint32 `json:"-"`
}

// ValueBytes decodes the entry value back to raw bytes. Byte values marshal
// as base64 JSON strings inside the payload.
func (e *Entry) ValueBytes() []byte {
	if len(e.Value) == 0 {
		return nil
	}
	var b []byte
	if err := json.Unmarshal(e.Value, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(e.Value, &s); err == nil {
		return []byte(s)
	}
	return e.Value
}

// walPayload is the serialized JSON shape. Field order and names are part of
// the on-disk contract.
type walPayload struct {
	Type  int                    `json:"type"`
	Seq   uint64                 `json:"seq"`
	TS    int64                  `json:"ts"`
	Key   *string                `json:"key"`
	Value json.RawMessage        `json:"value"`
	TxID  *string                `json:"tx_id"`
	Meta  map[string]interface{} `json:"meta"`
}

// Encode serializes the entry to its on-disk form:
// "WAL1" | u32 crc32(compressed payload) | u32 length | zlib(JSON payload),
// header fields big-endian, CRC computed with the zlib polynomial.
func (e *Entry) Encode() ([]byte, error) {
	payload := walPayload{
		Type:  int(e.Type),
		Seq:   e.Sequence,
		TS:    e.Timestamp,
		Value: e.Value,
		Meta:  e.Meta,
	}
	if e.Key != "" {
		payload.Key = &e.Key
	}
	if e.TxID != "" {
		payload.TxID = &e.TxID
	}
	if payload.Meta == nil {
		payload.Meta = map[string]interface{}{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errdefs.WalIO(err)
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(raw); err != nil {
		return nil, errdefs.WalIO(err)
	}
	if err := zw.Close(); err != nil {
		return nil, errdefs.WalIO(err)
	}

	body := compressed.Bytes()
	out := make([]byte, headerSize+len(body))
	copy(out, magic)
	binary.BigEndian.PutUint32(out[4:], crc32.ChecksumIEEE(body))
	binary.BigEndian.PutUint32(out[8:], uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// DecodeEntry parses one entry from data, returning the entry and the number
// of bytes consumed.
func DecodeEntry(data []byte) (*Entry, int, error) {
	if len(data) < headerSize {
		return nil, 0, errdefs.WalCorrupt("entry too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], magic) {
		return nil, 0, errdefs.WalCorrupt("bad magic %q", data[:4])
	}

	checksum := binary.BigEndian.Uint32(data[4:8])
	length := int(binary.BigEndian.Uint32(data[8:12]))
	if len(data) < headerSize+length {
		return nil, 0, errdefs.WalCorrupt("entry truncated: want %d payload bytes, have %d", length, len(data)-headerSize)
	}

	body := data[headerSize : headerSize+length]
	if got := crc32.ChecksumIEEE(body); got != checksum {
		return nil, 0, errdefs.ChecksumMismatch(checksum, got)
	}

	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, errdefs.WalCorrupt("payload: %v", err)
	}
	raw, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return nil, 0, errdefs.WalCorrupt("payload: %v", err)
	}

	var payload walPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, 0, errdefs.WalCorrupt("payload json: %v", err)
	}

	entry := &Entry{
		Type:      EntryType(payload.Type),
		Sequence:  payload.Seq,
		Timestamp: payload.TS,
		Value:     payload.Value,
		Meta:      payload.Meta,
		Checksum:  checksum,
	}
	if payload.Key != nil {
		entry.Key = *payload.Key
	}
	if payload.TxID != nil {
		entry.TxID = *payload.TxID
	}
	return entry, headerSize + length, nil
}
