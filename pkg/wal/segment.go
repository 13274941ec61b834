package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// segment is one append-only WAL file holding a contiguous run of sequence
// numbers. Only the highest-id segment is writable.
type segment struct {
	id   int
	path string

	file       *os.File
	size       int64
	entryCount int
	firstSeq   uint64
	lastSeq    uint64
	closed     bool
}

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%06d.log", id))
}

func openSegment(dir string, id int) (*segment, error) {
	s := &segment{id: id, path: segmentPath(dir, id)}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errdefs.WalIO(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errdefs.WalIO(err)
	}

	s.file = file
	s.size = info.Size()
	return s, nil
}

func (s *segment) write(encoded []byte, seq uint64) error {
	if s.closed || s.file == nil {
		return errdefs.WalIO(fmt.Errorf("segment %d closed", s.id))
	}
	if _, err := s.file.Write(encoded); err != nil {
		return errdefs.WalIO(err)
	}
	s.size += int64(len(encoded))
	s.entryCount++
	if s.firstSeq == 0 {
		s.firstSeq = seq
	}
	s.lastSeq = seq
	return nil
}

func (s *segment) sync() error {
	if s.closed || s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return errdefs.WalIO(err)
	}
	return nil
}

func (s *segment) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	if err != nil {
		return errdefs.WalIO(err)
	}
	return nil
}

func (s *segment) isFull(segmentSizeMB int) bool {
	return s.size >= int64(segmentSizeMB)<<20
}

// readAll decodes every valid entry in the segment. A corrupt or truncated
// entry terminates iteration of this segment; entries decoded before it are
// still returned.
func (s *segment) readAll() ([]*Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.WalIO(err)
	}

	var entries []*Entry
	offset := 0
	for offset < len(data) {
		entry, n, err := DecodeEntry(data[offset:])
		if err != nil {
			// Corruption ends this segment's iteration only.
			return entries, nil
		}
		entries = append(entries, entry)
		offset += n
	}
	return entries, nil
}
