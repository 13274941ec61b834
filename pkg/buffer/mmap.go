package buffer

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

// MapMode selects how a file is mapped.
type MapMode int

const (
	// MapRead maps the file read-only.
	MapRead MapMode = iota
	// MapReadWrite maps the file for reading and writing.
	MapReadWrite
)

// MappedBuffer is a memory-mapped view over a file, supporting slice reads
// and writes via offset and length. Close is idempotent.
type MappedBuffer struct {
	path string
	mode MapMode

	mu     sync.RWMutex
	file   *os.File
	data   []byte
	closed bool
}

// OpenMapped maps the file at path. The file must exist and be non-empty;
// directories and permission failures surface as memory mapping errors.
func OpenMapped(path string, mode MapMode) (*MappedBuffer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errdefs.MemoryMapping(err)
	}
	if info.IsDir() {
		return nil, errdefs.MemoryMapping(fmt.Errorf("%s is a directory", path))
	}
	if info.Size() == 0 {
		return nil, errdefs.MemoryMapping(fmt.Errorf("%s is empty", path))
	}

	flags := os.O_RDONLY
	prot := unix.PROT_READ
	if mode == MapReadWrite {
		flags = os.O_RDWR
		prot |= unix.PROT_WRITE
	}

	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errdefs.MemoryMapping(err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, errdefs.MemoryMapping(err)
	}

	return &MappedBuffer{
		path: path,
		mode: mode,
		file: file,
		data: data,
	}, nil
}

// Size returns the mapped length in bytes.
func (m *MappedBuffer) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// ReadAt copies length bytes starting at offset.
func (m *MappedBuffer) ReadAt(offset, length int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errdefs.MemoryMapping(fmt.Errorf("buffer closed"))
	}
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return nil, errdefs.MemoryMapping(fmt.Errorf("read [%d:%d) out of bounds (size %d)", offset, offset+length, len(m.data)))
	}

	out := make([]byte, length)
	copy(out, m.data[offset:offset+length])
	return out, nil
}

// WriteAt copies data into the mapping at offset. The mapping must be
// read-write and the span must fit inside the mapped region.
func (m *MappedBuffer) WriteAt(data []byte, offset int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errdefs.MemoryMapping(fmt.Errorf("buffer closed"))
	}
	if m.mode != MapReadWrite {
		return 0, errdefs.MemoryMapping(fmt.Errorf("%s mapped read-only", m.path))
	}
	if offset < 0 || offset+len(data) > len(m.data) {
		return 0, errdefs.MemoryMapping(fmt.Errorf("write [%d:%d) out of bounds (size %d)", offset, offset+len(data), len(m.data)))
	}

	copy(m.data[offset:], data)
	return len(data), nil
}

// Sync flushes mapped writes to the backing file.
func (m *MappedBuffer) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return errdefs.MemoryMapping(err)
	}
	return nil
}

// Close unmaps the region and closes the file. Safe to call more than once.
func (m *MappedBuffer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	err := unix.Munmap(m.data)
	m.data = nil
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errdefs.MemoryMapping(err)
	}
	return nil
}
