package buffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/pkg/errdefs"
)

func TestPoolGetReturnsClearedBuffer(t *testing.T) {
	pool := NewPool(PoolConfig{MinBuffers: 1, MaxBuffers: 4, DefaultSize: 64})

	buf := pool.Get(32)
	require.NotNil(t, buf)
	require.GreaterOrEqual(t, buf.Cap(), 32)

	for i := range buf.Bytes() {
		buf.Bytes()[i] = 0xff
	}
	pool.Put(buf)

	again := pool.Get(32)
	for _, b := range again.Bytes() {
		assert.Equal(t, byte(0), b)
	}
}

func TestPoolCacheHit(t *testing.T) {
	pool := NewPool(PoolConfig{MinBuffers: 0, MaxBuffers: 2, DefaultSize: 64})

	buf := pool.Get(64)
	pool.Put(buf)
	pool.Get(64)

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.CacheHits)
}

func TestPoolTransientBeyondMax(t *testing.T) {
	pool := NewPool(PoolConfig{MinBuffers: 0, MaxBuffers: 1, DefaultSize: 16})

	held := pool.Get(16)
	transient := pool.Get(16)
	require.NotNil(t, transient)

	// Releasing a transient buffer must not grow the pool.
	pool.Put(transient)
	pool.Put(held)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.PooledBuffers)
	assert.Equal(t, 1, stats.TotalBuffers)
}

func TestPoolDoubleReleaseNoOp(t *testing.T) {
	pool := NewPool(PoolConfig{MinBuffers: 0, MaxBuffers: 4, DefaultSize: 16})

	buf := pool.Get(16)
	pool.Put(buf)
	pool.Put(buf)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.PooledBuffers)
	assert.Equal(t, uint64(1), stats.Deallocations)
}

func TestPoolForeignReleaseIgnored(t *testing.T) {
	pool := NewPool(PoolConfig{MinBuffers: 0, MaxBuffers: 4, DefaultSize: 16})
	other := NewPool(PoolConfig{MinBuffers: 0, MaxBuffers: 4, DefaultSize: 16})

	buf := other.Get(16)
	pool.Put(buf)

	assert.Equal(t, 0, pool.Stats().PooledBuffers)
}

func TestMappedBufferReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello mapped world"), 0o644))

	m, err := OpenMapped(path, MapReadWrite)
	require.NoError(t, err)
	defer m.Close()

	got, err := m.ReadAt(6, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("mapped"), got)

	n, err := m.WriteAt([]byte("MAPPED"), 6)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	require.NoError(t, m.Sync())

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello MAPPED world", string(onDisk))
}

func TestMappedBufferReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("readonly"), 0o644))

	m, err := OpenMapped(path, MapRead)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, errdefs.ErrMemoryMapping)
}

func TestMappedBufferErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenMapped(filepath.Join(dir, "missing"), MapRead)
	assert.ErrorIs(t, err, errdefs.ErrMemoryMapping)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = OpenMapped(empty, MapRead)
	assert.ErrorIs(t, err, errdefs.ErrMemoryMapping)

	_, err = OpenMapped(dir, MapRead)
	assert.ErrorIs(t, err, errdefs.ErrMemoryMapping)
}

func TestMappedBufferBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	m, err := OpenMapped(path, MapReadWrite)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadAt(8, 4)
	assert.ErrorIs(t, err, errdefs.ErrMemoryMapping)

	_, err = m.WriteAt([]byte("xxxx"), 8)
	assert.ErrorIs(t, err, errdefs.ErrMemoryMapping)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
