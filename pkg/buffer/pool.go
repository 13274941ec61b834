package buffer

import (
	"sync"
)

// Buffer is a pooled byte buffer. Buffers are scoped to a hot-path operation:
// acquired on entry and released on every exit path. Release of a buffer that
// did not come from the pool is ignored, and double release is a no-op.
type Buffer struct {
	data     []byte
	pool     *Pool
	pooled   bool
	released bool
}

// Bytes returns the backing slice.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Resize sets the visible length, growing the backing array if needed.
func (b *Buffer) Resize(n int) {
	if n <= cap(b.data) {
		b.data = b.data[:n]
		return
	}
	grown := make([]byte, n)
	copy(grown, b.data)
	b.data = grown
}

// PoolConfig holds buffer pool parameters.
type PoolConfig struct {
	MinBuffers  int `yaml:"min_buffers"`
	MaxBuffers  int `yaml:"max_buffers"`
	DefaultSize int `yaml:"default_size"`
}

// DefaultPoolConfig returns the standard pool sizing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinBuffers:  2,
		MaxBuffers:  100,
		DefaultSize: 1 << 20,
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Allocations      uint64
	Deallocations    uint64
	CacheHits        uint64
	PooledBuffers    int
	TotalBuffers     int
	MemoryEfficiency float64
	BufferSizes      []int
}

// Pool is a bounded free list of byte buffers. Get returns a cleared buffer of
// at least the requested size; when the pool is empty and at capacity a
// transient buffer is handed out instead and not returned to the pool.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	free    []*Buffer
	total   int
	members map[*Buffer]struct{}

	allocations   uint64
	deallocations uint64
	cacheHits     uint64
}

// NewPool creates a pool pre-populated with MinBuffers buffers.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.DefaultSize <= 0 {
		cfg.DefaultSize = DefaultPoolConfig().DefaultSize
	}
	if cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = DefaultPoolConfig().MaxBuffers
	}
	if cfg.MinBuffers < 0 {
		cfg.MinBuffers = 0
	}
	if cfg.MinBuffers > cfg.MaxBuffers {
		cfg.MinBuffers = cfg.MaxBuffers
	}

	p := &Pool{
		cfg:     cfg,
		members: make(map[*Buffer]struct{}),
	}
	for i := 0; i < cfg.MinBuffers; i++ {
		buf := p.newBuffer(cfg.DefaultSize)
		p.free = append(p.free, buf)
	}
	return p
}

func (p *Pool) newBuffer(size int) *Buffer {
	buf := &Buffer{
		data:   make([]byte, size),
		pool:   p,
		pooled: true,
	}
	p.members[buf] = struct{}{}
	p.total++
	p.allocations++
	return buf
}

// Get returns a cleared buffer with capacity of at least size. A size of zero
// requests the default size.
func (p *Pool) Get(size int) *Buffer {
	if size <= 0 {
		size = p.cfg.DefaultSize
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse the first free buffer large enough.
	for i, buf := range p.free {
		if cap(buf.data) >= size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.cacheHits++
			buf.released = false
			buf.data = buf.data[:size]
			clear(buf.data)
			return buf
		}
	}

	if p.total < p.cfg.MaxBuffers {
		buf := p.newBuffer(size)
		buf.data = buf.data[:size]
		return buf
	}

	// Pool exhausted: hand out a transient buffer that will not be pooled.
	p.allocations++
	return &Buffer{
		data:   make([]byte, size),
		pool:   p,
		pooled: false,
	}
}

// Put releases buf back to the pool. Transient buffers, foreign buffers, and
// already-released buffers are ignored.
func (p *Pool) Put(buf *Buffer) {
	if buf == nil || buf.pool != p {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if buf.released {
		return
	}
	buf.released = true
	p.deallocations++

	if !buf.pooled {
		return
	}
	if _, ok := p.members[buf]; !ok {
		return
	}
	buf.data = buf.data[:cap(buf.data)]
	p.free = append(p.free, buf)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	sizes := make([]int, 0, len(p.free))
	for _, buf := range p.free {
		sizes = append(sizes, cap(buf.data))
	}

	var efficiency float64
	if p.allocations > 0 {
		efficiency = float64(p.cacheHits) / float64(p.cacheHits+p.allocations)
	}

	return PoolStats{
		Allocations:      p.allocations,
		Deallocations:    p.deallocations,
		CacheHits:        p.cacheHits,
		PooledBuffers:    len(p.free),
		TotalBuffers:     p.total,
		MemoryEfficiency: efficiency,
		BufferSizes:      sizes,
	}
}
