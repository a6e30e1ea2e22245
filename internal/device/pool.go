package device

import (
	"sync"

	"github.com/tephra-ml/tephra/internal/logger"
)

const (
	// allocAlign is the device allocation granularity.
	allocAlign = 64
	// poolMaxFree bounds the freelist; beyond it, Put falls back to
	// direct release and logs a capacity warning.
	poolMaxFree = 256
	// poolGrowth oversizes fresh allocations to absorb nearby future
	// requests without a new allocation.
	poolGrowth = 1.05
)

// Pool is the per-device freelist allocator for transient scratch
// buffers. Get prefers the free entry with the least slack above the
// request; a miss allocates fresh at poolGrowth times the request. The
// lock covers only the freelist scan, never a device operation.
type Pool struct {
	mu     sync.Mutex
	dev    *Device
	free   []*Buffer
	budget int64
	log    logger.Logger

	// stats, read by the debug surface
	allocs   int64
	reuses   int64
	spilled  int64
	heldSize int64
}

// NewPool creates the pool for one device. budget caps the bytes the
// pool retains for reuse; returns past it release directly. Zero means
// unlimited.
func NewPool(dev *Device, budget int64, log logger.Logger) *Pool {
	return &Pool{dev: dev, budget: budget, log: log.With("device", dev.ID)}
}

// Get borrows a buffer of at least size bytes.
func (p *Pool) Get(size int) *Buffer {
	p.mu.Lock()
	best := -1
	for i, b := range p.free {
		if len(b.data) < size {
			continue
		}
		if best < 0 || len(b.data) < len(p.free[best].data) {
			best = i
		}
	}
	if best >= 0 {
		b := p.free[best]
		p.free[best] = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.heldSize -= int64(len(b.data))
		p.reuses++
		p.mu.Unlock()
		b.size = size
		b.pooled = true
		return b
	}
	p.allocs++
	p.mu.Unlock()

	b := &Buffer{
		dev:    p.dev,
		data:   make([]byte, alignUp(int(float64(size)*poolGrowth), allocAlign)),
		size:   size,
		pooled: true,
	}
	return b
}

// Put returns a borrowed buffer. The caller must not touch it afterwards.
func (p *Pool) Put(b *Buffer) {
	if b == nil || !b.pooled {
		return
	}
	b.pooled = false
	p.mu.Lock()
	if len(p.free) >= poolMaxFree {
		p.spilled++
		p.mu.Unlock()
		p.log.Warn("scratch pool freelist full, releasing directly",
			"capacity", poolMaxFree, "size", len(b.data))
		return
	}
	if p.budget > 0 && p.heldSize+int64(len(b.data)) > p.budget {
		held := p.heldSize
		p.spilled++
		p.mu.Unlock()
		p.log.Warn("scratch budget exhausted, releasing directly",
			"budget", p.budget, "held", held, "size", len(b.data))
		return
	}
	p.free = append(p.free, b)
	p.heldSize += int64(len(b.data))
	p.mu.Unlock()
}

// Stats reports allocator counters for the debug surface.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Device:    p.dev.ID,
		FreeCount: len(p.free),
		HeldBytes: p.heldSize,
		Allocs:    p.allocs,
		Reuses:    p.reuses,
		Spilled:   p.spilled,
	}
}

// PoolStats is a snapshot of one pool's counters.
type PoolStats struct {
	Device    int   `json:"device"`
	FreeCount int   `json:"free_count"`
	HeldBytes int64 `json:"held_bytes"`
	Allocs    int64 `json:"allocs"`
	Reuses    int64 `json:"reuses"`
	Spilled   int64 `json:"spilled"`
}
