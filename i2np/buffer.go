package i2np

import "sync/atomic"

// Headroom is the minimum number of bytes reserved before the logical
// start of a Buffer so it can be re-wrapped as a tunnel-gateway frame
// (TunnelGatewayHeader: tunnel_id(4) + length(2), rounded up with margin)
// without a copy, per spec.md section 4.1 and the "Shared buffers" design note.
const Headroom = 28

// Buffer is a reference-counted byte buffer with reserved headroom. Clones
// are cheap (they bump a refcount and reslice); the backing array is only
// released to the pool once the last reference is dropped.
type Buffer struct {
	backing []byte
	start   int // offset of the logical data within backing
	end     int
	refs    *int32
	pool    *Pool
}

// Bytes returns the logical (post-headroom) contents of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.backing[b.start:b.end]
}

// HeadroomBytes returns the bytes available before the logical start, for
// in-place re-framing (e.g. prepending a TunnelGatewayHeader).
func (b *Buffer) HeadroomBytes() []byte {
	return b.backing[:b.start]
}

// PrependInPlace moves the logical start backward by len(hdr) bytes and
// copies hdr into the freed region, provided enough headroom remains.
// It returns false if there isn't enough room and no mutation occurred.
func (b *Buffer) PrependInPlace(hdr []byte) bool {
	if b.start < len(hdr) {
		return false
	}
	b.start -= len(hdr)
	copy(b.backing[b.start:], hdr)
	return true
}

// Retain increments the reference count and returns a new handle sharing
// the same backing array.
func (b *Buffer) Retain() *Buffer {
	atomic.AddInt32(b.refs, 1)
	clone := *b
	return &clone
}

// Release decrements the reference count, returning the backing array to
// the pool once it reaches zero.
func (b *Buffer) Release() {
	if atomic.AddInt32(b.refs, -1) == 0 && b.pool != nil {
		b.pool.put(b.backing)
	}
}

// Pool is a multi-goroutine-safe free-list of fixed-capacity backing
// arrays, modeled after the design note's "memory pools for I2NP buffers:
// multi-threaded free-list; buffers crossing threads are ref-counted."
type Pool struct {
	capacity int
	free     chan []byte
}

// NewPool creates a Pool whose buffers have the given logical capacity
// (Headroom bytes are added automatically) and which caches up to
// maxFree released backing arrays.
func NewPool(capacity, maxFree int) *Pool {
	return &Pool{capacity: capacity, free: make(chan []byte, maxFree)}
}

// Get returns a Buffer with at least Headroom bytes of free space before
// its logical start, backed either by a reused array or a fresh allocation.
func (p *Pool) Get() *Buffer {
	var backing []byte
	select {
	case backing = <-p.free:
	default:
		backing = make([]byte, Headroom+p.capacity)
	}
	refs := new(int32)
	*refs = 1
	return &Buffer{backing: backing, start: Headroom, end: Headroom, refs: refs, pool: p}
}

// GetWith returns a Buffer whose logical contents are initialized to data.
func (p *Pool) GetWith(data []byte) *Buffer {
	b := p.Get()
	if cap(b.backing)-b.start < len(data) {
		// Data exceeds the pooled capacity; fall back to a one-off allocation
		// sized to fit, still respecting Headroom.
		b.backing = make([]byte, Headroom+len(data))
		b.start = Headroom
	}
	b.end = b.start + len(data)
	copy(b.backing[b.start:b.end], data)
	return b
}

func (p *Pool) put(backing []byte) {
	if cap(backing) != Headroom+p.capacity {
		return // off-size buffer, let GC reclaim it
	}
	select {
	case p.free <- backing[:cap(backing)]:
	default:
	}
}
