package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a mutex-protected buffer pool. Unlike sync.Pool its
// contents survive garbage collection, which keeps large decompression
// buffers alive through long compactions.
type bufferPool struct {
	mu      sync.Mutex
	items   []*bytes.Buffer
	newFunc func() *bytes.Buffer

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// DefaultBufferCapacity is the pre-allocated capacity of pooled buffers,
// sized for a typical uncompressed block.
const DefaultBufferCapacity = 4 * 1024

// BufferPool is the process-wide pool used for block compression and
// decompression scratch space.
var BufferPool = NewBufferPool(DefaultBufferCapacity)

// NewBufferPool creates a buffer pool whose new buffers start with the
// given capacity.
func NewBufferPool(capacity int) *bufferPool {
	bp := &bufferPool{}
	bp.newFunc = func() *bytes.Buffer {
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, capacity))
	}
	return bp
}

// Get retrieves a buffer from the pool, creating one if the pool is empty.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newFunc()
	}
	bp.hits.Add(1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put resets buf and returns it to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	bp.mu.Lock()
	bp.items = append(bp.items, buf)
	bp.mu.Unlock()
}

// Metrics reports pool hit/miss/creation counters.
func (bp *bufferPool) Metrics() (hits, misses, created uint64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load()
}
