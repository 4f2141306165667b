package engine

import (
	"sync"
)

// DefaultBufferSize is the default size of byte buffers used when copying
// chunk payloads. 1MB balances syscall count against memory held per worker.
const DefaultBufferSize = 1 * 1024 * 1024

// BufferPool manages reusable byte buffers so that terabyte-scale ingests
// with many concurrent chunk copies do not churn the garbage collector.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a BufferPool allocating buffers of the given size.
// A size <= 0 falls back to DefaultBufferSize.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get retrieves a reusable buffer. Callers should defer Put.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. The caller must not touch the buffer
// afterwards.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil {
		bp.pool.Put(b)
	}
}
