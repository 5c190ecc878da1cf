package common

import (
	"sync"
)

// BufferPool recycles byte buffers of a single size to keep the per-datagram
// delivery path from allocating. Buffers handed out by Get must be returned
// with Put once the caller is done with them.
type BufferPool struct {
	pool sync.Pool
}

// Pooled buffer sizes, chosen around the segment sizes this transport
// actually moves: headers and pure ACKs, MTU-sized data segments, and the
// occasional oversized test payload.
const (
	SmallBufferSize  = 512
	MediumBufferSize = 1500
	LargeBufferSize  = 65536
)

var (
	SmallBufferPool  = NewBufferPool(SmallBufferSize)
	MediumBufferPool = NewBufferPool(MediumBufferSize)
	LargeBufferPool  = NewBufferPool(LargeBufferSize)
)

// NewBufferPool creates a pool whose buffers all have the given size.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

// Get retrieves a full-capacity buffer from the pool.
func (bp *BufferPool) Get() []byte {
	bufPtr := bp.pool.Get().(*[]byte)
	return (*bufPtr)[:cap(*bufPtr)]
}

// Put returns a buffer to the pool, zeroing it first so a future Get never
// observes a previous datagram's bytes.
func (bp *BufferPool) Put(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	bp.pool.Put(&buf)
}

// GetBuffer returns a buffer of at least size bytes, sliced to size, from
// the smallest global pool that fits. Sizes beyond LargeBufferSize are
// allocated directly and simply garbage collected.
func GetBuffer(size int) []byte {
	switch {
	case size <= SmallBufferSize:
		return SmallBufferPool.Get()[:size]
	case size <= MediumBufferSize:
		return MediumBufferPool.Get()[:size]
	case size <= LargeBufferSize:
		return LargeBufferPool.Get()[:size]
	}
	return make([]byte, size)
}

// PutBuffer returns a buffer obtained from GetBuffer to its pool. Buffers
// whose capacity matches no pool are left to the garbage collector.
func PutBuffer(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case SmallBufferSize:
		SmallBufferPool.Put(buf[:SmallBufferSize])
	case MediumBufferSize:
		MediumBufferPool.Put(buf[:MediumBufferSize])
	case LargeBufferSize:
		LargeBufferPool.Put(buf[:LargeBufferSize])
	}
}
