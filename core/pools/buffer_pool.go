package pools

import (
	"bufio"
	"io"
	"sync"
)

// Buffer pool sizes
const (
	ReaderSize      = 4 * 1024
	SmallBufferSize = 4 * 1024
	LargeBufferSize = 64 * 1024
)

var readerPool sync.Pool

// AcquireReader returns a pooled bufio.Reader reading from r.
func AcquireReader(r io.Reader) *bufio.Reader {
	if br, ok := readerPool.Get().(*bufio.Reader); ok {
		br.Reset(r)
		return br
	}
	return bufio.NewReaderSize(r, ReaderSize)
}

// ReleaseReader drops the reader's source and returns it to the pool.
func ReleaseReader(br *bufio.Reader) {
	br.Reset(nil)
	readerPool.Put(br)
}

// BufferPool hands out response buffers in two size tiers.
type BufferPool struct {
	small sync.Pool
	large sync.Pool
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, SmallBufferSize)
				return &buf
			},
		},
		large: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, LargeBufferSize)
				return &buf
			},
		},
	}
}

// Get acquires a buffer able to hold estimatedSize bytes without growing,
// up to LargeBufferSize.
func (bp *BufferPool) Get(estimatedSize int) *[]byte {
	if estimatedSize <= SmallBufferSize {
		return bp.small.Get().(*[]byte)
	}
	return bp.large.Get().(*[]byte)
}

// Put returns a buffer to the pool. Oversized buffers are left to the GC.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	*buf = (*buf)[:0]
	switch c := cap(*buf); {
	case c < SmallBufferSize:
	case c < LargeBufferSize:
		bp.small.Put(buf)
	case c <= 4*LargeBufferSize:
		bp.large.Put(buf)
	}
}

var globalBufferPool = NewBufferPool()

// AcquireBuffer gets a buffer from the global pool
func AcquireBuffer(estimatedSize int) *[]byte {
	return globalBufferPool.Get(estimatedSize)
}

// ReleaseBuffer returns a buffer to the global pool
func ReleaseBuffer(buf *[]byte) {
	globalBufferPool.Put(buf)
}
