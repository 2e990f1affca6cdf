package buffer

import "sync"

// ChunkSize is the capacity of pooled chunk memory.
const ChunkSize = 4096

type bytePool struct {
	pool sync.Pool
}

func newBytePool(size int) *bytePool {
	return &bytePool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *bytePool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bytePool) Put(b *[]byte) {
	p.pool.Put(b)
}

var chunkMemory = newBytePool(ChunkSize)
