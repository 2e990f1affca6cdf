package buffer

// Chunk is an owned byte buffer. Bytes in [0, used) were already consumed
// and are never written again; bytes in [used, size) are pending.
type Chunk struct {
	data   []byte
	used   int
	size   int
	pooled *[]byte
}

// NewChunk returns an empty chunk able to hold capacity bytes. Chunks of
// ChunkSize or less use pooled memory.
func NewChunk(capacity int) *Chunk {
	if capacity <= ChunkSize {
		b := chunkMemory.Get()
		return &Chunk{data: (*b)[:ChunkSize], pooled: b}
	}
	return &Chunk{data: make([]byte, capacity)}
}

// ChunkOf returns a chunk holding a copy of p.
func ChunkOf(p []byte) *Chunk {
	c := NewChunk(len(p))
	c.size = copy(c.data, p)
	return c
}

func (c *Chunk) Cap() int { return len(c.data) }

func (c *Chunk) Size() int { return c.size }

func (c *Chunk) Used() int { return c.used }

// Pending returns the bytes not consumed yet.
func (c *Chunk) Pending() []byte { return c.data[c.used:c.size] }

// Free returns the writable tail of the chunk.
func (c *Chunk) Free() []byte { return c.data[c.size:] }

// Commit marks n bytes of Free as valid.
func (c *Chunk) Commit(n int) {
	if n < 0 || c.size+n > len(c.data) {
		panic("buffer: commit out of range")
	}
	c.size += n
}

// Truncate drops pending bytes past n.
func (c *Chunk) Truncate(n int) {
	if c.used+n < c.size {
		c.size = c.used + n
	}
}

// Consume marks n pending bytes as sent.
func (c *Chunk) Consume(n int) {
	if n < 0 || c.used+n > c.size {
		panic("buffer: consume out of range")
	}
	c.used += n
}

func (c *Chunk) done() bool { return c.used == c.size }

func (c *Chunk) release() {
	if c.pooled != nil {
		chunkMemory.Put(c.pooled)
		c.pooled = nil
	}
	c.data = nil
	c.used, c.size = 0, 0
}
