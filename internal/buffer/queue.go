// Package buffer implements the segmented byte queues each connection uses
// for its inbound and outbound streams.
//
// A Queue never copies pending bytes around: a partial write advances the
// used cursor of the chunks it covered and the next flush starts from there.
package buffer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxSegments bounds the number of chunks passed to a single vectored write.
const MaxSegments = 64

// ErrClosed reports that the peer reset the connection or the pipe broke.
var ErrClosed = errors.New("buffer: connection closed")

// VectorWriter is implemented by sockets able to write several buffers at once.
type VectorWriter interface {
	Writev(bufs [][]byte) (int, error)
}

// Reader is implemented by sockets.
type Reader interface {
	Read(p []byte) (int, error)
}

// Queue is an ordered sequence of chunks. The zero value is an empty queue.
// A Queue is owned by a single connection and is not safe for concurrent use.
type Queue struct {
	chunks  []*Chunk
	head    int
	pending int
	iov     [][]byte
}

// Append adds c at the tail. The queue takes ownership of c.
func (q *Queue) Append(c *Chunk) {
	if len(c.Pending()) == 0 {
		c.release()
		return
	}
	q.chunks = append(q.chunks, c)
	q.pending += len(c.Pending())
}

// Write copies p at the tail of the queue.
func (q *Queue) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if tail := q.tail(); tail != nil {
		n := copy(tail.Free(), p)
		tail.Commit(n)
		q.pending += n
		p = p[n:]
	}
	for len(p) > 0 {
		c := NewChunk(len(p))
		n := copy(c.Free(), p)
		c.Commit(n)
		q.Append(c)
		p = p[n:]
	}
}

// WriteString is like Write for strings.
func (q *Queue) WriteString(s string) {
	q.Write([]byte(s))
}

// ReadFrom reads at most n bytes from r into new chunks. A would-block
// condition ends the read without an error.
func (q *Queue) ReadFrom(r Reader, n int) (int, error) {
	total := 0
	for total < n {
		c := NewChunk(min(n-total, ChunkSize))
		free := c.Free()
		if len(free) > n-total {
			free = free[:n-total]
		}

		k, err := r.Read(free)
		if k > 0 {
			c.Commit(k)
			q.Append(c)
			total += k
		} else {
			c.release()
		}

		if err != nil {
			if wouldBlock(err) {
				return total, nil
			}
			return total, classify("read", err)
		}
		if k == 0 {
			return total, ErrClosed
		}
	}
	return total, nil
}

// Flush writes the leading chunks to w in one vectored write and returns the
// number of bytes written. A would-block or interrupted write returns 0 and a
// nil error; the caller retries on the next write readiness. A reset or broken
// pipe returns ErrClosed. Any other failure is returned wrapped.
func (q *Queue) Flush(w VectorWriter) (int, error) {
	if q.pending == 0 {
		return 0, nil
	}

	iov := q.iov[:0]
	for i := q.head; i < len(q.chunks) && len(iov) < MaxSegments; i++ {
		iov = append(iov, q.chunks[i].Pending())
	}

	n, err := w.Writev(iov)
	clear(iov)
	q.iov = iov[:0]

	if err != nil {
		if wouldBlock(err) {
			return 0, nil
		}
		return 0, classify("flush", err)
	}

	q.consume(n)
	return n, nil
}

// Pending returns the number of bytes not consumed yet.
func (q *Queue) Pending() int { return q.pending }

// Len returns the number of chunks in the queue.
func (q *Queue) Len() int { return len(q.chunks) - q.head }

// MoveTo transfers every pending chunk to the tail of dst.
func (q *Queue) MoveTo(dst *Queue) {
	for i := q.head; i < len(q.chunks); i++ {
		dst.Append(q.chunks[i])
		q.chunks[i] = nil
	}
	q.chunks = q.chunks[:0]
	q.head = 0
	q.pending = 0
}

// Reset drops every chunk and returns pooled memory.
func (q *Queue) Reset() {
	for i := q.head; i < len(q.chunks); i++ {
		q.chunks[i].release()
		q.chunks[i] = nil
	}
	q.chunks = q.chunks[:0]
	q.head = 0
	q.pending = 0
}

// String returns a copy of the pending bytes.
func (q *Queue) String() string {
	b := make([]byte, 0, q.pending)
	for i := q.head; i < len(q.chunks); i++ {
		b = append(b, q.chunks[i].Pending()...)
	}
	return string(b)
}

func (q *Queue) tail() *Chunk {
	if q.Len() == 0 {
		return nil
	}
	return q.chunks[len(q.chunks)-1]
}

func (q *Queue) consume(n int) {
	for n > 0 && q.head < len(q.chunks) {
		c := q.chunks[q.head]
		k := min(n, len(c.Pending()))
		c.Consume(k)
		q.pending -= k
		n -= k

		if !c.done() {
			break
		}
		c.release()
		q.chunks[q.head] = nil
		q.head++
	}

	if q.head == len(q.chunks) {
		q.chunks = q.chunks[:0]
		q.head = 0
	} else if q.head > len(q.chunks)/2 {
		m := copy(q.chunks, q.chunks[q.head:])
		clear(q.chunks[m:])
		q.chunks = q.chunks[:m]
		q.head = 0
	}
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

func classify(op string, err error) error {
	if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
		return ErrClosed
	}
	return fmt.Errorf("buffer: %s: %w", op, err)
}
