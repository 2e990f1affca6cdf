package buffer

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type limitedWriter struct {
	bytes.Buffer
	limit    int
	err      error
	segments []int
}

func (w *limitedWriter) Writev(bufs [][]byte) (int, error) {
	w.segments = append(w.segments, len(bufs))
	if w.err != nil {
		return -1, w.err
	}
	written := 0
	for _, b := range bufs {
		if w.limit > 0 && written+len(b) > w.limit {
			b = b[:w.limit-written]
		}
		n, _ := w.Write(b)
		written += n
		if w.limit > 0 && written == w.limit {
			break
		}
	}
	return written, nil
}

type stringReader struct {
	*strings.Reader
	err error
}

func (r *stringReader) Read(p []byte) (int, error) {
	if r.Reader.Len() == 0 && r.err != nil {
		return -1, r.err
	}
	n, _ := r.Reader.Read(p)
	return n, nil
}

func TestQueue_AppendAndFlush(t *testing.T) {
	var q Queue
	q.Append(ChunkOf([]byte("hello ")))
	q.Append(ChunkOf([]byte("world")))
	require.Equal(t, 11, q.Pending())
	require.Equal(t, 2, q.Len())

	w := &limitedWriter{}
	n, err := q.Flush(w)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", w.String())
	require.Equal(t, 0, q.Pending())
	require.Equal(t, 0, q.Len())
}

func TestQueue_PartialFlushResumes(t *testing.T) {
	var q Queue
	q.Append(ChunkOf([]byte("abcd")))
	q.Append(ChunkOf([]byte("efgh")))
	q.Append(ChunkOf([]byte("ij")))

	w := &limitedWriter{limit: 3}
	n, err := q.Flush(w)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 7, q.Pending())
	require.Equal(t, "defghij", q.String())

	n, err = q.Flush(w)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "ghij", q.String())
	require.Equal(t, 2, q.Len())

	w.limit = 0
	n, err = q.Flush(w)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "abcdefghij", w.String())
	require.Equal(t, 0, q.Len())
}

func TestQueue_FlushErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"would block", unix.EAGAIN, nil},
		{"interrupted", unix.EINTR, nil},
		{"reset", unix.ECONNRESET, ErrClosed},
		{"broken pipe", unix.EPIPE, ErrClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q Queue
			q.WriteString("data")

			n, err := q.Flush(&limitedWriter{err: tt.err})
			require.Equal(t, 0, n)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
			require.Equal(t, "data", q.String())
		})
	}

	t.Run("other errors are failures", func(t *testing.T) {
		var q Queue
		q.WriteString("data")

		_, err := q.Flush(&limitedWriter{err: unix.EBADF})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrClosed)
		require.ErrorIs(t, err, unix.EBADF)
	})
}

func TestQueue_FlushBoundsSegments(t *testing.T) {
	var q Queue
	for range MaxSegments + 10 {
		q.Append(ChunkOf([]byte("x")))
	}

	w := &limitedWriter{}
	n, err := q.Flush(w)
	require.NoError(t, err)
	require.Equal(t, MaxSegments, n)
	require.Equal(t, []int{MaxSegments}, w.segments)
	require.Equal(t, 10, q.Pending())
}

func TestQueue_FlushEmpty(t *testing.T) {
	var q Queue
	w := &limitedWriter{}
	n, err := q.Flush(w)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, w.segments)
}

func TestQueue_WriteFillsTail(t *testing.T) {
	var q Queue
	q.WriteString("get ")
	q.WriteString("foo\r\n")
	require.Equal(t, 1, q.Len())
	require.Equal(t, "get foo\r\n", q.String())

	big := strings.Repeat("v", ChunkSize*2+1)
	q.WriteString(big)
	require.Equal(t, "get foo\r\n"+big, q.String())
}

func TestQueue_EmptyChunkIsDropped(t *testing.T) {
	var q Queue
	q.Append(NewChunk(16))
	require.Equal(t, 0, q.Len())
}

func TestQueue_ReadFrom(t *testing.T) {
	var q Queue
	r := &stringReader{Reader: strings.NewReader("payload\r\nnext"), err: unix.EAGAIN}

	n, err := q.ReadFrom(r, 9)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, "payload\r\n", q.String())

	n, err = q.ReadFrom(r, 100)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "payload\r\nnext", q.String())
}

func TestQueue_ReadFromEOF(t *testing.T) {
	var q Queue
	r := &stringReader{Reader: strings.NewReader("")}

	_, err := q.ReadFrom(r, 10)
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueue_ReadFromError(t *testing.T) {
	var q Queue
	r := &stringReader{Reader: strings.NewReader(""), err: unix.ECONNRESET}

	_, err := q.ReadFrom(r, 10)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestQueue_MoveTo(t *testing.T) {
	var src, dst Queue
	dst.WriteString("set k 0 0 1\r\n")
	src.WriteString("v")
	src.WriteString("\r\n")

	src.MoveTo(&dst)
	require.Equal(t, 0, src.Pending())
	require.Equal(t, 0, src.Len())
	require.Equal(t, "set k 0 0 1\r\nv\r\n", dst.String())
}

func TestQueue_Reset(t *testing.T) {
	var q Queue
	q.WriteString("abc")
	q.Reset()
	require.Equal(t, 0, q.Pending())
	require.Equal(t, "", q.String())
}

func TestChunk_Truncate(t *testing.T) {
	c := ChunkOf([]byte("0123456789"))
	c.Consume(2)
	c.Truncate(3)
	require.Equal(t, "234", string(c.Pending()))
	require.Equal(t, 5, c.Size())
	require.Equal(t, 2, c.Used())
}
